package model

import (
	"time"

	"gorm.io/datatypes"
)

// ChainEvent 已处理的链上事件
type ChainEvent struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`

	ContractAddress string         `json:"contractAddress" gorm:"not null"`
	EventName       string         `json:"eventName" gorm:"not null"`
	TxHash          string         `json:"txHash" gorm:"not null;uniqueIndex:idx_chain_event_log"`
	LogIndex        int64          `json:"logIndex" gorm:"not null;uniqueIndex:idx_chain_event_log"`
	BlockNum        int64          `json:"blockNum" gorm:"not null;index"`
	ProposalId      uint64         `json:"proposalId" gorm:"index"`
	Passed          *bool          `json:"passed,omitempty"` // 投票结果事件的结论
	Data            datatypes.JSON `json:"data"`
}

// TableName 自定义表名
func (ChainEvent) TableName() string {
	return "chain_event"
}
