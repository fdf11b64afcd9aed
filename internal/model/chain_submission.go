package model

import (
	"time"

	"gorm.io/datatypes"
)

// SubmissionState 链上登记记录状态
type SubmissionState string

const (
	SubmissionStatePending     SubmissionState = "pending"     // 已记录，尚未广播
	SubmissionStateSubmitted   SubmissionState = "submitted"   // 已广播，等待确认
	SubmissionStateRegistered  SubmissionState = "registered"  // 链上已创建提案，本地尚未落库
	SubmissionStatePersisted   SubmissionState = "persisted"   // 申请记录已保存
	SubmissionStateUnconfirmed SubmissionState = "unconfirmed" // 已广播但结果未知
	SubmissionStateFailed      SubmissionState = "failed"      // 未上链或交易回滚
)

// ChainSubmission 每次链上登记尝试的台账
type ChainSubmission struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Key             string         `json:"key" gorm:"not null;uniqueIndex"`
	ApplicantWallet string         `json:"applicantWallet" gorm:"not null;index"`
	Title           string         `json:"title" gorm:"not null"`
	Description     string         `json:"description" gorm:"type:text;not null"`
	RequestedAmount float64        `json:"requestedAmount" gorm:"not null"`
	AmountBaseUnits string         `json:"amountBaseUnits" gorm:"not null"`
	AIEvaluation    datatypes.JSON `json:"aiEvaluation"`

	State         SubmissionState `json:"state" gorm:"not null;index"`
	TxHash        string          `json:"txHash"`
	OnChainId     *uint64         `json:"onChainId,omitempty"`
	ApplicationId *int64          `json:"applicationId,omitempty"`
	LastError     string          `json:"lastError" gorm:"type:text"`
	Attempts      int             `json:"attempts" gorm:"not null;default:0"`
}

// TableName 自定义表名
func (ChainSubmission) TableName() string {
	return "chain_submission"
}
