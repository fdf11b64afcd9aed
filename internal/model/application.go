package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApplicationStatus 申请状态
type ApplicationStatus string

const (
	ApplicationStatusPendingAIReview ApplicationStatus = "Pending AI Review" // 待AI评审
	ApplicationStatusPendingVote     ApplicationStatus = "Pending Vote"      // 待投票
	ApplicationStatusApproved        ApplicationStatus = "Approved"          // 投票通过
	ApplicationStatusRejected        ApplicationStatus = "Rejected"          // 投票未通过
)

// Valid 是否为已知状态
func (s ApplicationStatus) Valid() bool {
	switch s {
	case ApplicationStatusPendingAIReview, ApplicationStatusPendingVote,
		ApplicationStatusApproved, ApplicationStatusRejected:
		return true
	}
	return false
}

// Application 资助申请
type Application struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// 基本信息
	Title           string  `json:"title" gorm:"not null"`
	Description     string  `json:"description" gorm:"type:text;not null"`
	ApplicantWallet string  `json:"applicantWallet" gorm:"not null;index"`
	RequestedAmount float64 `json:"requestedAmount" gorm:"not null"`

	Status ApplicationStatus `json:"status" gorm:"not null;default:'Pending AI Review';index"`

	// 区块链信息
	OnChainId *uint64 `json:"onChainId,omitempty" gorm:"uniqueIndex"`
	TxHash    string  `json:"txHash,omitempty"`

	// AI 评审结果，原样保存
	AIEvaluation datatypes.JSON `json:"aiEvaluation"`
}

// TableName 自定义表名
func (Application) TableName() string {
	return "application"
}

// BeforeSave 钱包地址统一小写
func (a *Application) BeforeSave(tx *gorm.DB) error {
	a.ApplicantWallet = strings.ToLower(strings.TrimSpace(a.ApplicantWallet))
	if a.Status == "" {
		a.Status = ApplicationStatusPendingAIReview
	}
	return nil
}
