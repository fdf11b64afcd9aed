package model

import (
	"time"
)

// UserRole 用户角色
type UserRole string

const (
	UserRoleApplicant UserRole = "applicant"
	UserRoleFunder    UserRole = "funder"
)

// User 平台用户
type User struct {
	Id           int64     `json:"id" gorm:"primaryKey"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Name         string    `json:"name" gorm:"not null"`
	Email        string    `json:"email" gorm:"not null;uniqueIndex"`
	PasswordHash string    `json:"-" gorm:"not null"`
	Role         UserRole  `json:"role" gorm:"not null;default:'applicant'"`
}

// TableName 自定义表名
func (User) TableName() string {
	return "user_account"
}
