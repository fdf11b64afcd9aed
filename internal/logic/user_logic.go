package logic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blues/aidefund/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrUserExists         = errors.New("User already exists")
	ErrInvalidCredentials = errors.New("Invalid Credentials")
	ErrInvalidRole        = errors.New("role must be applicant or funder")
)

// UserLogic 用户注册与登录
type UserLogic struct {
	db   *gorm.DB
	cost int
}

// NewUserLogic 创建用户业务逻辑
func NewUserLogic(db *gorm.DB) *UserLogic {
	return &UserLogic{db: db, cost: bcrypt.DefaultCost}
}

// Signup 注册用户，角色为空时默认为申请人
func (u *UserLogic) Signup(ctx context.Context, name, email, password string, role model.UserRole) (*model.User, error) {
	email = strings.TrimSpace(email)
	if role == "" {
		role = model.UserRoleApplicant
	}
	if role != model.UserRoleApplicant && role != model.UserRoleFunder {
		return nil, ErrInvalidRole
	}

	db := u.db.WithContext(ctx)
	exists, err := u.emailExists(db, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		// 并发注册同一邮箱时由唯一索引兜底
		if exists, _ := u.emailExists(db, email); exists {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login 校验邮箱和密码
func (u *UserLogic) Login(ctx context.Context, email, password string) (*model.User, error) {
	var user model.User
	if err := u.db.WithContext(ctx).Where("email = ?", strings.TrimSpace(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (u *UserLogic) emailExists(db *gorm.DB, email string) (bool, error) {
	var count int64
	if err := db.Model(&model.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return count > 0, nil
}
