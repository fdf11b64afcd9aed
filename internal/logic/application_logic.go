package logic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blues/aidefund/internal/chain"
	"github.com/blues/aidefund/internal/logger"
	"github.com/blues/aidefund/internal/model"
	"gorm.io/gorm"
)

var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrMissingOnChainId    = errors.New("registered application requires an on-chain id")
)

// ApplicationLogic 资助申请业务逻辑
type ApplicationLogic struct {
	db *gorm.DB
}

// NewApplicationLogic 创建资助申请业务逻辑
func NewApplicationLogic(db *gorm.DB) *ApplicationLogic {
	return &ApplicationLogic{db: db}
}

// CreateRegistered 保存已完成链上登记的申请，状态固定为待投票
func (a *ApplicationLogic) CreateRegistered(ctx context.Context, app *model.Application) error {
	return createRegistered(a.db.WithContext(ctx), app)
}

func createRegistered(db *gorm.DB, app *model.Application) error {
	if app.OnChainId == nil {
		return ErrMissingOnChainId
	}
	app.Status = model.ApplicationStatusPendingVote
	if err := db.Create(app).Error; err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return applyRecordedTally(db, app)
}

// applyRecordedTally 提案在申请落库前已有投票结果时，按最早的结果补记状态
func applyRecordedTally(db *gorm.DB, app *model.Application) error {
	var event model.ChainEvent
	err := db.Where("proposal_id = ? AND event_name = ? AND passed IS NOT NULL", *app.OnChainId, chain.EventProposalTallied).
		Order("block_num ASC, log_index ASC").
		Limit(1).
		Find(&event).Error
	if err != nil {
		return fmt.Errorf("failed to look up tally for proposal %d: %w", *app.OnChainId, err)
	}
	if event.Id == 0 {
		return nil
	}

	updated, _, err := applyTally(db, *app.OnChainId, *event.Passed)
	if err != nil {
		return err
	}
	app.Status = updated.Status
	logger.Info("Applied recorded tally %s#%d to new application %d", event.TxHash, event.LogIndex, app.Id)
	return nil
}

// ListShortlisted 获取待投票的申请
func (a *ApplicationLogic) ListShortlisted(ctx context.Context) ([]model.Application, error) {
	apps := make([]model.Application, 0)
	if err := a.db.WithContext(ctx).
		Where("status = ?", model.ApplicationStatusPendingVote).
		Order("created_at DESC").
		Find(&apps).Error; err != nil {
		return nil, fmt.Errorf("failed to list shortlisted applications: %w", err)
	}
	return apps, nil
}

// ListByApplicant 按钱包地址查询申请，不区分大小写
func (a *ApplicationLogic) ListByApplicant(ctx context.Context, wallet string) ([]model.Application, error) {
	apps := make([]model.Application, 0)
	if err := a.db.WithContext(ctx).
		Where("LOWER(applicant_wallet) = ?", strings.ToLower(strings.TrimSpace(wallet))).
		Order("created_at DESC").
		Find(&apps).Error; err != nil {
		return nil, fmt.Errorf("failed to list applications for %s: %w", wallet, err)
	}
	return apps, nil
}

// GetApplication 获取申请详情
func (a *ApplicationLogic) GetApplication(ctx context.Context, id int64) (*model.Application, error) {
	var app model.Application
	if err := a.db.WithContext(ctx).First(&app, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrApplicationNotFound
		}
		return nil, fmt.Errorf("failed to get application %d: %w", id, err)
	}
	return &app, nil
}

// ApplyTally 按投票结果更新申请状态，只有待投票的申请会被更新
func (a *ApplicationLogic) ApplyTally(ctx context.Context, onChainId uint64, passed bool) (*model.Application, bool, error) {
	return applyTally(a.db.WithContext(ctx), onChainId, passed)
}

func applyTally(db *gorm.DB, onChainId uint64, passed bool) (*model.Application, bool, error) {
	var app model.Application
	if err := db.Where("on_chain_id = ?", onChainId).First(&app).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrApplicationNotFound
		}
		return nil, false, fmt.Errorf("failed to find application for proposal %d: %w", onChainId, err)
	}
	if app.Status != model.ApplicationStatusPendingVote {
		return &app, false, nil
	}

	status := model.ApplicationStatusRejected
	if passed {
		status = model.ApplicationStatusApproved
	}
	res := db.Model(&app).
		Where("status = ?", model.ApplicationStatusPendingVote).
		Update("status", status)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to update application %d: %w", app.Id, res.Error)
	}
	if res.RowsAffected == 0 {
		// 已被其他事件更新
		if err := db.First(&app, app.Id).Error; err != nil {
			return nil, false, fmt.Errorf("failed to reload application %d: %w", app.Id, err)
		}
		return &app, false, nil
	}
	app.Status = status
	return &app, true, nil
}
