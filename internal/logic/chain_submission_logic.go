package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blues/aidefund/internal/ethereum"
	"github.com/blues/aidefund/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrSubmissionClosed 登记记录已关联申请，不能重复落库
	ErrSubmissionClosed = errors.New("chain submission already persisted")
	// ErrSubmissionAdvanced 登记记录已被对账推进
	ErrSubmissionAdvanced = errors.New("chain submission already advanced by reconciliation")
)

// openStates 需要对账的状态
var openStates = []model.SubmissionState{
	model.SubmissionStatePending,
	model.SubmissionStateSubmitted,
	model.SubmissionStateRegistered,
	model.SubmissionStateUnconfirmed,
}

// liveStates 请求流程仍可写入的状态。
// failed 可能是对账对仍在排队的请求作出的判断，以请求拿到的链上结果为准
var liveStates = []model.SubmissionState{
	model.SubmissionStatePending,
	model.SubmissionStateSubmitted,
	model.SubmissionStateFailed,
}

// ChainSubmissionLogic 链上登记台账
type ChainSubmissionLogic struct {
	db *gorm.DB
}

// NewChainSubmissionLogic 创建链上登记台账逻辑
func NewChainSubmissionLogic(db *gorm.DB) *ChainSubmissionLogic {
	return &ChainSubmissionLogic{db: db}
}

// Open 在调用链之前写入待登记记录
func (s *ChainSubmissionLogic) Open(ctx context.Context, sub *model.ChainSubmission) error {
	if sub.Key == "" {
		sub.Key = uuid.NewString()
	}
	sub.State = model.SubmissionStatePending
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to open chain submission: %w", err)
	}
	return nil
}

// MarkSubmitted 交易已广播。对账已推进的记录不会被改写
func (s *ChainSubmissionLogic) MarkSubmitted(ctx context.Context, sub *model.ChainSubmission, txHash string) error {
	if err := s.advance(ctx, sub.Id, liveStates, map[string]interface{}{
		"state":   model.SubmissionStateSubmitted,
		"tx_hash": txHash,
	}); err != nil {
		return err
	}
	sub.State = model.SubmissionStateSubmitted
	sub.TxHash = txHash
	return nil
}

// RecordResult 按链上登记结果更新状态。
// 记录已被对账推进到 registered 或 persisted 时返回 ErrSubmissionAdvanced
func (s *ChainSubmissionLogic) RecordResult(ctx context.Context, sub *model.ChainSubmission, result ethereum.ProposalResult) error {
	state := model.SubmissionStateFailed
	updates := map[string]interface{}{
		"tx_hash":  result.TxHash,
		"attempts": gorm.Expr("attempts + 1"),
	}
	switch {
	case result.Success:
		state = model.SubmissionStateRegistered
		updates["on_chain_id"] = result.OnChainID
		updates["last_error"] = ""
	case result.Submitted:
		state = model.SubmissionStateUnconfirmed
		updates["last_error"] = errorText(result.Err)
	default:
		updates["last_error"] = errorText(result.Err)
	}
	updates["state"] = state

	if err := s.advance(ctx, sub.Id, liveStates, updates); err != nil {
		return err
	}

	sub.State = state
	sub.TxHash = result.TxHash
	sub.LastError = errorText(result.Err)
	sub.Attempts++
	if result.Success {
		id := result.OnChainID
		sub.OnChainId = &id
	}
	return nil
}

// PersistRegistered 在同一事务中创建申请记录并关闭登记记录
func (s *ChainSubmissionLogic) PersistRegistered(ctx context.Context, sub *model.ChainSubmission) (*model.Application, error) {
	if sub.OnChainId == nil {
		return nil, ErrMissingOnChainId
	}

	app := &model.Application{
		Title:           sub.Title,
		Description:     sub.Description,
		ApplicantWallet: sub.ApplicantWallet,
		RequestedAmount: sub.RequestedAmount,
		OnChainId:       sub.OnChainId,
		TxHash:          sub.TxHash,
		AIEvaluation:    sub.AIEvaluation,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&model.ChainSubmission{}).
			Where("id = ? AND application_id IS NULL", sub.Id).
			Count(&open).Error; err != nil {
			return fmt.Errorf("failed to check chain submission %d: %w", sub.Id, err)
		}
		if open == 0 {
			return ErrSubmissionClosed
		}
		if err := createRegistered(tx, app); err != nil {
			return err
		}
		res := tx.Model(&model.ChainSubmission{}).
			Where("id = ? AND application_id IS NULL", sub.Id).
			Updates(map[string]interface{}{
				"state":          model.SubmissionStatePersisted,
				"application_id": app.Id,
				"on_chain_id":    *sub.OnChainId,
				"tx_hash":        sub.TxHash,
				"last_error":     "",
			})
		if res.Error != nil {
			return fmt.Errorf("failed to close chain submission %d: %w", sub.Id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSubmissionClosed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sub.State = model.SubmissionStatePersisted
	sub.ApplicationId = &app.Id
	return app, nil
}

// MarkRegistered 对账时确认链上已创建提案
func (s *ChainSubmissionLogic) MarkRegistered(ctx context.Context, sub *model.ChainSubmission, onChainId uint64) error {
	if err := s.advance(ctx, sub.Id, []model.SubmissionState{
		model.SubmissionStateSubmitted,
		model.SubmissionStateUnconfirmed,
	}, map[string]interface{}{
		"state":       model.SubmissionStateRegistered,
		"on_chain_id": onChainId,
		"last_error":  "",
	}); err != nil {
		return err
	}
	sub.State = model.SubmissionStateRegistered
	sub.OnChainId = &onChainId
	return nil
}

// MarkFailed 放弃登记，只对未闭合的记录生效
func (s *ChainSubmissionLogic) MarkFailed(ctx context.Context, sub *model.ChainSubmission, reason string) error {
	if err := s.advance(ctx, sub.Id, openStates, map[string]interface{}{
		"state":      model.SubmissionStateFailed,
		"last_error": reason,
	}); err != nil {
		return err
	}
	sub.State = model.SubmissionStateFailed
	sub.LastError = reason
	return nil
}

// RecordAttempt 记录一次失败的对账尝试
func (s *ChainSubmissionLogic) RecordAttempt(ctx context.Context, sub *model.ChainSubmission, reason string) error {
	sub.Attempts++
	sub.LastError = reason
	return s.update(ctx, sub.Id, map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": reason,
	})
}

// ListOpen 获取超过指定时间仍未闭合的登记记录
func (s *ChainSubmissionLogic) ListOpen(ctx context.Context, olderThan time.Time, limit int) ([]model.ChainSubmission, error) {
	var subs []model.ChainSubmission
	query := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", openStates, olderThan).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list open chain submissions: %w", err)
	}
	return subs, nil
}

// CountOpen 按状态统计未闭合的登记记录
func (s *ChainSubmissionLogic) CountOpen(ctx context.Context, olderThan time.Time) (map[model.SubmissionState]int64, error) {
	var rows []struct {
		State model.SubmissionState
		Count int64
	}
	if err := s.db.WithContext(ctx).Model(&model.ChainSubmission{}).
		Select("state, COUNT(*) AS count").
		Where("state IN ? AND updated_at < ?", openStates, olderThan).
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count open chain submissions: %w", err)
	}

	counts := make(map[model.SubmissionState]int64, len(openStates))
	for _, state := range openStates {
		counts[state] = 0
	}
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

// GetByKey 按键获取登记记录
func (s *ChainSubmissionLogic) GetByKey(ctx context.Context, key string) (*model.ChainSubmission, error) {
	var sub model.ChainSubmission
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *ChainSubmissionLogic) update(ctx context.Context, id int64, updates map[string]interface{}) error {
	if err := s.db.WithContext(ctx).Model(&model.ChainSubmission{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update chain submission %d: %w", id, err)
	}
	return nil
}

// advance 仅当记录仍处于 from 中的状态时更新
func (s *ChainSubmissionLogic) advance(ctx context.Context, id int64, from []model.SubmissionState, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&model.ChainSubmission{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update chain submission %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chain submission %d: %w", id, ErrSubmissionAdvanced)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
