package logic

import (
	"context"
	"errors"
	"fmt"

	"github.com/blues/aidefund/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TallyResult 处理一条投票结果事件的结果
type TallyResult int

const (
	TallyApplied   TallyResult = iota // 申请状态已更新
	TallyDuplicate                    // 事件已处理过
	TallyOrphan                       // 没有对应的申请
	TallyStale                        // 申请已不是待投票状态
)

func (r TallyResult) String() string {
	switch r {
	case TallyApplied:
		return "applied"
	case TallyDuplicate:
		return "duplicate"
	case TallyOrphan:
		return "orphan"
	case TallyStale:
		return "stale"
	default:
		return "unknown"
	}
}

// EventLogic 链上事件业务逻辑
type EventLogic struct {
	db *gorm.DB
}

// NewEventLogic 创建事件业务逻辑
func NewEventLogic(db *gorm.DB) *EventLogic {
	return &EventLogic{db: db}
}

// RecordTally 记录投票结果事件并更新对应申请，同一日志只处理一次
func (e *EventLogic) RecordTally(ctx context.Context, event *model.ChainEvent, passed bool) (TallyResult, error) {
	if err := e.validateEvent(event); err != nil {
		return 0, err
	}

	event.Passed = &passed
	result := TallyApplied
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
		if res.Error != nil {
			return fmt.Errorf("failed to create event record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			result = TallyDuplicate
			return nil
		}

		_, applied, err := applyTally(tx, event.ProposalId, passed)
		if errors.Is(err, ErrApplicationNotFound) {
			result = TallyOrphan
			return nil
		}
		if err != nil {
			return err
		}
		if !applied {
			result = TallyStale
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// GetMaxProcessedBlock 获取合约已处理的最大区块号
func (e *EventLogic) GetMaxProcessedBlock(ctx context.Context, contractAddress string) (int64, error) {
	var maxBlock int64
	if err := e.db.WithContext(ctx).Model(&model.ChainEvent{}).
		Where("contract_address = ?", contractAddress).
		Select("COALESCE(MAX(block_num), 0)").
		Scan(&maxBlock).Error; err != nil {
		return 0, fmt.Errorf("failed to get max processed block: %w", err)
	}
	return maxBlock, nil
}

// GetEventsByProposal 获取提案相关的事件
func (e *EventLogic) GetEventsByProposal(ctx context.Context, proposalId uint64) ([]model.ChainEvent, error) {
	events := make([]model.ChainEvent, 0)
	if err := e.db.WithContext(ctx).
		Where("proposal_id = ?", proposalId).
		Order("block_num ASC, log_index ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to get events for proposal %d: %w", proposalId, err)
	}
	return events, nil
}

// validateEvent 验证事件数据
func (e *EventLogic) validateEvent(event *model.ChainEvent) error {
	if event.TxHash == "" {
		return errors.New("event tx hash is required")
	}
	if event.EventName == "" {
		return errors.New("event name is required")
	}
	if event.ContractAddress == "" {
		return errors.New("event contract address is required")
	}
	return nil
}
