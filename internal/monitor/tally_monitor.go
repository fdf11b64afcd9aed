package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blues/aidefund/internal/chain"
	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/logger"
	"github.com/blues/aidefund/internal/logic"
	"github.com/blues/aidefund/internal/metrics"
	"github.com/blues/aidefund/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/panjf2000/ants/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TallyMonitor 监控资助合约的投票结果事件，并更新对应申请的状态
type TallyMonitor struct {
	block    *chain.Block
	contract *chain.Contract
	events   *logic.EventLogic
	cfg      config.MonitorConfig

	mu              sync.RWMutex // 保护 nextBlock 和重试状态
	nextBlock       uint64
	lastHead        uint64
	retryCount      int
	backoffDuration time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTallyMonitor 创建投票结果监控器
func NewTallyMonitor(reader chain.LogReader, contract *chain.Contract, db *gorm.DB, cfg config.MonitorConfig) *TallyMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	return &TallyMonitor{
		block:    chain.NewBlock(reader),
		contract: contract,
		events:   logic.NewEventLogic(db),
		cfg:      cfg,
	}
}

// Start 确定起始区块并启动监控循环
func (m *TallyMonitor) Start(ctx context.Context) error {
	logger.Info("Starting tally monitor for contract %s", m.contract.GetAddress().Hex())

	head, err := m.block.GetCurrentBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to blockchain: %w", err)
	}
	logger.Info("Connected to blockchain, current block: %d", head)

	start, err := m.startBlock(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.nextBlock = start
	m.mu.Unlock()
	logger.Info("Starting tally monitor from block %d", start)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx)
	return nil
}

// Stop 停止监控并等待当前批次结束
func (m *TallyMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	logger.Info("Stopping tally monitor")
	m.cancel()
	<-m.done
}

func (m *TallyMonitor) loop(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Tally monitor stopped")
			return
		case <-timer.C:
			wait := m.cfg.Interval
			if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				wait = m.handleError(err)
			} else {
				m.resetRetry()
			}
			timer.Reset(wait)
		}
	}
}

// Poll 处理从当前位置到最新区块之间的所有区块
func (m *TallyMonitor) Poll(ctx context.Context) error {
	head, err := m.block.GetCurrentBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current block number: %w", err)
	}
	metrics.MonitorLastBlock.Set(float64(head))

	m.mu.Lock()
	m.lastHead = head
	from := m.nextBlock
	m.mu.Unlock()

	batchSize := uint64(m.cfg.BatchSize)
	for from <= head {
		to := from + batchSize - 1
		if to > head {
			to = head
		}
		if err := m.processBatch(ctx, from, to); err != nil {
			return fmt.Errorf("blocks %d-%d: %w", from, to, err)
		}

		m.mu.Lock()
		m.nextBlock = to + 1
		m.mu.Unlock()
		from = to + 1
	}
	return nil
}

// processBatch 拉取一批区块的日志，按提案分组并发处理。
// 同一提案的事件按日志顺序处理，任一分组失败则整批重试。
func (m *TallyMonitor) processBatch(ctx context.Context, from, to uint64) error {
	eventID, err := m.contract.EventID(chain.EventProposalTallied)
	if err != nil {
		return err
	}

	logs, err := m.block.GetBatchBlockLogs(ctx,
		[]common.Address{m.contract.GetAddress()},
		[][]common.Hash{{eventID}},
		from, to)
	if err != nil {
		return fmt.Errorf("error getting logs: %w", err)
	}
	if len(logs) == 0 {
		logger.Debug("No tally events in blocks %d-%d", from, to)
		return nil
	}
	logger.Debug("Found %d tally events in blocks %d-%d", len(logs), from, to)

	groups := groupLogsByProposal(logs)
	size := len(groups)
	if size > m.cfg.PoolSize {
		size = m.cfg.PoolSize
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return fmt.Errorf("failed to create pool for %d groups: %w", len(groups), err)
	}
	defer pool.Release()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, group := range groups {
		group := group
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			for _, l := range group {
				if err := m.handleLog(ctx, l); err != nil {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
					return
				}
			}
		})
		if err != nil {
			wg.Done()
			errMu.Lock()
			errs = append(errs, fmt.Errorf("failed to submit task to pool: %w", err))
			errMu.Unlock()
		}
	}
	wg.Wait()

	return errors.Join(errs...)
}

// handleLog 解析并记录一条投票结果事件
func (m *TallyMonitor) handleLog(ctx context.Context, l types.Log) error {
	data, err := m.contract.ParseEvent(l)
	if err != nil {
		return fmt.Errorf("error parsing event %s#%d: %w", l.TxHash.Hex(), l.Index, err)
	}
	proposalId, err := chain.ProposalID(data)
	if err != nil {
		return fmt.Errorf("event %s#%d: %w", l.TxHash.Hex(), l.Index, err)
	}
	passed, ok := data["passed"].(bool)
	if !ok {
		return fmt.Errorf("event %s#%d: unexpected passed type %T", l.TxHash.Hex(), l.Index, data["passed"])
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data to JSON: %w", err)
	}

	event := &model.ChainEvent{
		ContractAddress: m.contract.GetAddress().Hex(),
		EventName:       chain.EventProposalTallied,
		TxHash:          l.TxHash.Hex(),
		LogIndex:        int64(l.Index),
		BlockNum:        int64(l.BlockNumber),
		ProposalId:      proposalId,
		Data:            datatypes.JSON(raw),
	}
	result, err := m.events.RecordTally(ctx, event, passed)
	if err != nil {
		return err
	}
	metrics.TalliedTotal.WithLabelValues(result.String()).Inc()

	switch result {
	case logic.TallyApplied:
		logger.Info("Proposal %d tallied (passed: %t) at block %d", proposalId, passed, l.BlockNumber)
	case logic.TallyOrphan:
		logger.Warn("Tally event for unknown proposal %d at block %d", proposalId, l.BlockNumber)
	case logic.TallyStale:
		logger.Warn("Proposal %d was already tallied, ignoring event at block %d", proposalId, l.BlockNumber)
	}
	return nil
}

// startBlock 取合约部署区块与已处理区块的下一个区块中的较大者
func (m *TallyMonitor) startBlock(ctx context.Context) (uint64, error) {
	deployBlock := m.contract.GetBlockNum()
	if deployBlock < 0 {
		deployBlock = 0
	}

	maxProcessed, err := m.events.GetMaxProcessedBlock(ctx, m.contract.GetAddress().Hex())
	if err != nil {
		return 0, err
	}

	start := uint64(deployBlock)
	if maxProcessed > 0 && uint64(maxProcessed)+1 > start {
		start = uint64(maxProcessed) + 1
	}
	logger.Debug("Start block: %d (config: %d, db: %d)", start, deployBlock, maxProcessed)
	return start, nil
}

// handleError 记录错误并返回下次轮询前的退避时间
func (m *TallyMonitor) handleError(err error) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retryCount++
	// 指数退避
	if m.retryCount > 5 {
		m.backoffDuration = 5 * time.Minute
	} else {
		m.backoffDuration = time.Duration(m.retryCount) * 10 * time.Second
	}
	if isRateLimitError(err) && m.backoffDuration < time.Minute {
		m.backoffDuration = time.Minute
	}

	logger.Error("Tally monitor encountered error (retry %d, next in %s): %v", m.retryCount, m.backoffDuration, err)
	return m.backoffDuration
}

func (m *TallyMonitor) resetRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount = 0
	m.backoffDuration = 0
}

// GetStatus 获取监控状态
func (m *TallyMonitor) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"contract":    m.contract.GetAddress().Hex(),
		"next_block":  m.nextBlock,
		"head_block":  m.lastHead,
		"retry_count": m.retryCount,
	}
}

func isRateLimitError(err error) bool {
	return strings.Contains(err.Error(), "Too Many Requests")
}

// groupLogsByProposal 按提案编号分组，保持组内日志顺序
func groupLogsByProposal(logs []types.Log) [][]types.Log {
	index := make(map[common.Hash]int)
	var groups [][]types.Log
	for _, l := range logs {
		var key common.Hash
		if len(l.Topics) > 1 {
			key = l.Topics[1]
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], l)
	}
	return groups
}
