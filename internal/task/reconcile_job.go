package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/ethereum"
	"github.com/blues/aidefund/internal/logger"
	"github.com/blues/aidefund/internal/logic"
	"github.com/blues/aidefund/internal/metrics"
	"github.com/blues/aidefund/internal/model"
	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// ProposalLookup 按交易哈希复查链上提案，*ethereum.ProposalRegistrar 满足该接口
type ProposalLookup interface {
	LookupProposal(ctx context.Context, txHash string) (ethereum.ReceiptState, uint64, error)
}

// ReconcileStats 一轮对账的统计
type ReconcileStats struct {
	Scanned   int
	Persisted int
	Failed    int
	Retried   int
}

// ReconcileJob 链上登记对账任务：处理已上链但未落库、或结果未知的登记记录
type ReconcileJob struct {
	submissions *logic.ChainSubmissionLogic
	lookup      ProposalLookup
	cfg         config.ReconcileConfig
	now         func() time.Time
}

// NewReconcileJob 创建对账任务
func NewReconcileJob(db *gorm.DB, lookup ProposalLookup, cfg config.ReconcileConfig) *ReconcileJob {
	return &ReconcileJob{
		submissions: logic.NewChainSubmissionLogic(db),
		lookup:      lookup,
		cfg:         cfg,
		now:         time.Now,
	}
}

// GetName 获取任务名称
func (j *ReconcileJob) GetName() string {
	return "chain_submission_reconcile"
}

// GetSchedule 获取调度配置
func (j *ReconcileJob) GetSchedule() gocron.JobDefinition {
	interval := j.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return gocron.DurationJob(interval)
}

// Execute 执行任务
func (j *ReconcileJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stats, err := j.Run(ctx)
	if err != nil {
		logger.Error("Reconcile job failed: %v", err)
		return
	}
	if stats.Scanned > 0 {
		logger.Info("Reconcile job finished: scanned %d, persisted %d, failed %d, retried %d",
			stats.Scanned, stats.Persisted, stats.Failed, stats.Retried)
	}
}

// Run 按策略执行一轮对账
func (j *ReconcileJob) Run(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	if j.cfg.Policy == config.ReconcileOff {
		return stats, nil
	}

	olderThan := j.now().Add(-j.cfg.MinAge)
	counts, err := j.submissions.CountOpen(ctx, olderThan)
	if err != nil {
		return stats, err
	}
	for state, n := range counts {
		metrics.PendingReconciliation.WithLabelValues(string(state)).Set(float64(n))
	}

	subs, err := j.submissions.ListOpen(ctx, olderThan, j.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(subs)

	for i := range subs {
		sub := &subs[i]
		if j.cfg.Policy == config.ReconcileReport {
			logger.Warn("Chain submission %s (wallet %s, tx %s) is %s since %s: %s",
				sub.Key, sub.ApplicantWallet, sub.TxHash, sub.State, sub.UpdatedAt.Format(time.RFC3339), sub.LastError)
			continue
		}

		err := j.reconcile(ctx, sub, &stats)
		switch {
		case errors.Is(err, logic.ErrSubmissionAdvanced):
			logger.Debug("Chain submission %s was advanced by its request, skipping", sub.Key)
		case err != nil:
			logger.Error("Failed to reconcile chain submission %s: %v", sub.Key, err)
		}
	}
	return stats, nil
}

func (j *ReconcileJob) reconcile(ctx context.Context, sub *model.ChainSubmission, stats *ReconcileStats) error {
	switch sub.State {
	case model.SubmissionStatePending:
		// 广播前中断的请求
		return j.fail(ctx, sub, stats, "abandoned before broadcast")

	case model.SubmissionStateSubmitted, model.SubmissionStateUnconfirmed:
		if sub.TxHash == "" {
			return j.fail(ctx, sub, stats, "no transaction hash recorded")
		}

		state, onChainId, err := j.lookup.LookupProposal(ctx, sub.TxHash)
		if err != nil {
			return j.retry(ctx, sub, stats, err.Error())
		}
		switch state {
		case ethereum.ReceiptPending:
			return j.retry(ctx, sub, stats, "transaction not yet mined")
		case ethereum.ReceiptFailed:
			return j.fail(ctx, sub, stats, "transaction did not register a proposal")
		}
		if err := j.submissions.MarkRegistered(ctx, sub, onChainId); err != nil {
			return err
		}
		return j.persist(ctx, sub, stats)

	case model.SubmissionStateRegistered:
		return j.persist(ctx, sub, stats)
	}
	return fmt.Errorf("unexpected state %s", sub.State)
}

func (j *ReconcileJob) persist(ctx context.Context, sub *model.ChainSubmission, stats *ReconcileStats) error {
	app, err := j.submissions.PersistRegistered(ctx, sub)
	if errors.Is(err, logic.ErrSubmissionClosed) {
		return nil
	}
	if err != nil {
		return j.retry(ctx, sub, stats, err.Error())
	}

	stats.Persisted++
	metrics.ReconciledTotal.WithLabelValues("persisted").Inc()
	logger.Info("Reconciled proposal %d into application %d (submission %s)", *sub.OnChainId, app.Id, sub.Key)
	return nil
}

func (j *ReconcileJob) fail(ctx context.Context, sub *model.ChainSubmission, stats *ReconcileStats, reason string) error {
	if err := j.submissions.MarkFailed(ctx, sub, reason); err != nil {
		return err
	}
	stats.Failed++
	metrics.ReconciledTotal.WithLabelValues("failed").Inc()
	return nil
}

// retry 记录失败，超过最大次数后放弃
func (j *ReconcileJob) retry(ctx context.Context, sub *model.ChainSubmission, stats *ReconcileStats, reason string) error {
	if err := j.submissions.RecordAttempt(ctx, sub, reason); err != nil {
		return err
	}
	if j.cfg.MaxAttempts > 0 && sub.Attempts >= j.cfg.MaxAttempts {
		stats.Failed++
		metrics.ReconciledTotal.WithLabelValues("gave_up").Inc()
		logger.Error("Giving up on chain submission %s after %d attempts: %s", sub.Key, sub.Attempts, reason)
		return j.submissions.MarkFailed(ctx, sub, fmt.Sprintf("gave up after %d attempts: %s", sub.Attempts, reason))
	}
	stats.Retried++
	return nil
}
