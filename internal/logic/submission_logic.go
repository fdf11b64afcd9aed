package logic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blues/aidefund/internal/ethereum"
	"github.com/blues/aidefund/internal/logger"
	"github.com/blues/aidefund/internal/metrics"
	"github.com/blues/aidefund/internal/model"
	"github.com/blues/aidefund/internal/scorer"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrMissingFields = errors.New("All fields are required.")
	ErrScorer        = errors.New("ai evaluation failed")
	ErrChain         = errors.New("on-chain registration failed")
	ErrPersist       = errors.New("failed to persist application")
)

// Stage 提交流程的终态
type Stage string

const (
	StageValidationFailed Stage = "validation_failed"
	StageAIRejected       Stage = "ai_rejected"
	StageScorerFailed     Stage = "scorer_failed"
	StageChainFailed      Stage = "chain_failed"
	StagePersistFailed    Stage = "persist_failed"
	StagePersisted        Stage = "persisted"
)

// HTTPStatus 终态对应的 HTTP 状态码
func (s Stage) HTTPStatus() int {
	switch s {
	case StageValidationFailed:
		return http.StatusBadRequest
	case StageAIRejected:
		return http.StatusOK
	case StagePersisted:
		return http.StatusCreated
	default:
		return http.StatusInternalServerError
	}
}

// SubmissionRequest 资助申请提交内容
type SubmissionRequest struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	ApplicantWallet string  `json:"applicantWallet"`
	RequestedAmount float64 `json:"requestedAmount"`
}

// Validate 校验必填字段，金额为 0 视为缺失
func (r SubmissionRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(r.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(r.ApplicantWallet) == "" {
		missing = append(missing, "applicantWallet")
	}
	if r.RequestedAmount == 0 {
		missing = append(missing, "requestedAmount")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %w (missing %s)", ErrValidation, ErrMissingFields, strings.Join(missing, ", "))
	}
	if r.RequestedAmount < 0 {
		return fmt.Errorf("%w: requestedAmount must be positive", ErrValidation)
	}
	return nil
}

// SubmissionOutcome 一次提交的结果。
// AIRejected 和 Persisted 时 Verdict 有值，Persisted 时 Application 有值。
type SubmissionOutcome struct {
	Stage       Stage
	Verdict     json.RawMessage
	Application *model.Application
	Submission  *model.ChainSubmission
	Err         error
}

// Registrar 链上提案登记
type Registrar interface {
	CreateProposalOnChain(ctx context.Context, applicant string, requestedAmount float64, description string, onSubmitted ...ethereum.SubmittedFunc) ethereum.ProposalResult
}

// SubmissionLogic 申请提交流程：AI 初审 -> 链上登记 -> 落库
type SubmissionLogic struct {
	scorer       scorer.Scorer
	registrar    Registrar
	submissions  *ChainSubmissionLogic
	applications *ApplicationLogic
	walletLocks  *keyedMutex
}

// NewSubmissionLogic 创建申请提交流程
func NewSubmissionLogic(db *gorm.DB, sc scorer.Scorer, registrar Registrar) *SubmissionLogic {
	return &SubmissionLogic{
		scorer:       sc,
		registrar:    registrar,
		submissions:  NewChainSubmissionLogic(db),
		applications: NewApplicationLogic(db),
		walletLocks:  newKeyedMutex(),
	}
}

// Submit 执行提交流程。
// 流程不随调用方取消而中断，链上写入一旦发出就需要走到落库或记入台账。
func (s *SubmissionLogic) Submit(ctx context.Context, req SubmissionRequest) SubmissionOutcome {
	ctx = context.WithoutCancel(ctx)

	outcome := s.submit(ctx, req)
	metrics.SubmissionsTotal.WithLabelValues(string(outcome.Stage)).Inc()
	if outcome.Err != nil {
		logger.Warn("Application submission for %s ended at %s: %v", req.ApplicantWallet, outcome.Stage, outcome.Err)
	} else {
		logger.Info("Application submission for %s ended at %s", req.ApplicantWallet, outcome.Stage)
	}
	return outcome
}

func (s *SubmissionLogic) submit(ctx context.Context, req SubmissionRequest) SubmissionOutcome {
	if err := req.Validate(); err != nil {
		return SubmissionOutcome{Stage: StageValidationFailed, Err: err}
	}

	verdict, err := s.evaluate(ctx, req)
	if err != nil {
		return SubmissionOutcome{Stage: StageScorerFailed, Err: err}
	}
	if !verdict.Passed {
		return SubmissionOutcome{Stage: StageAIRejected, Verdict: verdict.Raw}
	}

	// 同一钱包的链上登记串行执行
	unlock := s.walletLocks.Lock(strings.ToLower(strings.TrimSpace(req.ApplicantWallet)))
	defer unlock()

	sub, err := s.openSubmission(ctx, req, verdict)
	if err != nil {
		return SubmissionOutcome{Stage: StagePersistFailed, Err: fmt.Errorf("%w: %v", ErrPersist, err)}
	}

	result := s.register(ctx, req, sub)
	if err := s.submissions.RecordResult(ctx, sub, result); err != nil {
		if errors.Is(err, ErrSubmissionAdvanced) {
			return s.adopt(ctx, sub.Key, verdict, result)
		}
		logger.Error("Failed to record chain result for submission %s: %v", sub.Key, err)
	}
	if !result.Success {
		return SubmissionOutcome{
			Stage:      StageChainFailed,
			Submission: sub,
			Err:        fmt.Errorf("%w: %v", ErrChain, result.Err),
		}
	}

	app, err := s.submissions.PersistRegistered(ctx, sub)
	if errors.Is(err, ErrSubmissionClosed) {
		return s.adopt(ctx, sub.Key, verdict, result)
	}
	if err != nil {
		logger.Error("Proposal %d is on chain but application was not saved (submission %s): %v", result.OnChainID, sub.Key, err)
		return SubmissionOutcome{
			Stage:      StagePersistFailed,
			Submission: sub,
			Err:        fmt.Errorf("%w: %v", ErrPersist, err),
		}
	}

	return SubmissionOutcome{
		Stage:       StagePersisted,
		Verdict:     verdict.Raw,
		Application: app,
		Submission:  sub,
	}
}

// adopt 登记记录已被对账推进时，以台账中的结果为准
func (s *SubmissionLogic) adopt(ctx context.Context, key string, verdict scorer.Verdict, result ethereum.ProposalResult) SubmissionOutcome {
	sub, err := s.submissions.GetByKey(ctx, key)
	if err != nil {
		return SubmissionOutcome{Stage: StagePersistFailed, Err: fmt.Errorf("%w: reload submission %s: %v", ErrPersist, key, err)}
	}
	logger.Info("Submission %s was advanced to %s by reconciliation", key, sub.State)

	if sub.State == model.SubmissionStateRegistered {
		app, err := s.submissions.PersistRegistered(ctx, sub)
		if err == nil {
			return SubmissionOutcome{Stage: StagePersisted, Verdict: verdict.Raw, Application: app, Submission: sub}
		}
		if !errors.Is(err, ErrSubmissionClosed) {
			return SubmissionOutcome{Stage: StagePersistFailed, Submission: sub, Err: fmt.Errorf("%w: %v", ErrPersist, err)}
		}
		if sub, err = s.submissions.GetByKey(ctx, key); err != nil {
			return SubmissionOutcome{Stage: StagePersistFailed, Err: fmt.Errorf("%w: reload submission %s: %v", ErrPersist, key, err)}
		}
	}

	if sub.State != model.SubmissionStatePersisted || sub.ApplicationId == nil {
		return SubmissionOutcome{
			Stage:      StageChainFailed,
			Submission: sub,
			Err:        fmt.Errorf("%w: submission %s is %s: %v", ErrChain, key, sub.State, result.Err),
		}
	}
	app, err := s.applications.GetApplication(ctx, *sub.ApplicationId)
	if err != nil {
		return SubmissionOutcome{Stage: StagePersistFailed, Submission: sub, Err: fmt.Errorf("%w: %v", ErrPersist, err)}
	}
	return SubmissionOutcome{Stage: StagePersisted, Verdict: verdict.Raw, Application: app, Submission: sub}
}

func (s *SubmissionLogic) evaluate(ctx context.Context, req SubmissionRequest) (scorer.Verdict, error) {
	start := time.Now()
	result := s.scorer.Score(ctx, scorer.Request{Title: req.Title, Description: req.Description})
	metrics.ScorerDuration.WithLabelValues(result.Outcome.String()).Observe(time.Since(start).Seconds())

	if result.Outcome != scorer.OutcomeScored {
		return scorer.Verdict{}, fmt.Errorf("%w (%s): %v", ErrScorer, result.Outcome, result.Err)
	}
	return result.Verdict, nil
}

func (s *SubmissionLogic) openSubmission(ctx context.Context, req SubmissionRequest, verdict scorer.Verdict) (*model.ChainSubmission, error) {
	amount, err := ethereum.ToBaseUnits(req.RequestedAmount)
	if err != nil {
		return nil, err
	}
	sub := &model.ChainSubmission{
		ApplicantWallet: req.ApplicantWallet,
		Title:           req.Title,
		Description:     req.Description,
		RequestedAmount: req.RequestedAmount,
		AmountBaseUnits: amount.String(),
		AIEvaluation:    datatypes.JSON(verdict.Raw),
	}
	if err := s.submissions.Open(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SubmissionLogic) register(ctx context.Context, req SubmissionRequest, sub *model.ChainSubmission) ethereum.ProposalResult {
	start := time.Now()
	result := s.registrar.CreateProposalOnChain(ctx, req.ApplicantWallet, req.RequestedAmount, req.Description, func(txHash string) {
		if err := s.submissions.MarkSubmitted(ctx, sub, txHash); err != nil {
			logger.Error("Failed to mark submission %s as submitted: %v", sub.Key, err)
		}
	})
	metrics.ChainRegistrationDuration.WithLabelValues(strconv.FormatBool(result.Success)).Observe(time.Since(start).Seconds())
	return result
}
