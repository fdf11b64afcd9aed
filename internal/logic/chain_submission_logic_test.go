package logic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blues/aidefund/internal/ethereum"
	"github.com/blues/aidefund/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSubmission(t *testing.T, s *ChainSubmissionLogic) *model.ChainSubmission {
	t.Helper()
	sub := &model.ChainSubmission{
		ApplicantWallet: "0xabc",
		Title:           "t",
		Description:     "d",
		RequestedAmount: 1,
		AmountBaseUnits: "100000000",
	}
	require.NoError(t, s.Open(context.Background(), sub))
	require.NotEmpty(t, sub.Key)
	return sub
}

func TestPersistRegistered_OnlyOnce(t *testing.T) {
	db := newTestDB(t)
	s := NewChainSubmissionLogic(db)
	ctx := context.Background()
	sub := openTestSubmission(t, s)

	_, err := s.PersistRegistered(ctx, sub)
	assert.ErrorIs(t, err, ErrMissingOnChainId)

	require.NoError(t, s.RecordResult(ctx, sub, ethereum.ProposalResult{Success: true, Submitted: true, OnChainID: 3, TxHash: "0x01"}))
	app, err := s.PersistRegistered(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationStatusPendingVote, app.Status)

	// 同一条记录再次落库会被拒绝且事务回滚
	stale, err := s.GetByKey(ctx, sub.Key)
	require.NoError(t, err)
	stale.ApplicationId = nil
	_, err = s.PersistRegistered(ctx, stale)
	assert.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&model.Application{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListOpenAndCount(t *testing.T) {
	db := newTestDB(t)
	s := NewChainSubmissionLogic(db)
	ctx := context.Background()

	registered := openTestSubmission(t, s)
	require.NoError(t, s.RecordResult(ctx, registered, ethereum.ProposalResult{Success: true, Submitted: true, OnChainID: 1, TxHash: "0x01"}))

	unconfirmed := openTestSubmission(t, s)
	require.NoError(t, s.RecordResult(ctx, unconfirmed, ethereum.ProposalResult{Submitted: true, TxHash: "0x02", Err: errors.New("timeout")}))

	failed := openTestSubmission(t, s)
	require.NoError(t, s.RecordResult(ctx, failed, ethereum.ProposalResult{Err: errors.New("refused")}))

	subs, err := s.ListOpen(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, registered.Id, subs[0].Id)
	assert.Equal(t, unconfirmed.Id, subs[1].Id)

	subs, err = s.ListOpen(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, subs)

	counts, err := s.CountOpen(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.SubmissionStateRegistered])
	assert.Equal(t, int64(1), counts[model.SubmissionStateUnconfirmed])
	assert.Equal(t, int64(0), counts[model.SubmissionStatePending])
}

func TestRecordResult_DoesNotRewindReconciledSubmission(t *testing.T) {
	db := newTestDB(t)
	s := NewChainSubmissionLogic(db)
	ctx := context.Background()

	live := openTestSubmission(t, s)
	require.NoError(t, s.MarkSubmitted(ctx, live, "0x0a"))

	// 对账在请求拿到结果之前完成落库
	reconciled, err := s.GetByKey(ctx, live.Key)
	require.NoError(t, err)
	require.NoError(t, s.MarkRegistered(ctx, reconciled, 5))
	app, err := s.PersistRegistered(ctx, reconciled)
	require.NoError(t, err)

	err = s.RecordResult(ctx, live, ethereum.ProposalResult{Success: true, Submitted: true, OnChainID: 5, TxHash: "0x0a"})
	assert.ErrorIs(t, err, ErrSubmissionAdvanced)
	assert.Equal(t, model.SubmissionStateSubmitted, live.State)

	got, err := s.GetByKey(ctx, live.Key)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatePersisted, got.State)
	require.NotNil(t, got.ApplicationId)
	assert.Equal(t, app.Id, *got.ApplicationId)

	// 请求侧的落库被拒绝，申请只有一条
	live.OnChainId = got.OnChainId
	_, err = s.PersistRegistered(ctx, live)
	assert.ErrorIs(t, err, ErrSubmissionClosed)
	assert.ErrorIs(t, s.MarkSubmitted(ctx, live, "0x0b"), ErrSubmissionAdvanced)
	assert.ErrorIs(t, s.MarkFailed(ctx, live, "late"), ErrSubmissionAdvanced)

	var count int64
	require.NoError(t, db.Model(&model.Application{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordResult_OverridesReconcilerFailure(t *testing.T) {
	db := newTestDB(t)
	s := NewChainSubmissionLogic(db)
	ctx := context.Background()

	live := openTestSubmission(t, s)
	stale, err := s.GetByKey(ctx, live.Key)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, stale, "abandoned before broadcast"))

	require.NoError(t, s.MarkSubmitted(ctx, live, "0x0c"))
	require.NoError(t, s.RecordResult(ctx, live, ethereum.ProposalResult{Success: true, Submitted: true, OnChainID: 6, TxHash: "0x0c"}))

	got, err := s.GetByKey(ctx, live.Key)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStateRegistered, got.State)
	assert.Equal(t, uint64(6), *got.OnChainId)
}
