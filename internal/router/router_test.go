package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blues/aidefund/internal/auth"
	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/database"
	"github.com/blues/aidefund/internal/ethereum"
	"github.com/blues/aidefund/internal/idempotency"
	"github.com/blues/aidefund/internal/logic"
	"github.com/blues/aidefund/internal/scorer"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScorer struct {
	calls   atomic.Int32
	passed  bool
	outcome scorer.Outcome
}

func (s *stubScorer) Score(ctx context.Context, req scorer.Request) scorer.Result {
	s.calls.Add(1)
	if s.outcome != scorer.OutcomeScored {
		return scorer.Result{Outcome: s.outcome, Err: errors.New("scorer down")}
	}
	raw, _ := json.Marshal(map[string]interface{}{"passed_initial_screening": s.passed, "score": 7})
	return scorer.Result{Outcome: scorer.OutcomeScored, Verdict: scorer.Verdict{Passed: s.passed, Raw: raw}}
}

type stubRegistrar struct {
	calls  atomic.Int32
	nextID atomic.Uint64
	fail   bool
	onCall func()
}

func (r *stubRegistrar) CreateProposalOnChain(ctx context.Context, applicant string, requestedAmount float64, description string, onSubmitted ...ethereum.SubmittedFunc) ethereum.ProposalResult {
	r.calls.Add(1)
	if r.onCall != nil {
		r.onCall()
	}
	if r.fail {
		return ethereum.ProposalResult{Err: errors.New("rpc down")}
	}
	return ethereum.ProposalResult{Success: true, Submitted: true, OnChainID: r.nextID.Add(1) + 6, TxHash: "0xfeed"}
}

type testServer struct {
	engine    *gin.Engine
	scorer    *stubScorer
	registrar *stubRegistrar
	token     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithStore(t, idempotency.NewMemoryStore(time.Hour))
}

func newTestServerWithStore(t *testing.T, store idempotency.Store) *testServer {
	t.Helper()
	db, err := database.Init(config.DatabaseConfig{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	tokens, err := auth.NewTokenManager("test-secret", time.Hour)
	require.NoError(t, err)

	sc := &stubScorer{passed: true}
	reg := &stubRegistrar{}
	engine := Setup(Deps{
		DB:          db,
		Submission:  logic.NewSubmissionLogic(db, sc, reg),
		Tokens:      tokens,
		Idempotency: store,
		Config:      &config.Config{Server: config.ServerConfig{Mode: gin.TestMode}},
	})

	s := &testServer{engine: engine, scorer: sc, registrar: reg}
	w := s.do(t, http.MethodPost, "/api/auth/signup", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "pw", "role": "applicant",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tok struct{ Token string }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)
	s.token = tok.Token
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return s.doWithContext(t, context.Background(), method, path, body, headers)
}

func (s *testServer) doWithContext(t *testing.T, ctx context.Context, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func garden() map[string]interface{} {
	return map[string]interface{}{
		"title":           "Garden",
		"description":     "desc",
		"applicantWallet": "0x1",
		"requestedAmount": 5,
	}
}

func TestCreateApplication_Persisted(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/applications", garden(), s.authHeader())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Success bool
		Message string
		Data    struct {
			OnChainId       uint64 `json:"onChainId"`
			Status          string `json:"status"`
			ApplicantWallet string `json:"applicantWallet"`
		}
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(7), resp.Data.OnChainId)
	assert.Equal(t, "Pending Vote", resp.Data.Status)

	w = s.do(t, http.MethodGet, "/api/applications/shortlisted", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Garden", list[0]["title"])
}

func TestCreateApplication_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/applications", garden(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, s.scorer.calls.Load())
}

func TestCreateApplication_MissingFields(t *testing.T) {
	s := newTestServer(t)
	body := garden()
	delete(body, "requestedAmount")

	w := s.do(t, http.MethodPost, "/api/applications", body, s.authHeader())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "All fields are required.")
	assert.Zero(t, s.scorer.calls.Load())
	assert.Zero(t, s.registrar.calls.Load())
}

func TestCreateApplication_AIRejected(t *testing.T) {
	s := newTestServer(t)
	s.scorer.passed = false

	w := s.do(t, http.MethodPost, "/api/applications", garden(), s.authHeader())
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	eval, ok := resp["ai_evaluation"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, eval["passed_initial_screening"])
	assert.Zero(t, s.registrar.calls.Load())

	w = s.do(t, http.MethodGet, "/api/applications/shortlisted", nil, nil)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestCreateApplication_Failures(t *testing.T) {
	s := newTestServer(t)
	s.registrar.fail = true
	w := s.do(t, http.MethodPost, "/api/applications", garden(), s.authHeader())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Failed to register proposal on-chain.")

	s.registrar.fail = false
	s.scorer.outcome = scorer.OutcomeTimedOut
	w = s.do(t, http.MethodPost, "/api/applications", garden(), s.authHeader())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Error processing application.")
}

func TestCreateApplication_IdempotencyReplay(t *testing.T) {
	s := newTestServer(t)
	headers := s.authHeader()
	headers["Idempotency-Key"] = "abc"

	first := s.do(t, http.MethodPost, "/api/applications", garden(), headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := s.do(t, http.MethodPost, "/api/applications", garden(), headers)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), s.registrar.calls.Load())

	// 失败的请求不缓存，同一个键可以重试
	s.registrar.fail = true
	headers["Idempotency-Key"] = "def"
	w := s.do(t, http.MethodPost, "/api/applications", garden(), headers)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	s.registrar.fail = false
	w = s.do(t, http.MethodPost, "/api/applications", garden(), headers)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateApplication_IdempotencyAfterClientDisconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := newTestServerWithStore(t, idempotency.NewRedisStore(rdb, time.Hour))

	headers := s.authHeader()
	headers["Idempotency-Key"] = "disconnect"

	// 客户端在链上登记期间断开
	ctx, cancel := context.WithCancel(context.Background())
	s.registrar.onCall = cancel
	first := s.doWithContext(t, ctx, http.MethodPost, "/api/applications", garden(), headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Error(t, ctx.Err())
	s.registrar.onCall = nil

	retry := s.do(t, http.MethodPost, "/api/applications", garden(), headers)
	assert.Equal(t, http.StatusCreated, retry.Code, retry.Body.String())
	assert.Equal(t, "true", retry.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), retry.Body.String())
	assert.Equal(t, int32(1), s.registrar.calls.Load())
}

func TestGetByApplicant_CaseInsensitive(t *testing.T) {
	s := newTestServer(t)
	body := garden()
	body["applicantWallet"] = "0xAbC"
	w := s.do(t, http.MethodPost, "/api/applications", body, s.authHeader())
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, "/api/applications/by-applicant/0xABC", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "0xabc", list[0]["applicantWallet"])
}

func TestGetApplication(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/applications", garden(), s.authHeader())
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Data struct {
			Id int64 `json:"id"`
		}
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = s.do(t, http.MethodGet, "/api/applications/"+strconv.FormatInt(created.Data.Id, 10), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"events":[]`)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/applications/999", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/applications/abc", nil, nil).Code)
}

func TestAuthRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/auth/signup", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "pw",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "User already exists")

	w = s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "ada@example.com", "password": "pw"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "token")

	w = s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "ada@example.com", "password": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid Credentials")
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)

	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aidefund_http_requests_total")
}
