package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/blues/aidefund/internal/idempotency"
	"github.com/blues/aidefund/internal/logger"
	"github.com/blues/aidefund/internal/logic"
	"github.com/blues/aidefund/internal/middleware"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// IdempotencyKeyHeader 客户端重试时携带的幂等键
const IdempotencyKeyHeader = "Idempotency-Key"

type ApplicationHandler struct {
	applicationLogic *logic.ApplicationLogic
	eventLogic       *logic.EventLogic
	submissionLogic  *logic.SubmissionLogic
	idempotency      idempotency.Store
}

func NewApplicationHandler(db *gorm.DB, submissionLogic *logic.SubmissionLogic, store idempotency.Store) *ApplicationHandler {
	return &ApplicationHandler{
		applicationLogic: logic.NewApplicationLogic(db),
		eventLogic:       logic.NewEventLogic(db),
		submissionLogic:  submissionLogic,
		idempotency:      store,
	}
}

// CreateApplication 提交资助申请：AI 初审通过后登记上链并保存
func (h *ApplicationHandler) CreateApplication(c *gin.Context) {
	var req CreateApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	key := h.idempotencyKey(c)
	if key != "" {
		cached, err := h.idempotency.Begin(c.Request.Context(), key)
		switch {
		case errors.Is(err, idempotency.ErrInProgress):
			ErrorResponse(c, http.StatusConflict, "A request with this Idempotency-Key is already in progress.")
			return
		case err != nil:
			// 幂等存储不可用时按普通请求处理
			logger.Warn("Idempotency store unavailable, processing without key: %v", err)
			key = ""
		case cached != nil:
			c.Header("Idempotent-Replayed", "true")
			RawResponse(c, cached.Status, cached.Body)
			return
		}
	}

	outcome := h.submissionLogic.Submit(c.Request.Context(), logic.SubmissionRequest{
		Title:           req.Title,
		Description:     req.Description,
		ApplicantWallet: req.ApplicantWallet,
		RequestedAmount: req.RequestedAmount,
	})

	status := outcome.Stage.HTTPStatus()
	body, err := json.Marshal(renderOutcome(outcome))
	if err != nil {
		logger.Error("Failed to encode submission response: %v", err)
		status = http.StatusInternalServerError
		body = []byte(`{"success":false,"message":"Error processing application.","data":null}`)
	}

	if key != "" {
		// 只缓存业务终态，失败的请求允许客户端用同一个键重试。
		// 客户端断开后仍需写入，否则 pending 标记会一直挡住重试
		ctx := context.WithoutCancel(c.Request.Context())
		if status == http.StatusOK || status == http.StatusCreated {
			err = h.idempotency.Complete(ctx, key, idempotency.Response{Status: status, Body: body})
		} else {
			err = h.idempotency.Release(ctx, key)
		}
		if err != nil {
			logger.Warn("Failed to update idempotency key: %v", err)
		}
	}

	RawResponse(c, status, body)
}

// GetShortlisted 获取待投票的申请
func (h *ApplicationHandler) GetShortlisted(c *gin.Context) {
	apps, err := h.applicationLogic.ListShortlisted(c.Request.Context())
	if err != nil {
		logger.Error("Failed to fetch shortlisted applications: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, "Failed to fetch shortlisted projects.")
		return
	}
	c.JSON(http.StatusOK, apps)
}

// GetByApplicant 获取钱包地址提交的申请
func (h *ApplicationHandler) GetByApplicant(c *gin.Context) {
	apps, err := h.applicationLogic.ListByApplicant(c.Request.Context(), c.Param("walletAddress"))
	if err != nil {
		logger.Error("Failed to fetch applicant applications: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, "Failed to fetch applicant projects.")
		return
	}
	c.JSON(http.StatusOK, apps)
}

// GetApplication 获取申请详情及其链上事件
func (h *ApplicationHandler) GetApplication(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid application id.")
		return
	}

	ctx := c.Request.Context()
	app, err := h.applicationLogic.GetApplication(ctx, id)
	if errors.Is(err, logic.ErrApplicationNotFound) {
		ErrorResponse(c, http.StatusNotFound, "Application not found.")
		return
	}
	if err != nil {
		logger.Error("Failed to fetch application %d: %v", id, err)
		ErrorResponse(c, http.StatusInternalServerError, "Failed to fetch application.")
		return
	}

	detail := ApplicationDetailResponse{Application: app, Events: []interface{}{}}
	if app.OnChainId != nil {
		events, err := h.eventLogic.GetEventsByProposal(ctx, *app.OnChainId)
		if err != nil {
			logger.Warn("Failed to fetch events for proposal %d: %v", *app.OnChainId, err)
		} else {
			detail.Events = events
		}
	}
	SuccessResponse(c, http.StatusOK, "ok", detail)
}

// idempotencyKey 幂等键按用户隔离
func (h *ApplicationHandler) idempotencyKey(c *gin.Context) string {
	key := c.GetHeader(IdempotencyKeyHeader)
	if key == "" || h.idempotency == nil {
		return ""
	}
	user, _ := middleware.CurrentUser(c)
	return strconv.FormatInt(user.Id, 10) + ":" + key
}

func renderOutcome(outcome logic.SubmissionOutcome) interface{} {
	switch outcome.Stage {
	case logic.StagePersisted:
		return Response{
			Success: true,
			Message: "Application passed AI screening and is now pending vote!",
			Data:    outcome.Application,
		}
	case logic.StageAIRejected:
		return AIRejectedResponse{
			Success:      true,
			Message:      "Application did not pass initial AI screening.",
			AIEvaluation: outcome.Verdict,
		}
	case logic.StageValidationFailed:
		message := "Invalid application."
		if errors.Is(outcome.Err, logic.ErrMissingFields) {
			message = logic.ErrMissingFields.Error()
		} else if outcome.Err != nil {
			message = outcome.Err.Error()
		}
		return Response{Message: message}
	case logic.StageChainFailed:
		return Response{Message: "Failed to register proposal on-chain."}
	default:
		return Response{Message: "Error processing application."}
	}
}
