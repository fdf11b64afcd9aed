package handler

import (
	"errors"
	"net/http"

	"github.com/blues/aidefund/internal/auth"
	"github.com/blues/aidefund/internal/logger"
	"github.com/blues/aidefund/internal/logic"
	"github.com/blues/aidefund/internal/model"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type AuthHandler struct {
	userLogic *logic.UserLogic
	tokens    *auth.TokenManager
}

func NewAuthHandler(db *gorm.DB, tokens *auth.TokenManager) *AuthHandler {
	return &AuthHandler{
		userLogic: logic.NewUserLogic(db),
		tokens:    tokens,
	}
}

// Signup 注册并返回令牌
func (h *AuthHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.userLogic.Signup(c.Request.Context(), req.Name, req.Email, req.Password, model.UserRole(req.Role))
	if errors.Is(err, logic.ErrUserExists) || errors.Is(err, logic.ErrInvalidRole) {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logger.Error("Signup failed: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, "Server Error")
		return
	}

	h.respondToken(c, user)
}

// Login 登录并返回令牌
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, logic.ErrInvalidCredentials.Error())
		return
	}

	user, err := h.userLogic.Login(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, logic.ErrInvalidCredentials) {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logger.Error("Login failed: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, "Server Error")
		return
	}

	h.respondToken(c, user)
}

func (h *AuthHandler) respondToken(c *gin.Context, user *model.User) {
	token, err := h.tokens.Issue(auth.UserInfo{
		Id:    user.Id,
		Name:  user.Name,
		Email: user.Email,
		Role:  string(user.Role),
	})
	if err != nil {
		logger.Error("Failed to issue token: %v", err)
		ErrorResponse(c, http.StatusInternalServerError, "Server Error")
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token})
}
