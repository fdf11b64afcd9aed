package router

import (
	"context"
	"net/http"

	"github.com/blues/aidefund/internal/auth"
	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/handler"
	"github.com/blues/aidefund/internal/idempotency"
	"github.com/blues/aidefund/internal/logic"
	"github.com/blues/aidefund/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// ChainHealth 链状态查询，*chain.Manager 满足该接口
type ChainHealth interface {
	GetHealthStatus(ctx context.Context) map[string]interface{}
}

// Deps 路由依赖
type Deps struct {
	DB          *gorm.DB
	Submission  *logic.SubmissionLogic
	Tokens      *auth.TokenManager
	Idempotency idempotency.Store
	Chain       ChainHealth
	Config      *config.Config
}

func Setup(deps Deps) *gin.Engine {
	if deps.Config != nil && deps.Config.Server.Mode != "" {
		gin.SetMode(deps.Config.Server.Mode)
	}
	r := gin.New()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(middleware.Metrics())

	// 健康检查
	r.GET("/health", healthHandler(deps))
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "API Running")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		authHandler := handler.NewAuthHandler(deps.DB, deps.Tokens)
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/signup", authHandler.Signup)
			authGroup.POST("/login", authHandler.Login)
		}

		applicationHandler := handler.NewApplicationHandler(deps.DB, deps.Submission, deps.Idempotency)
		applications := api.Group("/applications")
		{
			applications.POST("", middleware.Auth(deps.Tokens), applicationHandler.CreateApplication)
			applications.GET("/shortlisted", applicationHandler.GetShortlisted)
			applications.GET("/by-applicant/:walletAddress", applicationHandler.GetByApplicant)
			applications.GET("/:id", applicationHandler.GetApplication)
		}
	}

	return r
}

func healthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{
			"status":  "ok",
			"service": "aidefund-service",
		}

		if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unavailable"
		} else {
			body["database"] = "ok"
		}

		if deps.Chain != nil {
			chainStatus := deps.Chain.GetHealthStatus(c.Request.Context())
			body["chain"] = chainStatus
			if chainStatus["client_status"] != "connected" {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}

		c.JSON(status, body)
	}
}

// CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Idempotency-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
