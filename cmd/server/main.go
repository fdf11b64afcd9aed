package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blues/aidefund/internal/auth"
	"github.com/blues/aidefund/internal/chain"
	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/database"
	"github.com/blues/aidefund/internal/ethereum"
	"github.com/blues/aidefund/internal/idempotency"
	"github.com/blues/aidefund/internal/logger"
	"github.com/blues/aidefund/internal/logic"
	"github.com/blues/aidefund/internal/monitor"
	"github.com/blues/aidefund/internal/router"
	"github.com/blues/aidefund/internal/scorer"
	"github.com/blues/aidefund/internal/task"
)

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化日志
	if err := logger.Init(cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化数据库
	db, err := database.Init(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}

	// 初始化链客户端和资助合约
	chainManager, err := chain.NewManager(ctx, cfg.Chain)
	if err != nil {
		logger.Fatal("Failed to initialize chain manager: %v", err)
	}
	defer chainManager.Close()

	funding, err := chainManager.GetContract(config.FundingContractName)
	if err != nil {
		logger.Fatal("Failed to load funding contract: %v", err)
	}

	signer, err := ethereum.NewSigner(cfg.Chain.PrivateKey, cfg.Chain.ChainId)
	if err != nil {
		logger.Fatal("Failed to load signer key: %v", err)
	}
	ethClient := ethereum.NewClient(chainManager.GetClient(), signer, cfg.Chain)
	registrar := ethereum.NewProposalRegistrar(ethClient, funding)
	logger.Info("Registering proposals from account %s", ethClient.GetAccountAddress().Hex())

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to initialize token manager: %v", err)
	}

	// 幂等缓存，未配置 redis 时使用进程内存储
	var store idempotency.Store
	if cfg.Redis.Addr != "" {
		rdb, err := idempotency.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		store = idempotency.NewRedisStore(rdb, cfg.Redis.IdempotencyTTL)
	} else {
		store = idempotency.NewMemoryStore(cfg.Redis.IdempotencyTTL)
	}

	submission := logic.NewSubmissionLogic(db, scorer.NewProcessScorer(cfg.Scorer), registrar)

	// 启动定时任务
	var jobs []task.Job
	if cfg.Reconcile.Policy != config.ReconcileOff {
		jobs = append(jobs, task.NewReconcileJob(db, registrar, cfg.Reconcile))
	}
	taskManager, err := task.NewManager(jobs...)
	if err != nil {
		logger.Fatal("Failed to create task manager: %v", err)
	}
	if err := taskManager.Start(); err != nil {
		logger.Fatal("Failed to start task manager: %v", err)
	}
	defer taskManager.Stop()

	// 启动投票结果监控
	if cfg.Monitor.Enabled {
		tallyMonitor := monitor.NewTallyMonitor(chainManager.GetClient(), funding, db, cfg.Monitor)
		if err := tallyMonitor.Start(ctx); err != nil {
			logger.Fatal("Failed to start tally monitor: %v", err)
		}
		defer tallyMonitor.Stop()
	}

	// 初始化路由
	r := router.Setup(router.Deps{
		DB:          db,
		Submission:  submission,
		Tokens:      tokens,
		Idempotency: store,
		Chain:       chainManager,
		Config:      cfg,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	// 启动服务器
	go func() {
		logger.Info("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
}
