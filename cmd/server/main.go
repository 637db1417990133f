package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/config"
	"github.com/qs3c/doc_intel_server/internal/analyzer"
	"github.com/qs3c/doc_intel_server/internal/api"
	"github.com/qs3c/doc_intel_server/internal/api/handler"
	"github.com/qs3c/doc_intel_server/internal/cache"
	"github.com/qs3c/doc_intel_server/internal/database"
	"github.com/qs3c/doc_intel_server/internal/pkg/cron"
	"github.com/qs3c/doc_intel_server/internal/pkg/llm"
	"github.com/qs3c/doc_intel_server/internal/pkg/logger"
	"github.com/qs3c/doc_intel_server/internal/pkg/pubsub"
	"github.com/qs3c/doc_intel_server/internal/pkg/queue"
	"github.com/qs3c/doc_intel_server/internal/pkg/ws"
	"github.com/qs3c/doc_intel_server/internal/repository"
	"github.com/qs3c/doc_intel_server/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库
	db, err := database.NewDB(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()
	log.Info().Msg("redis connected")

	// 初始化 Repository
	jobRepo := repository.NewJobRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	planRepo := repository.NewPlanRepository(db)

	// 配额与套餐
	quotaService := service.NewQuotaService(usageRepo, planRepo, cfg)
	if err := quotaService.SyncPlans(); err != nil {
		log.Fatal().Err(err).Msg("failed to sync plans")
	}

	// 队列与缓存
	jobQueue := queue.NewQueue(rdb, cfg.Queue.Name,
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithBackoff(cfg.Queue.BackoffBase),
	)
	statusCache := cache.NewStatusCache(rdb)
	chunkCache := cache.NewChunkCache(rdb, cfg.Pipeline.ChunkTTL)
	publisher := pubsub.NewPublisher(rdb)

	// 同步套餐使用的分析管线
	llmAnalyzer := analyzer.NewLLMAnalyzer(llm.NewClient(&cfg.LLM))
	orchestrator := analyzer.NewOrchestrator(llmAnalyzer, llmAnalyzer, chunkCache, analyzer.Options{
		ChunkSize:      cfg.Pipeline.ChunkSize,
		MergeBatchSize: cfg.Pipeline.MergeBatchSize,
		Concurrency:    cfg.Pipeline.Concurrency,
	})

	// 初始化 Service
	jobService := service.NewJobService(jobRepo, statusCache, jobQueue, publisher, cfg)
	planService := service.NewPlanService(quotaService, jobService, orchestrator)
	readService := service.NewReadService(cfg.Upload.AllowedExtensions)

	// WebSocket 推送：订阅 worker 发布的任务事件
	wsHub := ws.NewHub()
	go func() {
		err := pubsub.NewSubscriber(rdb).Subscribe(ctx, handler.RelayJobEvent(wsHub))
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("job event subscriber stopped")
		}
	}()

	// 定时任务
	cronService := cron.NewService(quotaService, jobRepo, jobQueue, 0, cfg.Jobs.ProcessingTTL)
	cronService.Start()
	defer cronService.Stop()

	// 初始化 Router
	router := api.NewRouter(
		handler.NewDocumentHandler(planService, readService, cfg),
		handler.NewJobHandler(jobService),
		handler.NewUsageHandler(quotaService),
		handler.NewWebSocketHandler(wsHub, cfg.JWT.Secret, cfg.CORS.AllowedOrigins),
		rdb,
		cfg,
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router.Setup(),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("server stopped")
}
