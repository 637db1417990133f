package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/config"
	"github.com/qs3c/doc_intel_server/internal/analyzer"
	"github.com/qs3c/doc_intel_server/internal/cache"
	"github.com/qs3c/doc_intel_server/internal/database"
	"github.com/qs3c/doc_intel_server/internal/pkg/llm"
	"github.com/qs3c/doc_intel_server/internal/pkg/logger"
	"github.com/qs3c/doc_intel_server/internal/pkg/oss"
	"github.com/qs3c/doc_intel_server/internal/pkg/pubsub"
	"github.com/qs3c/doc_intel_server/internal/pkg/queue"
	"github.com/qs3c/doc_intel_server/internal/repository"
	"github.com/qs3c/doc_intel_server/internal/worker"
)

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

	// 监听退出信号，取消后等待进行中的任务结束
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

	// 初始化 OSS（可选）
	var archiver worker.ResultArchiver
	if cfg.OSS.Endpoint != "" && cfg.OSS.AccessKeyID != "" {
		ossClient, err := oss.NewClient(&cfg.OSS)
		if err != nil {
			log.Warn().Err(err).Msg("failed to init OSS client, results will not be archived")
		} else {
			archiver = ossClient
			log.Info().Str("bucket", cfg.OSS.BucketName).Msg("OSS client initialized")
		}
	}

	// 初始化 Queue 和 Pub/Sub
	jobQueue := queue.NewQueue(rdb, cfg.Queue.Name,
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithBackoff(cfg.Queue.BackoffBase),
		queue.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
		queue.WithConsumerID(cfg.Queue.ConsumerID),
	)
	publisher := pubsub.NewPublisher(rdb)

	// 分析管线
	llmAnalyzer := analyzer.NewLLMAnalyzer(llm.NewClient(&cfg.LLM))
	orchestrator := analyzer.NewOrchestrator(llmAnalyzer, llmAnalyzer, cache.NewChunkCache(rdb, cfg.Pipeline.ChunkTTL), analyzer.Options{
		ChunkSize:      cfg.Pipeline.ChunkSize,
		MergeBatchSize: cfg.Pipeline.MergeBatchSize,
		Concurrency:    cfg.Pipeline.Concurrency,
	})

	// 创建任务处理器
	processor := worker.NewProcessor(
		repository.NewJobRepository(db),
		cache.NewStatusCache(rdb),
		orchestrator,
		archiver,
		publisher,
		cfg,
	)

	consumer := worker.NewConsumer(jobQueue, processor, cfg.Queue.MaxWorkers, cfg.Queue.PollTimeout)
	if err := consumer.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker stopped with error")
	}
	log.Info().Msg("worker shutdown complete")
}
