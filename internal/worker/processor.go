package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/config"
	"github.com/qs3c/doc_intel_server/internal/cache"
	"github.com/qs3c/doc_intel_server/internal/model"
	"github.com/qs3c/doc_intel_server/internal/pkg/pubsub"
	"github.com/qs3c/doc_intel_server/internal/pkg/queue"
	"github.com/qs3c/doc_intel_server/internal/repository"
)

const (
	markFailedAttempts = 3
	markFailedDelay    = 200 * time.Millisecond
)

// DocumentAnalyzer 对整段文本执行 map-reduce 分析
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, text string, jobID string) (json.RawMessage, error)
}

// ResultArchiver 归档分析结果，返回访问地址
type ResultArchiver interface {
	UploadResult(jobID string, data []byte) (string, error)
}

// Processor 任务处理器
type Processor struct {
	jobRepo     *repository.JobRepository
	statusCache *cache.StatusCache
	analyzer    DocumentAnalyzer
	archiver    ResultArchiver
	publisher   *pubsub.Publisher
	cfg         *config.Config
}

// NewProcessor 创建任务处理器，archiver 和 publisher 可以为 nil
func NewProcessor(
	jobRepo *repository.JobRepository,
	statusCache *cache.StatusCache,
	analyzer DocumentAnalyzer,
	archiver ResultArchiver,
	publisher *pubsub.Publisher,
	cfg *config.Config,
) *Processor {
	return &Processor{
		jobRepo:     jobRepo,
		statusCache: statusCache,
		analyzer:    analyzer,
		archiver:    archiver,
		publisher:   publisher,
		cfg:         cfg,
	}
}

// Process 执行一次任务尝试。返回错误表示本次尝试失败，由队列决定是否重试
func (p *Processor) Process(ctx context.Context, msg *queue.JobMessage) error {
	attempt := msg.Attempt + 1
	logger := log.With().Str("job_id", msg.JobID).Int("attempt", attempt).Logger()

	job, err := p.jobRepo.GetByID(msg.JobID)
	if err != nil {
		if repository.IsNotFound(err) {
			logger.Warn().Msg("job not found, skipping")
			return nil
		}
		return p.handleFailure(ctx, msg, attempt, logger, fmt.Errorf("failed to get job: %w", err))
	}
	// 重复投递的已结束任务
	if job.IsTerminal() {
		logger.Info().Str("status", job.Status).Msg("job already finished, skipping")
		return nil
	}

	// 先推进数据库状态，成功后才写缓存，避免覆盖已结束任务
	if err := p.jobRepo.MarkProcessing(msg.JobID, attempt); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			logger.Info().Msg("job advanced elsewhere, skipping")
			return nil
		}
		return p.handleFailure(ctx, msg, attempt, logger, fmt.Errorf("failed to mark job processing: %w", err))
	}

	p.setActiveStatus(ctx, msg, &cache.StatusEntry{
		Status:  model.JobStatusProcessing,
		Attempt: attempt,
	})
	p.publish(ctx, msg, model.JobStatusProcessing, pubsub.StepAnalyzing, attempt, "")
	logger.Info().Str("owner_id", msg.OwnerID).Int("chars", job.InputChars).Msg("processing job")

	start := time.Now()
	result, err := p.analyzer.Analyze(ctx, msg.Text, msg.JobID)
	if err != nil {
		return p.handleFailure(ctx, msg, attempt, logger, err)
	}

	if err := p.jobRepo.MarkCompleted(msg.JobID, string(result)); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			logger.Warn().Msg("job finished elsewhere, result discarded")
			return nil
		}
		return p.handleFailure(ctx, msg, attempt, logger, fmt.Errorf("failed to mark job completed: %w", err))
	}

	p.archive(msg.JobID, result, logger)

	// 数据库已是最终状态，删除临时状态
	if err := p.statusCache.Delete(ctx, msg.JobID); err != nil {
		logger.Warn().Err(err).Msg("failed to delete job status")
	}

	p.publish(ctx, msg, model.JobStatusCompleted, pubsub.StepDone, attempt, "")
	logger.Info().Dur("elapsed", time.Since(start)).Msg("job completed")
	return nil
}

// handleFailure 记录失败。最后一次尝试才写入 failed，之前的尝试保持 processing 等待重试。
// 任务已被其他投递结束时返回 nil，不再重试也不改写缓存
func (p *Processor) handleFailure(ctx context.Context, msg *queue.JobMessage, attempt int, logger zerolog.Logger, cause error) error {
	errMsg := cause.Error()

	if !msg.IsFinalAttempt() {
		err := p.jobRepo.RecordAttemptError(msg.JobID, attempt, errMsg)
		if errors.Is(err, repository.ErrInvalidTransition) {
			logger.Info().Err(cause).Msg("job finished elsewhere, ignoring failed attempt")
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Msg("failed to record attempt error")
		}
		p.setActiveStatus(ctx, msg, &cache.StatusEntry{
			Status:    model.JobStatusProcessing,
			Attempt:   attempt,
			LastError: errMsg,
		})
		p.publish(ctx, msg, model.JobStatusProcessing, pubsub.StepRetrying, attempt, errMsg)

		logger.Warn().Err(cause).Msg("job attempt failed, will retry")
		return cause
	}

	err := p.markFailed(ctx, msg.JobID, errMsg)
	if errors.Is(err, repository.ErrInvalidTransition) {
		logger.Info().Err(cause).Msg("job finished elsewhere, ignoring final failure")
		return nil
	}
	if err != nil {
		// 数据库仍不可用，由定时任务把超时的 processing 任务置为 failed
		logger.Error().Err(err).Msg("failed to mark job failed")
	}
	p.setStatus(ctx, msg, &cache.StatusEntry{
		Status:    model.JobStatusFailed,
		Attempt:   attempt,
		LastError: errMsg,
	}, p.cfg.Jobs.StatusTTL)
	p.publish(ctx, msg, model.JobStatusFailed, pubsub.StepFailed, attempt, errMsg)

	logger.Error().Err(cause).Msg("job failed, retries exhausted")
	return cause
}

// markFailed 写入最终失败状态，短暂的数据库错误就地重试
func (p *Processor) markFailed(ctx context.Context, jobID, errMsg string) error {
	return retry.Do(
		func() error {
			return p.jobRepo.MarkFailed(jobID, errMsg)
		},
		retry.Context(ctx),
		retry.Attempts(markFailedAttempts),
		retry.Delay(markFailedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, repository.ErrInvalidTransition)
		}),
	)
}

func (p *Processor) archive(jobID string, result json.RawMessage, logger zerolog.Logger) {
	if p.archiver == nil || len(result) == 0 {
		return
	}

	url, err := p.archiver.UploadResult(jobID, result)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to archive result")
		return
	}
	if err := p.jobRepo.SetArchiveURL(jobID, url); err != nil {
		logger.Warn().Err(err).Msg("failed to save archive url")
	}
}

func (p *Processor) setStatus(ctx context.Context, msg *queue.JobMessage, entry *cache.StatusEntry, ttl time.Duration) {
	entry.OwnerID = msg.OwnerID
	entry.Plan = msg.Plan
	if err := p.statusCache.Set(ctx, msg.JobID, entry, ttl); err != nil {
		log.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to cache job status")
	}
}

// setActiveStatus 写入进行中的状态。写入后任务若已结束（并发投递已完成），删除这条缓存
func (p *Processor) setActiveStatus(ctx context.Context, msg *queue.JobMessage, entry *cache.StatusEntry) {
	p.setStatus(ctx, msg, entry, p.cfg.Jobs.ProcessingTTL)

	job, err := p.jobRepo.GetByID(msg.JobID)
	if err != nil || !job.IsTerminal() {
		return
	}
	if err := p.statusCache.Delete(ctx, msg.JobID); err != nil {
		log.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to delete stale job status")
	}
}

func (p *Processor) publish(ctx context.Context, msg *queue.JobMessage, status, step string, attempt int, errMsg string) {
	if p.publisher == nil {
		return
	}
	err := p.publisher.PublishJobEvent(ctx, &pubsub.JobEvent{
		OwnerID: msg.OwnerID,
		JobID:   msg.JobID,
		Status:  status,
		Step:    step,
		Attempt: attempt,
		Error:   errMsg,
	})
	if err != nil {
		log.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to publish job event")
	}
}
