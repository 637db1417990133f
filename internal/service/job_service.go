package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/config"
	"github.com/qs3c/doc_intel_server/internal/cache"
	"github.com/qs3c/doc_intel_server/internal/model"
	"github.com/qs3c/doc_intel_server/internal/model/dto"
	"github.com/qs3c/doc_intel_server/internal/pkg/pubsub"
	"github.com/qs3c/doc_intel_server/internal/pkg/queue"
	"github.com/qs3c/doc_intel_server/internal/repository"
)

var (
	ErrJobNotFound     = errors.New("任务不存在")
	ErrJobAccessDenied = errors.New("无权查看此任务")
)

type JobService struct {
	jobRepo     *repository.JobRepository
	statusCache *cache.StatusCache
	queue       *queue.Queue
	publisher   *pubsub.Publisher
	cfg         *config.Config
}

func NewJobService(
	jobRepo *repository.JobRepository,
	statusCache *cache.StatusCache,
	q *queue.Queue,
	publisher *pubsub.Publisher,
	cfg *config.Config,
) *JobService {
	return &JobService{
		jobRepo:     jobRepo,
		statusCache: statusCache,
		queue:       q,
		publisher:   publisher,
		cfg:         cfg,
	}
}

// Create 创建异步任务：写入数据库、写入状态缓存、入队
func (s *JobService) Create(ctx context.Context, ownerID, plan, text string) (*model.Job, error) {
	job := &model.Job{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Plan:       plan,
		Status:     model.JobStatusPending,
		InputChars: utf8.RuneCountInString(text),
	}
	if err := s.jobRepo.Create(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	entry := &cache.StatusEntry{
		Status:  model.JobStatusPending,
		OwnerID: ownerID,
		Plan:    plan,
	}
	if err := s.statusCache.Set(ctx, job.ID, entry, s.cfg.Jobs.StatusTTL); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to cache job status")
	}

	msg := &queue.JobMessage{
		JobID:   job.ID,
		OwnerID: ownerID,
		Plan:    plan,
		Text:    text,
	}
	if err := s.queue.Push(ctx, msg); err != nil {
		// 入队失败的任务不会被执行，直接标记失败
		if markErr := s.jobRepo.MarkFailed(job.ID, "enqueue failed"); markErr != nil {
			log.Error().Err(markErr).Str("job_id", job.ID).Msg("failed to mark job failed")
		}
		if delErr := s.statusCache.Delete(ctx, job.ID); delErr != nil {
			log.Warn().Err(delErr).Str("job_id", job.ID).Msg("failed to delete job status")
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.publish(ctx, &pubsub.JobEvent{
		OwnerID: ownerID,
		JobID:   job.ID,
		Status:  model.JobStatusPending,
		Step:    pubsub.StepQueued,
	})

	log.Info().
		Str("job_id", job.ID).
		Str("owner_id", ownerID).
		Str("plan", plan).
		Int("chars", job.InputChars).
		Msg("job enqueued")

	return job, nil
}

// GetStatus 查询任务状态：先查缓存，未命中再查数据库
func (s *JobService) GetStatus(ctx context.Context, jobID, ownerID string) (*dto.JobStatusResponse, error) {
	entry, err := s.statusCache.Get(ctx, jobID)
	if err != nil {
		// 缓存不可用按未命中处理
		log.Warn().Err(err).Str("job_id", jobID).Msg("job status cache unavailable")
		entry = nil
	}

	if entry != nil {
		if entry.OwnerID != ownerID {
			return nil, ErrJobAccessDenied
		}
		return &dto.JobStatusResponse{
			JobID:    jobID,
			Status:   entry.Status,
			Plan:     entry.Plan,
			Terminal: entry.Status == model.JobStatusCompleted || entry.Status == model.JobStatusFailed,
			Attempt:  entry.Attempt,
			Error:    entry.LastError,
		}, nil
	}

	job, err := s.jobRepo.GetByID(jobID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrJobAccessDenied
	}

	return buildJobStatus(job), nil
}

func (s *JobService) publish(ctx context.Context, event *pubsub.JobEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJobEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("job_id", event.JobID).Msg("failed to publish job event")
	}
}

func buildJobStatus(job *model.Job) *dto.JobStatusResponse {
	resp := &dto.JobStatusResponse{
		JobID:      job.ID,
		Status:     job.Status,
		Plan:       job.Plan,
		Terminal:   job.IsTerminal(),
		Attempt:    job.Attempts,
		ArchiveURL: job.ArchiveURL,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
	}

	switch job.Status {
	case model.JobStatusCompleted:
		if job.Result != "" {
			resp.Result = json.RawMessage(job.Result)
		}
	case model.JobStatusFailed:
		resp.Error = job.ErrorMessage
	}

	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
