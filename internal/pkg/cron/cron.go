package cron

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/internal/pkg/queue"
	"github.com/qs3c/doc_intel_server/internal/repository"
	"github.com/qs3c/doc_intel_server/internal/service"
)

const (
	defaultInterval   = time.Hour
	defaultStaleAfter = 2 * time.Hour
)

const staleJobMessage = "job stalled: no progress before timeout"

type Service struct {
	quotaService *service.QuotaService
	jobRepo      *repository.JobRepository
	queue        *queue.Queue
	interval     time.Duration
	staleAfter   time.Duration
	stopChan     chan struct{}
}

// NewService 创建定时任务，jobRepo 和 queue 可以为 nil
// staleAfter 之前未更新的 processing 任务会被置为 failed
func NewService(quotaService *service.QuotaService, jobRepo *repository.JobRepository, q *queue.Queue, interval, staleAfter time.Duration) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Service{
		quotaService: quotaService,
		jobRepo:      jobRepo,
		queue:        q,
		interval:     interval,
		staleAfter:   staleAfter,
		stopChan:     make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.run()
	log.Info().Dur("interval", s.interval).Msg("cron service started")
}

// Stop 停止定时任务
func (s *Service) Stop() {
	close(s.stopChan)
	log.Info().Msg("cron service stopped")
}

func (s *Service) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.resetExpiredUsage()
			s.failStaleJobs()
			s.reportQueue()
		}
	}
}

// resetExpiredUsage 批量重置已过周期的用量，查询时也会按需重置
func (s *Service) resetExpiredUsage() {
	n, err := s.quotaService.ResetExpiredPeriods()
	if err != nil {
		log.Error().Err(err).Msg("failed to reset expired usage periods")
		return
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("usage periods reset")
	}
}

// failStaleJobs 兜底：worker 最终失败时数据库不可用，任务会停在 processing
func (s *Service) failStaleJobs() {
	if s.jobRepo == nil {
		return
	}
	n, err := s.jobRepo.FailStale(time.Now().Add(-s.staleAfter), staleJobMessage)
	if err != nil {
		log.Error().Err(err).Msg("failed to fail stale jobs")
		return
	}
	if n > 0 {
		log.Warn().Int64("count", n).Msg("stale processing jobs marked failed")
	}
}

// reportQueue 记录队列积压情况
func (s *Service) reportQueue() {
	if s.queue == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, err := s.queue.Length(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read queue length")
		return
	}
	delayed, _ := s.queue.DelayedLength(ctx)
	inflight, _ := s.queue.InflightLength(ctx)
	dead, _ := s.queue.DeadLength(ctx)

	event := log.Info()
	if dead > 0 {
		event = log.Warn()
	}
	event.
		Int64("pending", pending).
		Int64("delayed", delayed).
		Int64("inflight", inflight).
		Int64("dead", dead).
		Msg("queue status")
}

// RunNow 立即执行一次（用于测试或手动触发）
func (s *Service) RunNow() (int64, error) {
	log.Info().Msg("manual usage reset triggered")
	return s.quotaService.ResetExpiredPeriods()
}
