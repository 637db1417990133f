package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/internal/pkg/queue"
)

const popErrorDelay = time.Second

// JobProcessor 处理单个任务
type JobProcessor interface {
	Process(ctx context.Context, msg *queue.JobMessage) error
}

// Consumer 从队列拉取任务并交给处理器，失败时交由队列退避重试
type Consumer struct {
	queue       *queue.Queue
	processor   JobProcessor
	workers     int
	pollTimeout time.Duration
}

func NewConsumer(q *queue.Queue, processor JobProcessor, workers int, pollTimeout time.Duration) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Consumer{
		queue:       q,
		processor:   processor,
		workers:     workers,
		pollTimeout: pollTimeout,
	}
}

// Run 启动 worker，ctx 取消后等待进行中的任务结束再返回
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.queue.Heartbeat(ctx); err != nil {
		return err
	}
	n, err := c.queue.RequeueInflight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("requeued inflight jobs")
	}
	c.recoverStale(ctx)

	// 心跳持续到最后一个任务结束，不随 ctx 取消
	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(hbCtx)
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.loop(ctx, workerID)
		}(i)
	}

	log.Info().
		Int("workers", c.workers).
		Str("consumer_id", c.queue.ConsumerID()).
		Msg("consumer started")
	wg.Wait()

	stopHeartbeat()
	<-hbDone
	if err := c.queue.Deregister(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("failed to deregister consumer")
	}
	log.Info().Msg("consumer stopped")
	return nil
}

// heartbeat 定期续约，同时回收失联消费者的任务
func (c *Consumer) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.queue.VisibilityTimeout() / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.queue.Heartbeat(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to send consumer heartbeat")
				continue
			}
			c.recoverStale(ctx)
		}
	}
}

func (c *Consumer) recoverStale(ctx context.Context) {
	n, err := c.queue.RecoverStale(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to recover jobs of stale consumers")
		return
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("recovered jobs of stale consumers")
	}
}

func (c *Consumer) loop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := c.processNext(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", workerID).Msg("queue error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(popErrorDelay):
			}
		}
	}
}

// processNext 处理一个任务，队列为空时返回 false
func (c *Consumer) processNext(ctx context.Context) (bool, error) {
	msg, err := c.queue.Pop(ctx, c.pollTimeout)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	// 已取出的任务不受关闭信号影响，执行完再退出
	runCtx := context.WithoutCancel(ctx)

	procErr := c.processor.Process(runCtx, msg)
	if procErr == nil {
		return true, c.queue.Ack(runCtx, msg)
	}

	retried, err := c.queue.Retry(runCtx, msg, procErr)
	if err != nil {
		return true, err
	}
	if retried {
		log.Warn().
			Str("job_id", msg.JobID).
			Int("attempt", msg.Attempt+1).
			Dur("backoff", c.queue.Backoff(msg.Attempt+1)).
			Msg("job scheduled for retry")
	} else {
		log.Error().Str("job_id", msg.JobID).Msg("job moved to dead letter queue")
	}
	return true, nil
}
