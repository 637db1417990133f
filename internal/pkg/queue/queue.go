package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts       = 5
	DefaultBackoffBase       = 5 * time.Second
	DefaultVisibilityTimeout = time.Minute
)

// promoteScript 原子地把到期任务从延迟队列移到待执行列表，按到期顺序入队
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// recoverScript 回收失联消费者的执行中任务。消费者在检查前刚刚续约时返回 -1
var recoverScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) > tonumber(ARGV[2]) then
	return -1
end
local n = 0
while true do
	local item = redis.call('RPOPLPUSH', KEYS[2], KEYS[3])
	if not item then
		break
	end
	n = n + 1
end
redis.call('ZREM', KEYS[1], ARGV[1])
return n
`)

// Queue 基于 Redis 的可靠任务队列
//
//	{name}                  待执行列表，LPUSH 入队，BRPOPLPUSH 出队
//	{name}:processing:{id}  每个消费者自己的执行中列表，Ack 后移除
//	{name}:consumers        消费者心跳（ZSET，score 为最近心跳毫秒），超过可见性超时视为失联
//	{name}:delayed          等待重试的任务（ZSET，score 为可执行时间毫秒）
//	{name}:dead             重试耗尽的任务
type Queue struct {
	client            *redis.Client
	queueName         string
	consumerID        string
	maxAttempts       int
	backoffBase       time.Duration
	visibilityTimeout time.Duration
	now               func() time.Time
}

type JobMessage struct {
	JobID       string `json:"job_id"`
	OwnerID     string `json:"owner_id"`
	Plan        string `json:"plan"`
	Text        string `json:"text"`
	Attempt     int    `json:"attempt"` // 已失败的次数
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	EnqueuedAt  int64  `json:"enqueued_at"`

	raw string
}

// IsFinalAttempt 本次执行失败后是否不再重试
func (m *JobMessage) IsFinalAttempt() bool {
	return m.Attempt+1 >= m.MaxAttempts
}

type Option func(*Queue)

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithBackoff(base time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
	}
}

// WithConsumerID 固定消费者标识，重启后可直接找回自己的执行中列表
func WithConsumerID(id string) Option {
	return func(q *Queue) {
		if id != "" {
			q.consumerID = id
		}
	}
}

// WithVisibilityTimeout 消费者超过该时间没有心跳，其执行中任务会被其他消费者放回队列
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibilityTimeout = d
		}
	}
}

func NewQueue(client *redis.Client, queueName string, opts ...Option) *Queue {
	q := &Queue{
		client:            client,
		queueName:         queueName,
		consumerID:        uuid.NewString(),
		maxAttempts:       DefaultMaxAttempts,
		backoffBase:       DefaultBackoffBase,
		visibilityTimeout: DefaultVisibilityTimeout,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) processingKey() string { return q.processingKeyOf(q.consumerID) }
func (q *Queue) consumersKey() string  { return q.queueName + ":consumers" }
func (q *Queue) delayedKey() string    { return q.queueName + ":delayed" }
func (q *Queue) deadKey() string       { return q.queueName + ":dead" }

func (q *Queue) processingKeyOf(consumerID string) string {
	return q.queueName + ":processing:" + consumerID
}

// Push 将任务加入队列
func (q *Queue) Push(ctx context.Context, msg *JobMessage) error {
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = q.maxAttempts
	}
	if msg.EnqueuedAt == 0 {
		msg.EnqueuedAt = q.now().Unix()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.queueName, data).Err()
}

// Pop 从队列获取任务（阻塞），任务同时进入 processing 列表直到 Ack 或 Retry
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*JobMessage, error) {
	if _, err := q.PromoteDue(ctx); err != nil {
		return nil, err
	}

	data, err := q.client.BRPopLPush(ctx, q.queueName, q.processingKey(), timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // 超时，无任务
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	var msg JobMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		// 无法解析的消息直接进入死信
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, data)
		pipe.LPush(ctx, q.deadKey(), data)
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return nil, fmt.Errorf("failed to discard malformed message: %w", execErr)
		}
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.raw = data

	return &msg, nil
}

// Ack 任务执行结束，从 processing 列表移除
func (q *Queue) Ack(ctx context.Context, msg *JobMessage) error {
	return q.client.LRem(ctx, q.processingKey(), 1, msg.raw).Err()
}

// Retry 记录一次失败。未达到最大次数时按指数退避放入延迟队列，返回 true；否则进入死信，返回 false
func (q *Queue) Retry(ctx context.Context, msg *JobMessage, cause error) (bool, error) {
	next := *msg
	next.raw = ""
	next.Attempt++
	if cause != nil {
		next.LastError = cause.Error()
	}

	data, err := json.Marshal(&next)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	retried := next.Attempt < next.MaxAttempts

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, msg.raw)
	if retried {
		runAt := q.now().Add(q.Backoff(next.Attempt))
		pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: data,
		})
	} else {
		pipe.LPush(ctx, q.deadKey(), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}

	return retried, nil
}

// Backoff 第 attempt 次失败后的等待时间：base * 2^(attempt-1)
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.backoffBase << uint(attempt-1)
}

// PromoteDue 将到期的延迟任务移回待执行列表
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	until := strconv.FormatInt(q.now().UnixMilli(), 10)
	moved, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey(), q.queueName}, until).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return moved, nil
}

// RequeueInflight 将本消费者未确认的任务放回待执行列表，worker 启动和退出时调用
func (q *Queue) RequeueInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey(), q.queueName).Err()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to requeue inflight job: %w", err)
		}
		moved++
	}
}

// Heartbeat 登记本消费者仍然存活
func (q *Queue) Heartbeat(ctx context.Context) error {
	return q.client.ZAdd(ctx, q.consumersKey(), &redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: q.consumerID,
	}).Err()
}

// Deregister 正常退出：放回未确认的任务并注销心跳
func (q *Queue) Deregister(ctx context.Context) error {
	if _, err := q.RequeueInflight(ctx); err != nil {
		return err
	}
	return q.client.ZRem(ctx, q.consumersKey(), q.consumerID).Err()
}

// RecoverStale 将失联消费者的执行中任务放回待执行列表，返回回收的任务数
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	deadline := q.now().Add(-q.visibilityTimeout).UnixMilli()
	stale, err := q.client.ZRangeByScore(ctx, q.consumersKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(deadline, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read consumers: %w", err)
	}

	recovered := 0
	for _, id := range stale {
		if id == q.consumerID {
			continue
		}
		keys := []string{q.consumersKey(), q.processingKeyOf(id), q.queueName}
		n, err := recoverScript.Run(ctx, q.client, keys, id, deadline).Int()
		if err != nil {
			return recovered, fmt.Errorf("failed to recover consumer %s: %w", id, err)
		}
		if n < 0 {
			continue
		}
		if n > 0 {
			log.Warn().Str("consumer_id", id).Int("jobs", n).Msg("requeued jobs of stale consumer")
		}
		recovered += n
	}
	return recovered, nil
}

// DeadLetters 读取死信任务，无法解析的条目记录日志后跳过
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*JobMessage, error) {
	items, err := q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]*JobMessage, 0, len(items))
	for i, item := range items {
		var msg JobMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			log.Warn().Err(err).
				Str("queue", q.queueName).
				Int("index", i).
				Int("size", len(item)).
				Msg("malformed dead letter skipped")
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Length 获取队列长度
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}

// InflightLength 所有已登记消费者（以及本消费者）执行中的任务数
func (q *Queue) InflightLength(ctx context.Context) (int64, error) {
	ids, err := q.client.ZRange(ctx, q.consumersKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	pipe := q.client.Pipeline()
	cmds := []*redis.IntCmd{pipe.LLen(ctx, q.processingKey())}
	for _, id := range ids {
		if id != q.consumerID {
			cmds = append(cmds, pipe.LLen(ctx, q.processingKeyOf(id)))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

func (q *Queue) DelayedLength(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey()).Result()
}

func (q *Queue) DeadLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadKey()).Result()
}

func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

func (q *Queue) ConsumerID() string {
	return q.consumerID
}

func (q *Queue) VisibilityTimeout() time.Duration {
	return q.visibilityTimeout
}
