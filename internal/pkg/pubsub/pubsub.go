package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	ChannelJobEvents = "job_events"
)

// JobEvent 任务状态变化事件，由 server 转发到用户的 WebSocket 连接
type JobEvent struct {
	Type     string `json:"type"`
	OwnerID  string `json:"owner_id"`
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Step     string `json:"step"`
	Progress int    `json:"progress"`
	Attempt  int    `json:"attempt,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// 任务阶段
const (
	StepQueued    = "queued"
	StepAnalyzing = "analyzing"
	StepRetrying  = "retrying"
	StepDone      = "done"
	StepFailed    = "failed"
)

// 阶段对应的进度百分比
var StepProgress = map[string]int{
	StepQueued:    10,
	StepAnalyzing: 50,
	StepRetrying:  50,
	StepDone:      100,
	StepFailed:    100,
}

// 阶段对应的消息
var StepMessages = map[string]string{
	StepQueued:    "任务已排队",
	StepAnalyzing: "正在进行 AI 分析",
	StepRetrying:  "分析失败，等待重试",
	StepDone:      "分析完成",
	StepFailed:    "分析失败",
}

// Fill 按阶段补全进度和消息
func (e *JobEvent) Fill() {
	e.Type = "job_progress"
	if e.Progress == 0 && e.Step != "" {
		if progress, ok := StepProgress[e.Step]; ok {
			e.Progress = progress
		}
	}
	if e.Message == "" && e.Step != "" {
		if message, ok := StepMessages[e.Step]; ok {
			e.Message = message
		}
	}
}

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishJobEvent 发布任务事件
func (p *Publisher) PublishJobEvent(ctx context.Context, event *JobEvent) error {
	event.Fill()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	return p.client.Publish(ctx, ChannelJobEvents, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 订阅任务事件，直到 ctx 取消
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*JobEvent)) error {
	sub := s.client.Subscribe(ctx, ChannelJobEvents)
	defer sub.Close()

	// 等待订阅确认，避免丢失紧随其后的消息
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var event JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue // 忽略解析错误
			}

			handler(&event)
		}
	}
}
