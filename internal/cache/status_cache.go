package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// StatusEntry 进行中任务的状态快照
type StatusEntry struct {
	Status    string `json:"status"`
	OwnerID   string `json:"owner_id"`
	Plan      string `json:"plan"`
	Attempt   int    `json:"attempt,omitempty"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// StatusCache 任务状态缓存，key: job:{jobID}
type StatusCache struct {
	client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

func StatusKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// Set 写入状态，ttl 为 0 表示不过期
func (c *StatusCache) Set(ctx context.Context, jobID string, entry *StatusEntry, ttl time.Duration) error {
	if entry.UpdatedAt == 0 {
		entry.UpdatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	return c.client.Set(ctx, StatusKey(jobID), data, ttl).Err()
}

// Get 读取状态，不存在返回 nil
func (c *StatusCache) Get(ctx context.Context, jobID string) (*StatusEntry, error) {
	data, err := c.client.Get(ctx, StatusKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var entry StatusEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &entry, nil
}

func (c *StatusCache) Delete(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, StatusKey(jobID)).Err()
}
