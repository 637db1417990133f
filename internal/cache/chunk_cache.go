package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ChunkCache 分块分析结果缓存，key: job:{jobID}:chunk:{index}
type ChunkCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewChunkCache(client *redis.Client, ttl time.Duration) *ChunkCache {
	return &ChunkCache{
		client: client,
		ttl:    ttl,
	}
}

func ChunkKey(jobID string, index int) string {
	return fmt.Sprintf("job:%s:chunk:%d", jobID, index)
}

// Get 读取分块结果，未命中返回 false
func (c *ChunkCache) Get(ctx context.Context, jobID string, index int) (json.RawMessage, bool, error) {
	data, err := c.client.Get(ctx, ChunkKey(jobID, index)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get chunk %d: %w", index, err)
	}
	return json.RawMessage(data), true, nil
}

func (c *ChunkCache) Set(ctx context.Context, jobID string, index int, result json.RawMessage) error {
	if err := c.client.Set(ctx, ChunkKey(jobID, index), []byte(result), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set chunk %d: %w", index, err)
	}
	return nil
}

// DeleteAll 一次 pipeline 删除任务的全部分块
func (c *ChunkCache) DeleteAll(ctx context.Context, jobID string, count int) error {
	if count <= 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for i := 0; i < count; i++ {
		pipe.Del(ctx, ChunkKey(jobID, i))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}
