package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "email_task:"

// ResultStore 保存任务状态。
type ResultStore interface {
	Save(ctx context.Context, r Result) error
	Get(ctx context.Context, taskID string) (*Result, error)
}

// RedisResults 把任务结果以 JSON 存进 Redis，并设置过期时间。
type RedisResults struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisResults(client *redis.Client, ttl time.Duration) *RedisResults {
	return &RedisResults{client: client, ttl: ttl}
}

func (s *RedisResults) Save(ctx context.Context, r Result) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, resultKeyPrefix+r.TaskID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", r.TaskID, err)
	}
	return nil
}

func (s *RedisResults) Get(ctx context.Context, taskID string) (*Result, error) {
	data, err := s.client.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
