// Package mail 实现注册欢迎邮件的异步任务：RabbitMQ 投递，worker 消费，
// 结果写入 Redis 供 /tasks/:id 查询。
package mail

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

var ErrTaskNotFound = errors.New("task not found")

// Task 是队列中传递的消息体。Retries 表示已经重试过的次数。
type Task struct {
	ID      string `json:"task_id"`
	UserID  uint   `json:"user_id"`
	Retries int    `json:"retries"`
}

// Result 是任务的最新状态。
type Result struct {
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	Email     string    `json:"email,omitempty"`
	Retries   int       `json:"retries"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTaskID 生成按时间有序的任务 ID。
func NewTaskID() string {
	return ulid.Make().String()
}

// Backoff 返回第 retries 次失败后的等待时间：1s, 2s, 4s ...
func Backoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	return time.Duration(1<<retries) * time.Second
}

// addressFor 生成模拟收件地址。
func addressFor(userID uint) string {
	return fmt.Sprintf("%d@test.com", userID)
}
