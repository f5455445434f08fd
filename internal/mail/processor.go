package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"roomchat/internal/metrics"

	"github.com/rs/zerolog"
)

// ErrExhausted 表示任务不会再重试，调用方应 reject 让消息进入死信队列。
// ErrInterrupted 表示处理因停机被打断，任务本身没有问题，应重新入队。
var (
	ErrSendFailed  = errors.New("email delivery failed")
	ErrExhausted   = errors.New("email task retries exhausted")
	ErrBadTask     = errors.New("malformed email task")
	ErrInterrupted = errors.New("email task interrupted by shutdown")
)

// Sender 真正执行发送，返回实际的收件地址。
type Sender interface {
	Send(ctx context.Context, t Task) (string, error)
}

// SimulatedSender 模拟一个不稳定的邮件服务：按 FailureRate 随机失败，成功前等待 Delay。
type SimulatedSender struct {
	FailureRate float64
	Delay       time.Duration
	roll        func() float64
}

func NewSimulatedSender(failureRate float64, delay time.Duration) *SimulatedSender {
	return &SimulatedSender{FailureRate: failureRate, Delay: delay, roll: rand.Float64}
}

func (s *SimulatedSender) Send(ctx context.Context, t Task) (string, error) {
	if s.roll() < s.FailureRate {
		return "", ErrSendFailed
	}
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return addressFor(t.UserID), nil
}

// Processor 处理单条任务：成功记录结果；失败按 2^retries 秒退避重投，超过上限后放弃。
type Processor struct {
	sender     Sender
	results    ResultStore
	retry      TaskPublisher
	maxRetries int
	logger     zerolog.Logger
}

func NewProcessor(sender Sender, results ResultStore, retry TaskPublisher, maxRetries int, logger zerolog.Logger) *Processor {
	return &Processor{sender: sender, results: results, retry: retry, maxRetries: maxRetries, logger: logger}
}

// Handle 处理一条原始消息。返回 nil 表示可以 ack。
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil || t.ID == "" {
		return fmt.Errorf("%w: %v", ErrBadTask, err)
	}
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	logger := p.logger.With().Str("task_id", t.ID).Uint("user_id", t.UserID).Int("retries", t.Retries).Logger()

	email, err := p.sender.Send(ctx, t)
	if err != nil && ctx.Err() != nil {
		// 停机导致的失败不计入重试次数。
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if err == nil {
		metrics.EmailTasksTotal.WithLabelValues(string(StatusSuccess)).Inc()
		logger.Info().Str("email", email).Msg("email sent")
		p.record(ctx, Result{TaskID: t.ID, Status: StatusSuccess, Email: email, Retries: t.Retries})
		return nil
	}

	if t.Retries >= p.maxRetries {
		metrics.EmailTasksTotal.WithLabelValues(string(StatusFailed)).Inc()
		logger.Error().Err(err).Msg("email task gave up")
		p.record(ctx, Result{TaskID: t.ID, Status: StatusFailed, Email: addressFor(t.UserID), Retries: t.Retries, Error: err.Error()})
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}

	delay := Backoff(t.Retries)
	next := Task{ID: t.ID, UserID: t.UserID, Retries: t.Retries + 1}
	logger.Warn().Err(err).Dur("backoff", delay).Msgf("email attempt %d/%d failed", t.Retries+1, p.maxRetries)
	if perr := p.retry.PublishRetry(ctx, next, delay); perr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrInterrupted, perr)
		}
		return fmt.Errorf("schedule retry: %w", perr)
	}
	metrics.EmailTasksTotal.WithLabelValues(string(StatusRetrying)).Inc()
	p.record(ctx, Result{TaskID: t.ID, Status: StatusRetrying, Email: addressFor(t.UserID), Retries: next.Retries, Error: err.Error()})
	return nil
}

func (p *Processor) record(ctx context.Context, r Result) {
	if p.results == nil {
		return
	}
	if err := p.results.Save(ctx, r); err != nil {
		p.logger.Warn().Err(err).Str("task_id", r.TaskID).Msg("save task result")
	}
}
