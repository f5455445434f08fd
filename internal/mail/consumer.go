package mail

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Delivery 是消费者需要的最小 ack 能力，amqp.Delivery 满足该接口。
type Delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consume 以固定并发消费主队列，直到 ctx 取消。
func Consume(ctx context.Context, ch *amqp.Channel, queue string, concurrency int, p *Processor, logger zerolog.Logger) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return err
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	jobs := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				Settle(ctx, p, d.Body, d, logger.With().Int("worker", workerID).Logger())
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

// Settle 处理一条消息并据结果 ack / nack。停机打断的消息重新入队，
// 其余失败 nack 不重新入队，消息进入死信队列。
func Settle(ctx context.Context, p *Processor, body []byte, d Delivery, logger zerolog.Logger) {
	start := time.Now()
	if err := p.Handle(ctx, body); err != nil {
		if errors.Is(err, ErrInterrupted) {
			logger.Warn().Err(err).Msg("task requeued")
			_ = d.Nack(false, true)
			return
		}
		logger.Error().Err(err).Dur("cost", time.Since(start)).Msg("task rejected")
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Error().Err(err).Msg("ack failed")
	}
}
