package mail

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// TaskPublisher 把任务投递到主队列或延迟重试队列。
type TaskPublisher interface {
	Publish(ctx context.Context, t Task) error
	PublishRetry(ctx context.Context, t Task, delay time.Duration) error
}

// RetryQueue 返回延迟重试队列名，消息过期后死信回主队列。
func RetryQueue(queue string) string { return queue + ".retry" }

func DeadLetterQueue(queue string) string { return queue + ".dlq" }

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareTopology 声明 publisher 与 worker 共用的队列拓扑：
//
//	<queue>        主队列，reject 后死信到 <queue>.dlq
//	<queue>.retry  消息按 Expiration 过期后死信回主队列
//	<queue>.dlq    重试耗尽或无法解析的消息
func DeclareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(DeadLetterQueue(queue), true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(RetryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue(queue),
	})
	return err
}

// OpenChannel 在同一连接上开一个新 channel，worker 用它消费，与发布分开。
func (p *Publisher) OpenChannel() (*amqp.Channel, error) {
	return p.conn.Channel()
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) Publish(ctx context.Context, t Task) error {
	return p.publish(ctx, p.queue, t, "")
}

// PublishRetry 投递到重试队列，delay 到期后由 broker 送回主队列。
func (p *Publisher) PublishRetry(ctx context.Context, t Task, delay time.Duration) error {
	return p.publish(ctx, RetryQueue(p.queue), t, strconv.FormatInt(delay.Milliseconds(), 10))
}

func (p *Publisher) publish(ctx context.Context, queue string, t Task, expiration string) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    t.ID,
			Expiration:   expiration,
			Headers:      amqp.Table{"x-retries": int32(t.Retries)},
		},
	)
}

// Enqueuer 供 API 进程使用：登记 pending 状态后投递任务。
type Enqueuer struct {
	pub     TaskPublisher
	results ResultStore
}

func NewEnqueuer(pub TaskPublisher, results ResultStore) *Enqueuer {
	return &Enqueuer{pub: pub, results: results}
}

// EnqueueWelcome 为新用户投递欢迎邮件任务，返回任务 ID。
func (e *Enqueuer) EnqueueWelcome(ctx context.Context, userID uint) (string, error) {
	t := Task{ID: NewTaskID(), UserID: userID}
	if e.results != nil {
		if err := e.results.Save(ctx, Result{TaskID: t.ID, Status: StatusPending, Email: addressFor(userID)}); err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("record pending task")
		}
	}
	if err := e.pub.Publish(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// Status 查询任务状态。
func (e *Enqueuer) Status(ctx context.Context, taskID string) (*Result, error) {
	if e.results == nil {
		return nil, ErrTaskNotFound
	}
	return e.results.Get(ctx, taskID)
}
