package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chatstream/internal/email"
)

// AttemptHeader counts deliveries of a mail job across retries.
const AttemptHeader = "x-attempt"

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	// amqp channels are not safe for concurrent publishes
	mu sync.Mutex
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

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishMail enqueues a mail job on the main queue.
func (p *Publisher) PublishMail(ctx context.Context, m email.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue, body, 1, 0)
}

// Retry parks body on the retry queue; it returns to the main queue after delay.
func (p *Publisher) Retry(ctx context.Context, body []byte, attempt int, delay time.Duration) error {
	return p.publish(ctx, RetryQueue(p.queue), body, attempt, delay)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body []byte, attempt int, delay time.Duration) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{AttemptHeader: int32(attempt)},
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		msg,
	)
}

// Attempt reads AttemptHeader from a delivery; missing or malformed means 1.
func Attempt(h amqp.Table) int {
	switch v := h[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}
