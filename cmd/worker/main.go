package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chatstream/internal/config"
	"github.com/suPer8Hu/chatstream/internal/email"
	"github.com/suPer8Hu/chatstream/internal/store/rabbitmq"
)

const (
	maxAttempts = 3
	retryDelay  = 30 * time.Second
)

var errBadMessage = errors.New("bad mail job")

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// retrier parks a failed job on the retry queue. rabbitmq.Publisher
// implements it.
type retrier interface {
	Retry(ctx context.Context, body []byte, attempt int, delay time.Duration) error
}

type ackNacker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	smtpCfg := email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}
	if !smtpCfg.Enabled() {
		return fmt.Errorf("SMTP_HOST and SMTP_FROM are required: %w", email.ErrNotConfigured)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("rabbit dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit channel: %w", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		return fmt.Errorf("retry publisher: %w", err)
	}
	defer pub.Close()

	// strict concurrency control
	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	send := func(m email.Message) error { return email.Send(smtpCfg, m) }

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := logger.With("worker", workerID)
			for d := range jobs {
				settle(ctx, log, d, d.Body, rabbitmq.Attempt(d.Headers), send, pub)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

// settle sends one job and acks, retries or dead-letters the delivery.
func settle(ctx context.Context, log *slog.Logger, d ackNacker, body []byte, attempt int, send func(email.Message) error, r retrier) {
	start := time.Now()
	err := handleJob(body, send)
	switch {
	case err == nil:
		log.Info("mail sent", "attempt", attempt, "cost", time.Since(start))
		if err := d.Ack(false); err != nil {
			log.Error("ack failed", "error", err)
		}

	case errors.Is(err, errBadMessage) || attempt >= maxAttempts:
		// dead-lettered to <queue>.dlq
		log.Error("mail job dropped", "attempt", attempt, "error", err)
		_ = d.Nack(false, false)

	default:
		log.Warn("mail send failed, scheduling retry", "attempt", attempt, "error", err)
		if rerr := r.Retry(ctx, body, attempt+1, retryDelay); rerr != nil {
			log.Error("retry publish failed", "error", rerr)
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
	}
}

func handleJob(body []byte, send func(email.Message) error) error {
	var m email.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}
	return send(m)
}
