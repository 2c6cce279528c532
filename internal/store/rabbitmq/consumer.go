package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptsHeader = "x-attempts"

type ConsumerConfig struct {
	URL         string
	Queue       string
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Consumer runs a fixed pool of workers over the job queue. A failed job is
// parked on the retry queue until MaxAttempts is reached, then rejected
// into the dead-letter queue.
type Consumer struct {
	cfg    ConsumerConfig
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger

	republish func(ctx context.Context, d amqp.Delivery, attempt int) error
}

type Handler func(ctx context.Context, job UnreadRefreshJob) error

func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, cfg.Queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	//  strict concurrency control
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	c := &Consumer{cfg: cfg, conn: conn, ch: ch, logger: logger}
	c.republish = c.retry
	return c, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run consumes until ctx ends or the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info("worker started", "queue", c.cfg.Queue, "concurrency", c.cfg.Concurrency)
	return c.serve(ctx, msgs, handle)
}

// serve dispatches deliveries to the worker pool. Deliveries that are still
// unhandled when ctx ends go back to the queue without using up an attempt.
func (c *Consumer) serve(ctx context.Context, msgs <-chan amqp.Delivery, handle Handler) error {
	// worker pool
	jobs := make(chan amqp.Delivery, c.cfg.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}
	stop := func() {
		close(jobs)
		wg.Wait()
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("worker shutting down")
			stop()
			return nil

		case d, ok := <-msgs:
			if !ok {
				stop()
				return errors.New("rabbitmq: delivery channel closed")
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				c.logger.Info("worker shutting down")
				stop()
				return nil
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}
	job, err := decodeJob(d.Body)
	if err != nil || job.ConversationID == "" {
		c.logger.Warn("bad message", "worker", workerID, "err", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err = handle(ctx, job)
	if err == nil {
		if err := d.Ack(false); err != nil {
			c.logger.Warn("ack failed", "worker", workerID, "conversation_id", job.ConversationID, "err", err)
		}
		return
	}
	if ctx.Err() != nil {
		// interrupted by shutdown, not a failure of the job
		c.logger.Info("job requeued on shutdown", "worker", workerID, "conversation_id", job.ConversationID)
		_ = d.Nack(false, true)
		return
	}

	attempt := attempts(d.Headers) + 1
	c.logger.Warn("job failed",
		"worker", workerID, "conversation_id", job.ConversationID,
		"attempt", attempt, "cost", time.Since(start), "err", err)

	if attempt >= c.cfg.MaxAttempts {
		_ = d.Nack(false, false)
		return
	}
	if err := c.republish(ctx, d, attempt); err != nil {
		c.logger.Error("retry publish failed", "conversation_id", job.ConversationID, "err", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, attempt int) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return c.ch.PublishWithContext(cctx, "", RetryQueue(c.cfg.Queue), false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(c.cfg.RetryDelay.Milliseconds(), 10),
		Headers:      amqp.Table{attemptsHeader: int32(attempt)},
	})
}

func attempts(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
