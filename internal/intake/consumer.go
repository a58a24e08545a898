// Package intake feeds events from a RabbitMQ queue into the orchestrator.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/streadway/amqp"

	"cityflow/internal/config"
	"cityflow/internal/domain"
	"cityflow/internal/engine"
)

const (
	retryHeader        = "x-retry-count"
	originalUserHeader = "x-original-user"
)

// EventHandler is the part of the engine the consumer drives.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event, actorID string) (engine.FiringReport, error)
}

type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	pub     publisher

	Handler    EventHandler
	Queue      string
	DeadLetter string
	MaxRetries int
	Logger     *slog.Logger
}

// Dial connects to the broker and declares the event queue and its dead-letter queue.
func Dial(cfg config.Intake, h EventHandler, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	dead := cfg.Queue + ".dead"
	for _, q := range []string{cfg.Queue, dead} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:       conn,
		channel:    ch,
		pub:        ch,
		Handler:    h,
		Queue:      cfg.Queue,
		DeadLetter: dead,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger.With("component", "intake", "queue", cfg.Queue),
	}, nil
}

// Run consumes until ctx is cancelled or the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	c.Logger.Info("consuming")
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.process(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// process handles one delivery. Malformed messages go straight to the dead-letter queue;
// handler failures are republished with a bumped retry count until MaxRetries is reached.
func (c *Consumer) process(ctx context.Context, msg amqp.Delivery) {
	ev, err := Decode(msg.Body)
	if err != nil {
		c.Logger.Warn("malformed event", "error", err)
		c.deadLetter(msg, err)
		return
	}
	rep, err := c.Handler.HandleEvent(ctx, ev, actorFrom(msg))
	if err == nil {
		c.Logger.Debug("event handled", "event_id", rep.EventID, "fired", len(rep.Fired))
		msg.Ack(false)
		return
	}
	retries := RetryCount(msg.Headers)
	if retries >= c.MaxRetries {
		c.Logger.Error("event dropped to dead-letter queue", "event_id", ev.ID, "retries", retries, "error", err)
		c.deadLetter(msg, err)
		return
	}
	c.Logger.Warn("event handling failed, requeueing", "event_id", ev.ID, "retry", retries+1, "error", err)
	if perr := c.republish(c.Queue, msg, retries+1, nil); perr != nil {
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

func (c *Consumer) deadLetter(msg amqp.Delivery, cause error) {
	if err := c.republish(c.DeadLetter, msg, RetryCount(msg.Headers), cause); err != nil {
		c.Logger.Error("dead-letter publish failed", "error", err)
		msg.Nack(false, false)
		return
	}
	msg.Ack(false)
}

func (c *Consumer) republish(queue string, msg amqp.Delivery, retries int, cause error) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries)
	if msg.UserId != "" {
		headers[originalUserHeader] = msg.UserId
	}
	if cause != nil {
		headers["x-error"] = cause.Error()
	}
	return c.pub.Publish("", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        msg.Body,
		Headers:     headers,
	})
}

// Decode parses a queued event. An event needs a category or a name to be routable.
func Decode(body []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(ev.Category) == "" && strings.TrimSpace(ev.Name) == "" {
		return ev, domain.ValidationError{Field: "event", Reason: "category or name required"}
	}
	return ev, nil
}

// RetryCount reads the retry header regardless of the integer width the publisher used.
func RetryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	}
	return 0
}

// actorFrom prefers the producer recorded before a republish; the broker rejects a
// user-id that differs from the publishing connection's user.
func actorFrom(msg amqp.Delivery) string {
	if u, ok := msg.Headers[originalUserHeader].(string); ok && u != "" {
		return u
	}
	if msg.UserId != "" {
		return msg.UserId
	}
	return "intake"
}
