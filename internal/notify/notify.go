// Package notify delivers operator notifications over push, email and SMS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cityflow/internal/domain"
	"cityflow/internal/metrics"
)

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Notifier sends message to target over channel.
type Notifier interface {
	Send(ctx context.Context, channel Channel, target, message string) error
}

// Router dispatches each channel to its own notifier. Channels without one go to Fallback.
type Router struct {
	Channels map[Channel]Notifier
	Fallback Notifier
}

func (r Router) Send(ctx context.Context, channel Channel, target, message string) error {
	if n, ok := r.Channels[channel]; ok && n != nil {
		return n.Send(ctx, channel, target, message)
	}
	if r.Fallback != nil {
		return r.Fallback.Send(ctx, channel, target, message)
	}
	return fmt.Errorf("no notifier for channel %s", channel)
}

// LogNotifier writes notifications to the structured log instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(ctx context.Context, channel Channel, target, message string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "channel", channel, "target", target, "message", message)
	return nil
}

// Retrying bounds each attempt with Timeout and retries transient failures with exponential
// backoff. Validation errors are not retried.
type Retrying struct {
	Next       Notifier
	Timeout    time.Duration
	MaxRetries uint64
	Metrics    *metrics.Metrics
	// InitialInterval overrides the first backoff delay; zero keeps the library default.
	InitialInterval time.Duration
}

func (r Retrying) Send(ctx context.Context, channel Channel, target, message string) error {
	if target == "" {
		return domain.ValidationError{Field: "target", Reason: "notification target required"}
	}
	eb := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		eb.InitialInterval = r.InitialInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.MaxRetries), ctx)
	op := func() error {
		attemptCtx := ctx
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
		start := time.Now()
		err := r.Next.Send(attemptCtx, channel, target, message)
		r.Metrics.NotifySent(string(channel), time.Since(start).Seconds(), err)
		var ve domain.ValidationError
		if errors.As(err, &ve) {
			return backoff.Permanent(err)
		}
		var pe PermanentError
		if errors.As(err, &pe) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, policy)
}

// PermanentError marks a delivery failure that retrying cannot fix, such as a rejected recipient.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Sent is one delivery captured by a Recorder.
type Sent struct {
	Channel Channel
	Target  string
	Message string
}

// Recorder keeps deliveries in memory. FailFor makes sends to the listed targets fail.
type Recorder struct {
	mu      sync.Mutex
	sent    []Sent
	FailFor map[string]error
}

func (r *Recorder) Send(_ context.Context, channel Channel, target, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.FailFor[target]; ok {
		return err
	}
	r.sent = append(r.sent, Sent{Channel: channel, Target: target, Message: message})
	return nil
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}
