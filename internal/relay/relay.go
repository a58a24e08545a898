// Package relay forwards audit events to external subscribers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cityflow/internal/config"
	"cityflow/internal/domain"
	"cityflow/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives audit events in id order. A failed delivery is retried from the same event on
// the next poll.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.AuditEvent) error
}

type eventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEvent, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type target struct {
	sink   Sink
	filter eventFilter
}

type Dispatcher struct {
	source   eventSource
	targets  []target
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

// New builds a dispatcher over the configured webhooks and Kafka topic. It returns nil when
// nothing is configured.
func New(r repo.Repo, cfg config.Relay, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		source:   r,
		interval: cfg.PollInterval,
		logger:   logger.With("component", "relay"),
		cursors:  make(map[int]int64),
	}
	for _, hook := range cfg.Webhooks {
		d.Add(NewWebhookSink(hook.URL, hook.Secret), hook.Events)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		d.Add(k, nil)
	}
	if len(d.targets) == 0 {
		return nil, nil
	}
	return d, nil
}

// Add registers a sink for the given event types; none means every type.
func (d *Dispatcher) Add(s Sink, types []string) {
	d.targets = append(d.targets, target{sink: s, filter: newEventFilter(types)})
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases sinks that hold broker connections.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, t := range d.targets {
		if c, ok := t.sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// DispatchOnce delivers everything each sink has not seen yet.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, t := range d.targets {
		d.dispatch(ctx, i, t)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, t target) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.source.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		d.logger.Error("fetch events failed", "sink", t.sink.Name(), "error", err)
		return
	}
	for _, evt := range events {
		if !t.filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := t.sink.Deliver(ctx, evt); err != nil {
			d.logger.Warn("delivery failed", "sink", t.sink.Name(), "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts new sinks at the current end of the log.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		d.logger.Error("init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// envelope is the wire form shared by all sinks.
type envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func encode(evt domain.AuditEvent) ([]byte, error) {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return json.Marshal(envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}
