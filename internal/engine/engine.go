// Package engine coordinates rule evaluation, task materialization and permit workflows
// against the entity store.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cityflow/internal/config"
	"cityflow/internal/cooldown"
	"cityflow/internal/domain"
	"cityflow/internal/events"
	"cityflow/internal/metrics"
	"cityflow/internal/notify"
	"cityflow/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Claimer  cooldown.Claimer
	// ReserveRetries bounds how often a reservation that lost a stock race is retried.
	ReserveRetries uint64
	// RetryInterval is the first backoff delay between reservation attempts.
	RetryInterval time.Duration
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:             db,
		Repo:           r,
		Events:         events.Writer{DB: db},
		Config:         cfg,
		Now:            time.Now,
		Logger:         slog.Default().With("component", "engine"),
		Notifier:       notify.LogNotifier{},
		Claimer:        cooldown.SQLClaimer{Repo: r},
		ReserveRetries: 3,
		RetryInterval:  20 * time.Millisecond,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) notifier() notify.Notifier {
	if e.Notifier != nil {
		return e.Notifier
	}
	return notify.LogNotifier{Logger: e.logger()}
}

func (e Engine) claimer() cooldown.Claimer {
	if e.Claimer != nil {
		return e.Claimer
	}
	return cooldown.SQLClaimer{Repo: e.Repo}
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// Settings returns the automation settings stored in the workspace, falling back to the
// config file.
func (e Engine) Settings(ctx context.Context) (domain.AutomationSettings, error) {
	s, err := e.Repo.GetAutomationSettings(ctx)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return s, err
	}
	if e.Config != nil {
		return e.Config.Automation, nil
	}
	return domain.DefaultAutomationSettings(), nil
}

func (e Engine) UpdateSettings(ctx context.Context, s domain.AutomationSettings, actorID string) (domain.AutomationSettings, error) {
	if err := s.Validate(); err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.PutAutomationSettings(ctx, tx, s, e.now()); err != nil {
		return s, fmt.Errorf("store settings: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.SettingsUpdated, "settings", "automation", actorID, events.EventPayload{
		"auto_create_tasks":       s.AutoCreateTasks,
		"auto_assign_technicians": s.AutoAssignTechnicians,
		"auto_reserve_parts":      s.AutoReserveParts,
		"notify_on_creation":      s.NotifyOnCreation,
		"priority_threshold":      s.PriorityThreshold,
		"schedule_buffer_days":    s.ScheduleBufferDays,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}
