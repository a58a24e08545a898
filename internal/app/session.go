// Package app assembles the engine and its collaborators for a workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cityflow/internal/config"
	"cityflow/internal/cooldown"
	"cityflow/internal/db"
	"cityflow/internal/engine"
	"cityflow/internal/insight"
	"cityflow/internal/intake"
	"cityflow/internal/metrics"
	"cityflow/internal/migrate"
	"cityflow/internal/notify"
	"cityflow/internal/relay"
)

// Session owns an open workspace: its database, config, engine and metric registry.
type Session struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Registry  *prometheus.Registry
	Logger    *slog.Logger

	closers []func() error
}

// Open loads the workspace config (defaults when absent), migrates the database and wires
// notifications and the cooldown backend into a ready engine.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Session{Workspace: workspace, DB: conn, Config: cfg, Logger: logger}
	s.closers = append(s.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e := engine.New(conn, cfg)
	e.Logger = logger.With("component", "engine")
	e.Metrics = metrics.New(s.Registry)
	e.Notifier, err = BuildNotifier(ctx, cfg.Notify, e.Metrics, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	if cfg.Cooldown.Backend == config.CooldownRedis {
		rc := cfg.Cooldown.Redis
		claimer, client, err := cooldown.NewRedisClaimer(rc.Addr, rc.Password, rc.DB, rc.Prefix, e.Repo)
		if err != nil {
			s.Close()
			return nil, err
		}
		e.Claimer = claimer
		s.closers = append(s.closers, client.Close)
	}
	s.Engine = e
	return s, nil
}

// Close releases everything the session opened, newest first.
func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// BuildNotifier routes each configured channel through a retrying sender. Channels without
// configuration fall back to the log.
func BuildNotifier(ctx context.Context, cfg config.Notify, m *metrics.Metrics, logger *slog.Logger) (notify.Notifier, error) {
	retrying := func(n notify.Notifier) notify.Notifier {
		return notify.Retrying{Next: n, Timeout: cfg.Timeout, MaxRetries: cfg.Retries, Metrics: m}
	}
	router := notify.Router{
		Channels: map[notify.Channel]notify.Notifier{},
		Fallback: notify.LogNotifier{Logger: logger.With("component", "notify")},
	}
	if cfg.Email.Host != "" {
		router.Channels[notify.ChannelEmail] = retrying(notify.NewEmailNotifier(cfg.Email.Host, cfg.Email.Port, cfg.Email.Username, cfg.Email.Password, cfg.Email.From))
	}
	if cfg.SMS.URL != "" {
		router.Channels[notify.ChannelSMS] = retrying(notify.SMSNotifier{URL: cfg.SMS.URL, APIKey: cfg.SMS.APIKey, Sender: cfg.SMS.Sender})
	}
	if cfg.Push.CredentialsFile != "" {
		push, err := notify.NewPushNotifier(ctx, cfg.Push.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("push notifier: %w", err)
		}
		router.Channels[notify.ChannelPush] = retrying(push)
	}
	return router, nil
}

// InsightProvider returns the configured prediction source, or nil when none is set.
func (s *Session) InsightProvider() insight.Provider {
	if s.Config.Insight.URL == "" {
		return nil
	}
	return insight.HTTPProvider{URL: s.Config.Insight.URL, Token: s.Config.Insight.Token, Timeout: s.Config.Insight.Timeout}
}

// Relay builds the audit relay, or nil when no subscriber is configured.
func (s *Session) Relay() (*relay.Dispatcher, error) {
	d, err := relay.New(s.Engine.Repo, s.Config.Relay, s.Logger)
	if err != nil || d == nil {
		return nil, err
	}
	s.closers = append(s.closers, d.Close)
	return d, nil
}

// Intake connects the broker consumer, or returns nil when no broker is configured.
func (s *Session) Intake() (*intake.Consumer, error) {
	if s.Config.Intake.AMQPURL == "" {
		return nil, nil
	}
	c, err := intake.Dial(s.Config.Intake, s.Engine, s.Logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, c.Close)
	return c, nil
}
