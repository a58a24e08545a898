package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cityflow/internal/domain"
	"cityflow/internal/engine"
	"cityflow/internal/insight"
)

const systemActor = "system"

// RunTicks sends a tick event every interval so schedule rules get evaluated.
// It returns when ctx is done.
func RunTicks(ctx context.Context, e engine.Engine, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := e.HandleEvent(ctx, domain.Event{Kind: domain.EventTick, Category: "schedule"}, systemActor)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				logger.Warn("tick failed", "err", err)
				continue
			}
			if len(report.Fired) > 0 {
				logger.Debug("tick fired rules", "count", len(report.Fired))
			}
		}
	}
}

// PollInsight pulls predictions from p every interval and ingests them.
func PollInsight(ctx context.Context, e engine.Engine, p insight.Provider, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := e.IngestFromProvider(ctx, p, systemActor)
			if err != nil {
				logger.Warn("insight poll failed", "err", err)
				continue
			}
			logger.Info("insight poll", "received", report.Received, "stored", report.Stored, "duplicate", report.Duplicate)
		}
	}
}
