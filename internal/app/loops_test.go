package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
	"cityflow/internal/engine"
	"cityflow/internal/insight"
	"cityflow/internal/notify"
	"cityflow/internal/repo"
)

func openSession(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunTicksFiresScheduleRuleOncePerCooldown(t *testing.T) {
	s := openSession(t)
	rec := &notify.Recorder{}
	e := s.Engine
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 8, 1, 0, 0, time.UTC) }
	e.Notifier = rec

	_, err := e.CreateRule(context.Background(), engine.RuleInput{
		Name:            "morning sweep",
		Enabled:         true,
		Trigger:         domain.TriggerSpec{Type: domain.TriggerSchedule, Time: "08:00", WindowMinutes: 5},
		Actions:         []domain.ActionSpec{{Type: domain.ActionNotification, Target: "ops", Message: "sweep"}},
		CooldownMinutes: 60,
	}, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, RunTicks(ctx, e, 10*time.Millisecond, s.Logger))

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].Target)
}

type staticProvider []domain.MaintenancePrediction

func (p staticProvider) Predictions(context.Context) ([]domain.MaintenancePrediction, error) {
	return p, nil
}

var _ insight.Provider = staticProvider(nil)

func TestPollInsightStoresPredictionsOnce(t *testing.T) {
	s := openSession(t)
	p := staticProvider{{ID: "P1", DeviceName: "pump 3", DeviceType: "pumps", Urgency: domain.UrgencyLow, RepairCost: 10, ReplaceCost: 20}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, PollInsight(ctx, s.Engine, p, 10*time.Millisecond, s.Logger))

	preds, err := s.Engine.ListPredictions(context.Background(), repo.PredictionFilters{})
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "P1", preds[0].ID)
}
