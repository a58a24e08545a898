package rules

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func metric(v float64) *float64 { return &v }

func ids(rs []domain.Rule) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func alertRule(id, category string) domain.Rule {
	return domain.Rule{
		ID:      id,
		Name:    id,
		Enabled: true,
		Trigger: domain.AlertTrigger{Category: category},
		Actions: []domain.Action{domain.NotificationAction{Target: "ops"}},
	}
}

func TestEvaluateSkipsDisabledRules(t *testing.T) {
	r1 := alertRule("r1", "traffic")
	r1.Enabled = false
	r2 := domain.Rule{ID: "r2", Trigger: domain.ThresholdTrigger{Condition: "> 0"}}
	r3 := domain.Rule{ID: "r3", Trigger: domain.EventTrigger{Name: "door_open"}}

	events := []domain.Event{
		{Category: "traffic", Timestamp: now},
		{Category: "traffic", Metric: "speed", MetricValue: metric(100), Timestamp: now},
		{Name: "door_open", Timestamp: now},
	}
	for _, ev := range events {
		res := Evaluate(ev, []domain.Rule{r1, r2, r3}, now)
		assert.Empty(t, res.Matched)
		assert.Empty(t, res.Suppressed)
		assert.Empty(t, res.Errors)
	}
}

func TestEvaluateCooldownBoundary(t *testing.T) {
	r := alertRule("r1", "traffic")
	r.CooldownMinutes = 10
	last := now.Add(-5 * time.Minute)
	r.LastExecutedAt = &last

	ev := domain.Event{Category: "traffic", Timestamp: now}
	res := Evaluate(ev, []domain.Rule{r}, now)
	assert.Empty(t, res.Matched)
	assert.Equal(t, []string{"r1"}, ids(res.Suppressed))

	// exactly at the cooldown the rule fires again
	atBoundary := last.Add(10 * time.Minute)
	res = Evaluate(ev, []domain.Rule{r}, atBoundary)
	assert.Equal(t, []string{"r1"}, ids(res.Matched))

	res = Evaluate(ev, []domain.Rule{r}, atBoundary.Add(-time.Nanosecond))
	assert.Empty(t, res.Matched)
}

func TestEvaluateZeroCooldownNeverSuppresses(t *testing.T) {
	r := alertRule("r1", "traffic")
	r.LastExecutedAt = &now
	res := Evaluate(domain.Event{Category: "traffic"}, []domain.Rule{r}, now)
	assert.Equal(t, []string{"r1"}, ids(res.Matched))
}

func TestEvaluateKeepsInsertionOrder(t *testing.T) {
	rs := []domain.Rule{alertRule("c", "water"), alertRule("a", "water"), alertRule("b", ""), alertRule("d", "power")}
	res := Evaluate(domain.Event{Category: "water"}, rs, now)
	assert.Equal(t, []string{"c", "a", "b"}, ids(res.Matched))
}

func TestEvaluateIsolatesMalformedCondition(t *testing.T) {
	bad := domain.Rule{ID: "bad", Enabled: true, Trigger: domain.ThresholdTrigger{Condition: "temperature >> hot"}}
	good := domain.Rule{ID: "good", Enabled: true, Trigger: domain.ThresholdTrigger{Condition: "temperature >= 40"}}

	ev := domain.Event{Metric: "temperature", MetricValue: metric(41), Timestamp: now}
	res := Evaluate(ev, []domain.Rule{bad, good}, now)
	assert.Equal(t, []string{"good"}, ids(res.Matched))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "bad", res.Errors[0].RuleID)

	var ve domain.ValidationError
	assert.True(t, errors.As(res.Errors[0], &ve))
}

func TestThresholdTrigger(t *testing.T) {
	tests := []struct {
		name  string
		trig  domain.ThresholdTrigger
		event domain.Event
		want  bool
	}{
		{"above", domain.ThresholdTrigger{Condition: "> 80"}, domain.Event{MetricValue: metric(81)}, true},
		{"equal is not above", domain.ThresholdTrigger{Condition: "> 80"}, domain.Event{MetricValue: metric(80)}, false},
		{"at or above", domain.ThresholdTrigger{Condition: ">= 80"}, domain.Event{MetricValue: metric(80)}, true},
		{"below", domain.ThresholdTrigger{Condition: "<20"}, domain.Event{MetricValue: metric(19.5)}, true},
		{"not equal", domain.ThresholdTrigger{Condition: "!= 0"}, domain.Event{MetricValue: metric(0)}, false},
		{"missing value", domain.ThresholdTrigger{Condition: "> 1"}, domain.Event{}, false},
		{"named metric", domain.ThresholdTrigger{Condition: "aqi > 150"}, domain.Event{Metric: "aqi", MetricValue: metric(151)}, true},
		{"other metric", domain.ThresholdTrigger{Condition: "aqi > 150"}, domain.Event{Metric: "noise", MetricValue: metric(151)}, false},
		{"category mismatch", domain.ThresholdTrigger{Category: "air", Condition: "> 1"}, domain.Event{Category: "water", MetricValue: metric(5)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Applies(tt.trig, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseConditionErrors(t *testing.T) {
	for _, expr := range []string{"", "80", "> high", "a b > 1", "temperature => 3"} {
		_, err := ParseCondition(expr)
		assert.Error(t, err, expr)
	}
}

func TestAlertTriggerSeverity(t *testing.T) {
	trig := domain.AlertTrigger{Category: "security", Severity: "critical"}
	ok, err := Applies(trig, domain.Event{Category: "Security", Severity: "critical"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Applies(trig, domain.Event{Category: "security", Severity: "low"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleTriggerWindow(t *testing.T) {
	// 2024-01-01 is a Monday.
	trig := domain.ScheduleTrigger{Time: "08:00", Days: []string{"mon", "wed"}, WindowMinutes: 30}
	at := func(h, m int) domain.Event {
		return domain.Event{Kind: domain.EventTick, Timestamp: time.Date(2024, 1, 1, h, m, 0, 0, time.UTC)}
	}

	cases := map[string]struct {
		ev   domain.Event
		want bool
	}{
		"window opens":     {at(8, 0), true},
		"inside window":    {at(8, 29), true},
		"window closed":    {at(8, 30), false},
		"before window":    {at(7, 59), false},
		"wrong day":        {domain.Event{Kind: domain.EventTick, Timestamp: time.Date(2024, 1, 2, 8, 10, 0, 0, time.UTC)}, false},
		"second day match": {domain.Event{Kind: domain.EventTick, Timestamp: time.Date(2024, 1, 3, 8, 10, 0, 0, time.UTC)}, true},
		"alert in window":  {domain.Event{Kind: domain.EventAlert, Timestamp: time.Date(2024, 1, 1, 8, 10, 0, 0, time.UTC)}, false},
		"metric in window": {domain.Event{Kind: domain.EventMetric, Metric: "speed", MetricValue: metric(10), Timestamp: time.Date(2024, 1, 1, 8, 10, 0, 0, time.UTC)}, false},
	}
	for name, tc := range cases {
		got, err := Applies(trig, tc.ev)
		require.NoError(t, err, name)
		assert.Equal(t, tc.want, got, name)
	}
}

func TestScheduleTriggerCronOverride(t *testing.T) {
	trig := domain.ScheduleTrigger{Cron: "*/15 * * * *"}
	ok, err := Applies(trig, domain.Event{Kind: domain.EventTick, Timestamp: time.Date(2024, 1, 1, 9, 45, 20, 0, time.UTC)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Applies(trig, domain.Event{Kind: domain.EventTick, Timestamp: time.Date(2024, 1, 1, 9, 46, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleTriggerBadTime(t *testing.T) {
	_, err := Applies(domain.ScheduleTrigger{Time: "25:00"}, domain.Event{Timestamp: now})
	assert.Error(t, err)
	_, err = Applies(domain.ScheduleTrigger{Time: "08:00", Days: []string{"someday"}}, domain.Event{Timestamp: now})
	assert.Error(t, err)
}

func TestAlertTriggerIgnoresOtherKinds(t *testing.T) {
	triggers := map[string]domain.AlertTrigger{
		"any":     {},
		"traffic": {Category: "traffic"},
	}
	cases := map[string]struct {
		ev   domain.Event
		want bool
	}{
		"tick":          {domain.Event{Kind: domain.EventTick, Category: "schedule", Timestamp: now}, false},
		"metric":        {domain.Event{Kind: domain.EventMetric, Category: "traffic", Metric: "speed", MetricValue: metric(10)}, false},
		"permit":        {domain.Event{Kind: domain.EventNamed, Category: "permits", Name: "permit.review"}, false},
		"alert":         {domain.Event{Kind: domain.EventAlert, Category: "traffic"}, true},
		"alert (upper)": {domain.Event{Kind: "ALERT", Category: "traffic"}, true},
		"kindless":      {domain.Event{Category: "traffic"}, true},
	}
	for tname, trig := range triggers {
		for name, tc := range cases {
			got, err := Applies(trig, tc.ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got, "%s trigger, %s event", tname, name)
		}
	}
}

func TestScheduleTriggerFiresOncePerWindowWithoutCooldown(t *testing.T) {
	r := domain.Rule{ID: "morning", Enabled: true, Trigger: domain.ScheduleTrigger{Time: "08:00", WindowMinutes: 5}}
	at := time.Date(2024, 1, 1, 8, 2, 0, 0, time.UTC)
	fired := 0
	for _, ev := range []domain.Event{
		{Kind: domain.EventTick, Category: "schedule", Timestamp: at},
		{Kind: domain.EventAlert, Category: "traffic", Timestamp: at},
		{Kind: domain.EventMetric, Metric: "speed", MetricValue: metric(10), Timestamp: at},
	} {
		fired += len(Evaluate(ev, []domain.Rule{r}, at).Matched)
	}
	assert.Equal(t, 1, fired)
}

func TestEventTrigger(t *testing.T) {
	trig := domain.EventTrigger{Name: "permit.submitted"}
	ok, _ := Applies(trig, domain.Event{Name: "permit.submitted"})
	assert.True(t, ok)
	ok, _ = Applies(trig, domain.Event{Name: "permit.issued"})
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	r := alertRule("r1", "traffic")
	assert.NoError(t, Validate(r))

	noActions := r
	noActions.Actions = nil
	assert.Error(t, Validate(noActions))
	noActions.Enabled = false
	assert.NoError(t, Validate(noActions))

	negative := r
	negative.CooldownMinutes = -1
	assert.Error(t, Validate(negative))

	badCond := r
	badCond.Trigger = domain.ThresholdTrigger{Condition: "bogus"}
	assert.Error(t, Validate(badCond))
}
