package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cityflow/internal/domain"
)

var dayNumbers = map[string]string{
	"sun": "0", "sunday": "0",
	"mon": "1", "monday": "1",
	"tue": "2", "tuesday": "2",
	"wed": "3", "wednesday": "3",
	"thu": "4", "thursday": "4",
	"fri": "5", "friday": "5",
	"sat": "6", "saturday": "6",
}

// CronSpec returns the standard cron expression a schedule trigger fires on.
func CronSpec(t domain.ScheduleTrigger) (string, error) {
	if strings.TrimSpace(t.Cron) != "" {
		return strings.TrimSpace(t.Cron), nil
	}
	hh, mm, ok := strings.Cut(strings.TrimSpace(t.Time), ":")
	if !ok {
		return "", domain.ValidationError{Field: "trigger.time", Reason: fmt.Sprintf("expected HH:MM, got %q", t.Time)}
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return "", domain.ValidationError{Field: "trigger.time", Reason: fmt.Sprintf("bad hour in %q", t.Time)}
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", domain.ValidationError{Field: "trigger.time", Reason: fmt.Sprintf("bad minute in %q", t.Time)}
	}
	days := "*"
	if len(t.Days) > 0 {
		nums := make([]string, 0, len(t.Days))
		for _, d := range t.Days {
			n, ok := dayNumbers[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return "", domain.ValidationError{Field: "trigger.days", Reason: fmt.Sprintf("unknown day %q", d)}
			}
			nums = append(nums, n)
		}
		days = strings.Join(nums, ",")
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, days), nil
}

// ParseSchedule resolves the trigger into a cron schedule.
func ParseSchedule(t domain.ScheduleTrigger) (cron.Schedule, error) {
	spec, err := CronSpec(t)
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, domain.ValidationError{Field: "trigger.cron", Reason: err.Error()}
	}
	return sched, nil
}

// Window returns the width of the firing window; at least one minute.
func Window(t domain.ScheduleTrigger) time.Duration {
	if t.WindowMinutes <= 0 {
		return time.Minute
	}
	return time.Duration(t.WindowMinutes) * time.Minute
}

// InWindow reports whether ts falls within [start, start+window) of some activation of sched.
func InWindow(sched cron.Schedule, window time.Duration, ts time.Time) bool {
	// Next is strictly after its argument: an activation exactly one window ago is excluded.
	next := sched.Next(ts.Add(-window))
	return !next.After(ts)
}
