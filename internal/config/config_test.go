package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, domain.DefaultAutomationSettings(), cfg.Automation)
	assert.Equal(t, 10*time.Second, cfg.Notify.Timeout)
	assert.Equal(t, CooldownSQL, cfg.Cooldown.Backend)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("automation:\n  priority_threshold: critical\n  auto_reserve_parts: false\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.ThresholdCritical, cfg.Automation.PriorityThreshold)
	assert.False(t, cfg.Automation.AutoReserveParts)
	assert.True(t, cfg.Automation.AutoAssignTechnicians)
	assert.Equal(t, 1, cfg.Automation.ScheduleBufferDays)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"threshold":    "automation:\n  priority_threshold: urgent\n",
		"buffer":       "automation:\n  schedule_buffer_days: -1\n",
		"backend":      "cooldown:\n  backend: memcached\n",
		"redis addr":   "cooldown:\n  backend: redis\n",
		"webhook url":  "relay:\n  webhooks:\n    - events: [task.created]\n",
		"kafka topic":  "relay:\n  kafka:\n    brokers: [localhost:9092]\n",
		"amqp queue":   "intake:\n  amqp_url: amqp://localhost\n",
		"email from":   "notify:\n  email:\n    host: smtp.example.org\n",
		"invalid yaml": "automation: [",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cityflow.yml"), []byte("notify:\n  dispatch: night-shift\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "night-shift", cfg.Notify.Dispatch)
}
