package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseActionFlag(t *testing.T) {
	spec, err := parseActionFlag("email:ops@city.gov:Leak at: station 4")
	require.NoError(t, err)
	assert.Equal(t, "email", spec.Type)
	assert.Equal(t, "ops@city.gov", spec.Target)
	assert.Equal(t, "Leak at: station 4", spec.Message)

	spec, err = parseActionFlag("automation")
	require.NoError(t, err)
	assert.Empty(t, spec.Target)

	_, err = parseActionFlag(":x")
	assert.Error(t, err)
}

func TestRuleDocInput(t *testing.T) {
	src := `
rules:
  - name: pump overheating
    trigger:
      type: threshold
      metric: temperature
      condition: "> 80"
    actions:
      - type: automation
        payload:
          device_name: pump 3
          urgency: critical
    cooldown_minutes: 15
  - name: night sweep
    enabled: false
    trigger: {type: schedule, time: "02:00", window_minutes: 10}
    actions: [{type: notification, target: night-shift}]
`
	var doc struct {
		Rules []ruleDoc `yaml:"rules"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.Len(t, doc.Rules, 2)

	in, err := doc.Rules[0].input()
	require.NoError(t, err)
	assert.True(t, in.Enabled)
	assert.Equal(t, "> 80", in.Trigger.Condition)
	require.Len(t, in.Actions, 1)
	assert.JSONEq(t, `{"device_name":"pump 3","urgency":"critical"}`, string(in.Actions[0].Payload))

	in, err = doc.Rules[1].input()
	require.NoError(t, err)
	assert.False(t, in.Enabled)
	assert.Equal(t, 10, in.Trigger.WindowMinutes)
	assert.Empty(t, in.Actions[0].Payload)
}
