package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/config"
	"cityflow/internal/insight"
	"cityflow/internal/notify"
)

func TestOpenWithDefaults(t *testing.T) {
	ws := t.TempDir()
	s, err := Open(context.Background(), ws, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	assert.Equal(t, config.Default(), s.Config)
	settings, err := s.Engine.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.Config.Automation, settings)
	assert.Nil(t, s.InsightProvider())

	d, err := s.Relay()
	require.NoError(t, err)
	assert.Nil(t, d)
	c, err := s.Intake()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	yml := "insight:\n  url: http://insight.local/predictions\n"
	require.NoError(t, os.WriteFile(filepath.Join(ws, "cityflow.yml"), []byte(yml), 0o644))

	s, err := Open(context.Background(), ws, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p, ok := s.InsightProvider().(insight.HTTPProvider)
	require.True(t, ok)
	assert.Equal(t, "http://insight.local/predictions", p.URL)
}

func TestBuildNotifierRoutesConfiguredChannels(t *testing.T) {
	cfg := config.Default().Notify
	cfg.SMS.URL = "http://sms.local/send"
	cfg.Email.Host = "smtp.local"

	n, err := BuildNotifier(context.Background(), cfg, nil, slog.Default())
	require.NoError(t, err)
	router, ok := n.(notify.Router)
	require.True(t, ok)

	assert.IsType(t, notify.Retrying{}, router.Channels[notify.ChannelSMS])
	assert.IsType(t, notify.Retrying{}, router.Channels[notify.ChannelEmail])
	_, hasPush := router.Channels[notify.ChannelPush]
	assert.False(t, hasPush)
	assert.IsType(t, notify.LogNotifier{}, router.Fallback)
}
