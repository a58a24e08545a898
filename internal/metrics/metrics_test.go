package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventReceived("traffic")
		m.RuleEvaluated("r1", "matched")
		m.ActionExecuted("email", nil)
		m.BatchItem("created")
		m.ReservationRetry()
	})
	assert.Nil(t, New(nil))
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.RuleEvaluated("r1", "matched")
	m.RuleEvaluated("r1", "matched")
	m.RuleEvaluated("r1", "suppressed")
	m.ActionExecuted("sms", errors.New("gateway down"))
	m.ReservationRetry()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("r1", "matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("r1", "suppressed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionsTotal.WithLabelValues("sms", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reservationRetries))
}
