package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Event("paste", "accepted")
	m.Event("paste", "accepted")
	m.Violation("clipboard")
	m.EventLost()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionReleased()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("paste", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ViolationsTotal.WithLabelValues("clipboard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsLost))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Event("paste", "accepted")
		m.Flag("focus_loss", "created")
		m.DetectorFailure("gaze")
		m.StorageRetry("append_event")
		m.EventLost()
		m.Dropped("flags")
		m.SessionOpened()
		m.SessionReleased()
		m.ObserveProcessing(0.1)
	})
}

func TestUnregisteredMetrics(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Violation("gaze")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ViolationsTotal.WithLabelValues("gaze")))
}
