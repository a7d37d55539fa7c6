package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Fetch("a", OutcomeOK)
	m.Fetch("a", OutcomeOK)
	m.Fetch("a", OutcomeCacheHit)
	m.Retry("a")
	m.Callback()
	m.Run("xkcd", nil)
	m.Run("xkcd", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetches.WithLabelValues("a", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("a", OutcomeCacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("xkcd", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("xkcd", "failed")))
}

func TestMetricsInFlight(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RequestStarted()
	m.RequestStarted()
	m.RequestFinished()
	m.ObserveRequest("a", 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Fetch("a", OutcomeOK)
		m.Retry("a")
		m.ObserveRequest("a", time.Second)
		m.RequestStarted()
		m.RequestFinished()
		m.Callback()
		m.Run("f", nil)
	})
}
