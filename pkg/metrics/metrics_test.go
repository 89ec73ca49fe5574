package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshMetrics() *Metrics {
	return Init("test", "")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRecordScrape(t *testing.T) {
	m := freshMetrics()
	m.RecordScrape("pool-a", "Common", "ok", 10*time.Millisecond)
	assert.Equal(t, float64(1), counterValue(t, m.ScrapesTotal.WithLabelValues("pool-a", "Common", "ok")))
}

func TestRecordSelectionAndPoolMembers(t *testing.T) {
	m := freshMetrics()
	m.RecordSelection("pool-a", "Common", "selected")
	m.SetPoolMembers("pool-a", "Common", 3)

	assert.Equal(t, float64(1), counterValue(t, m.SelectionsTotal.WithLabelValues("pool-a", "Common", "selected")))
	assert.Equal(t, float64(3), gaugeValue(t, m.PoolMembers.WithLabelValues("pool-a", "Common")))
}

func TestRecordReloadStampsTimestampOnlyWhenApplied(t *testing.T) {
	m := freshMetrics()
	now := time.Unix(1_700_000_000, 0)

	m.RecordReload("rejected", now)
	assert.Equal(t, float64(0), gaugeValue(t, m.ConfigReloadApplied))

	m.RecordReload("applied", now)
	assert.Equal(t, float64(now.Unix()), gaugeValue(t, m.ConfigReloadApplied))
}

func TestTimerObserveDuration(t *testing.T) {
	m := freshMetrics()
	timer := NewTimer(m.ScoreCalcDuration, "pool-a", "Common", "s1")
	time.Sleep(time.Millisecond)
	d := timer.ObserveDuration()
	assert.Greater(t, d, time.Duration(0))
}

func TestRequestTrackerStartEnd(t *testing.T) {
	m := freshMetrics()
	gv := m.SelectionsInFlight
	tracker := NewRequestTracker(gv)

	tracker.Start("pool-a")
	assert.Equal(t, float64(1), gaugeValue(t, gv.WithLabelValues("pool-a")))

	tracker.End("pool-a")
	assert.Equal(t, float64(0), gaugeValue(t, gv.WithLabelValues("pool-a")))
}
