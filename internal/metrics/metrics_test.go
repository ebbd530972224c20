package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestJobMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetrics(reg)

	m.Observe("recompute", 20*time.Millisecond, nil)
	m.Observe("recompute", 10*time.Millisecond, nil)
	m.Observe("purge", time.Millisecond, errors.New("blob store offline"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Runs.WithLabelValues("recompute", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("purge", "error")))
	assert.Positive(t, testutil.ToFloat64(m.LastSuccess.WithLabelValues("recompute")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Duration))

	// A failed run never sets the success timestamp
	assert.Equal(t, 1, testutil.CollectAndCount(m.LastSuccess))
}

func TestJobMetricsNil(t *testing.T) {
	var m *JobMetrics
	assert.NotPanics(t, func() { m.Observe("recompute", time.Second, nil) })
}

func TestInitBuildInfo(t *testing.T) {
	reg := prometheus.NewRegistry()
	InitBuildInfo(reg, "1.2.3")

	n, err := testutil.GatherAndCount(reg, "maxiofs_build_info")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
