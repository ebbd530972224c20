package maintenance

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/maxiofs/maxiofs/internal/accounting"
	"github.com/maxiofs/maxiofs/internal/blob"
	"github.com/maxiofs/maxiofs/internal/config"
	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/metrics"
	"github.com/maxiofs/maxiofs/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quietConfig schedules every job an hour out so tests run them by hand.
func quietConfig() config.MaintenanceConfig {
	return config.MaintenanceConfig{
		RecomputeInterval: time.Hour,
		MetricsInterval:   time.Hour,
		PurgeInterval:     time.Hour,
		ResumeInterval:    time.Hour,
		ReservationMaxAge: time.Hour,
	}
}

func newScheduler(t *testing.T, eng *testutil.Engine, cfg config.MaintenanceConfig, agg *accounting.Aggregator) (*Scheduler, *metrics.JobMetrics) {
	t.Helper()
	jm := metrics.NewJobMetrics(prometheus.NewRegistry())
	s, err := New(Options{
		Manager:    eng.Manager,
		Aggregator: agg,
		Config:     cfg,
		Metrics:    jm,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, jm
}

func seedTenant(t *testing.T, eng *testutil.Engine) {
	t.Helper()
	ctx := context.Background()
	_, err := eng.Manager.CreateTenant(ctx, lifecycle.TenantSpec{ID: "acme", DisplayName: "Acme"})
	require.NoError(t, err)
	_, err = eng.Manager.CreateBucket(ctx, "acme", "photos", lifecycle.BucketOptions{Versioning: meta.VersioningEnabled})
	require.NoError(t, err)
	_, err = eng.Manager.PutObject(ctx, "acme", "photos", "a.jpg", strings.NewReader("0123456789"), 10, lifecycle.PutOptions{})
	require.NoError(t, err)
}

func TestNewSchedulesEnabledJobs(t *testing.T) {
	eng := testutil.NewEngine(t)
	agg, err := accounting.New(accounting.Options{Store: eng.Store, Ledger: eng.Ledger, Logger: zerolog.Nop()})
	require.NoError(t, err)

	cfg := quietConfig()
	cfg.NoncurrentVersionExpiry = 24 * time.Hour
	s, _ := newScheduler(t, eng, cfg, agg)
	assert.Equal(t, []string{JobExpireVersions, JobMetrics, JobPurge, JobRecompute, JobReservations, JobResume}, s.Jobs())

	cfg = quietConfig()
	cfg.PurgeInterval = -1
	s, _ = newScheduler(t, eng, cfg, nil)
	assert.Equal(t, []string{JobRecompute, JobReservations, JobResume}, s.Jobs())
}

func TestNewRequiresManager(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRunUnknownJob(t *testing.T) {
	eng := testutil.NewEngine(t)
	s, _ := newScheduler(t, eng, quietConfig(), nil)

	err := s.Run(context.Background(), JobMetrics)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunRecomputeRepairsDrift(t *testing.T) {
	eng := testutil.NewEngine(t)
	seedTenant(t, eng)
	ctx := context.Background()

	require.NoError(t, eng.Store.Update(ctx, func(tx *meta.Tx) error {
		return tx.PutJSON(meta.LedgerKey("acme"), meta.LedgerEntry{StorageBytes: 9999, ObjectCount: 7, BucketCount: 1})
	}))

	s, jm := newScheduler(t, eng, quietConfig(), nil)
	require.NoError(t, s.Run(ctx, JobRecompute))

	usage, err := eng.Ledger.Usage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.CurrentStorageBytes)
	assert.Equal(t, int64(1), usage.CurrentObjects)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(jm.Runs.WithLabelValues(JobRecompute, "ok")))
}

func TestRunPurgeDrainsQueue(t *testing.T) {
	eng := testutil.NewEngine(t)
	ctx := context.Background()

	_, err := eng.Blobs.Put(ctx, "orphan-1", bytes.NewReader([]byte("stale")), blob.PutOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Store.Update(ctx, func(tx *meta.Tx) error {
		return tx.PutJSON(meta.PurgeKey("orphan-1"), meta.PurgeEntry{Location: "orphan-1", QueuedAt: time.Now()})
	}))

	s, _ := newScheduler(t, eng, quietConfig(), nil)
	require.NoError(t, s.Run(ctx, JobPurge))

	assert.False(t, eng.Blobs.Has("orphan-1"))
	n := 0
	require.NoError(t, eng.Store.View(ctx, func(tx *meta.Tx) error {
		var err error
		n, err = tx.Count(meta.PurgePrefix())
		return err
	}))
	assert.Zero(t, n)
}

func TestRunReservationsRollsBackStale(t *testing.T) {
	eng := testutil.NewEngine(t)
	seedTenant(t, eng)
	ctx := context.Background()

	_, err := eng.Ledger.Reserve(ctx, "acme", 500, 1)
	require.NoError(t, err)

	cfg := quietConfig()
	cfg.ReservationMaxAge = time.Nanosecond
	s, _ := newScheduler(t, eng, cfg, nil)
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Run(ctx, JobReservations))

	var entry meta.LedgerEntry
	require.NoError(t, eng.Store.View(ctx, func(tx *meta.Tx) error {
		entry, err = eng.Ledger.Entry(tx, "acme")
		return err
	}))
	assert.Zero(t, entry.PendingBytes)
	assert.Zero(t, entry.PendingObjects)
	assert.Equal(t, int64(10), entry.StorageBytes)
}

func TestRunMetricsRefresh(t *testing.T) {
	eng := testutil.NewEngine(t)
	seedTenant(t, eng)

	am := accounting.NewMetrics(prometheus.NewRegistry())
	agg, err := accounting.New(accounting.Options{Store: eng.Store, Ledger: eng.Ledger, Metrics: am, Logger: zerolog.Nop()})
	require.NoError(t, err)

	s, _ := newScheduler(t, eng, quietConfig(), agg)
	require.NoError(t, s.Run(context.Background(), JobMetrics))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(am.BucketsTotal))
	assert.Equal(t, 10.0, promtestutil.ToFloat64(am.StorageBytes))
}

func TestRunExpireVersions(t *testing.T) {
	eng := testutil.NewEngine(t)
	seedTenant(t, eng)
	ctx := context.Background()

	// Overwrite so the first version becomes noncurrent
	_, err := eng.Manager.PutObject(ctx, "acme", "photos", "a.jpg", strings.NewReader("abc"), 3, lifecycle.PutOptions{})
	require.NoError(t, err)

	cfg := quietConfig()
	cfg.NoncurrentVersionExpiry = time.Nanosecond
	s, _ := newScheduler(t, eng, cfg, nil)
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Run(ctx, JobExpireVersions))

	versions, err := eng.Manager.ListObjectVersions(ctx, "acme", "photos", "")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(3), versions[0].Size)
}

func TestRunRecoversPanic(t *testing.T) {
	eng := testutil.NewEngine(t)
	s, jm := newScheduler(t, eng, quietConfig(), nil)
	s.jobs["boom"] = func(context.Context) error { panic("kaboom") }

	err := s.Run(context.Background(), "boom")
	assert.ErrorContains(t, err, "kaboom")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(jm.Runs.WithLabelValues("boom", "error")))
}

func TestStartRunsJobs(t *testing.T) {
	eng := testutil.NewEngine(t)
	cfg := quietConfig()
	cfg.PurgeInterval = 20 * time.Millisecond
	s, jm := newScheduler(t, eng, cfg, nil)

	s.Start()
	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(jm.Runs.WithLabelValues(JobPurge, "ok")) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Shutdown())
}
