package accounting

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	stats HostStats
	err   error
}

func (h *fakeHost) Collect(context.Context) (HostStats, error) { return h.stats, h.err }

type env struct {
	store *meta.Store
	mgr   *lifecycle.Manager
	agg   *Aggregator
	host  *fakeHost
}

func newEnv(t *testing.T, metrics *Metrics) *env {
	t.Helper()
	eng := testutil.NewEngine(t)
	host := &fakeHost{stats: HostStats{DiskTotalBytes: 1000, DiskUsedBytes: 400, CPUUsagePercent: 12.5}}
	agg, err := New(Options{Store: eng.Store, Ledger: eng.Ledger, Host: host, Metrics: metrics, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return &env{store: eng.Store, mgr: eng.Manager, agg: agg, host: host}
}

func (e *env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"acme", "globex"} {
		_, err := e.mgr.CreateTenant(ctx, lifecycle.TenantSpec{ID: id, DisplayName: id, Quota: meta.QuotaLimits{MaxStorageBytes: 200}})
		require.NoError(t, err)
	}
	put := func(tenant, bucket, key string, size int) {
		_, err := e.mgr.PutObject(ctx, tenant, bucket, key, bytes.NewReader(make([]byte, size)), int64(size), lifecycle.PutOptions{})
		require.NoError(t, err)
	}
	_, err := e.mgr.CreateBucket(ctx, "acme", "photos", lifecycle.BucketOptions{
		Versioning: meta.VersioningEnabled,
		Config:     meta.BucketConfig{Encryption: []byte(`{"algorithm":"AES256"}`)},
	})
	require.NoError(t, err)
	_, err = e.mgr.CreateBucket(ctx, "acme", "logs", lifecycle.BucketOptions{})
	require.NoError(t, err)
	_, err = e.mgr.CreateBucket(ctx, "globex", "backups", lifecycle.BucketOptions{})
	require.NoError(t, err)

	put("acme", "photos", "a.jpg", 40)
	put("acme", "photos", "a.jpg", 60) // replaces the 40 byte version as current
	put("acme", "photos", "b.jpg", 20)
	put("acme", "logs", "today", 10)
	put("globex", "backups", "full.tar", 100)
}

func TestBucketSummaries(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t)

	rows, err := e.agg.BucketSummaries(context.Background(), Tenant("acme"))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byName := map[string]BucketSummary{}
	for _, r := range rows {
		byName[r.Name] = r
	}
	photos := byName["photos"]
	assert.Equal(t, "acme", photos.TenantID)
	assert.Equal(t, int64(2), photos.ObjectCount)
	assert.Equal(t, int64(80), photos.SizeBytes)
	assert.Equal(t, meta.VersioningEnabled, photos.VersioningStatus)
	assert.True(t, photos.EncryptionEnabled)
	assert.False(t, photos.CreationDate.IsZero())
	assert.False(t, byName["logs"].EncryptionEnabled)

	all, err := e.agg.BucketSummaries(context.Background(), AllTenants())
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := e.agg.BucketSummaries(context.Background(), Tenant("initech"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStorageMetrics(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t)

	sm, err := e.agg.StorageMetrics(context.Background(), AllTenants())
	require.NoError(t, err)
	assert.Equal(t, int64(3), sm.TotalBuckets)
	assert.Equal(t, int64(4), sm.TotalObjects)
	assert.Equal(t, int64(190), sm.TotalSizeBytes)
	assert.Equal(t, int64(47), sm.AverageObjectSize)

	top := sm.TopBuckets(2)
	require.Len(t, top, 2)
	assert.Equal(t, "backups", top[0].Name)
	assert.Equal(t, "photos", top[1].Name)
	assert.Len(t, sm.TopBuckets(10), 3)

	acme, err := e.agg.StorageMetrics(context.Background(), Tenant("acme"))
	require.NoError(t, err)
	assert.Equal(t, int64(90), acme.TotalSizeBytes)

	empty, err := e.agg.StorageMetrics(context.Background(), Tenant("initech"))
	require.NoError(t, err)
	assert.Zero(t, empty.AverageObjectSize)
}

func TestStorageMetricsSkipsPendingBuckets(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t)

	// Mark a bucket pending as an interrupted delete would leave it.
	require.NoError(t, e.store.Update(context.Background(), func(tx *meta.Tx) error {
		var b meta.Bucket
		if err := tx.GetJSON(meta.BucketKey("globex", "backups"), &b); err != nil {
			return err
		}
		now := time.Now()
		b.PendingDelete = &now
		return tx.PutJSON(meta.BucketKey("globex", "backups"), &b)
	}))

	sm, err := e.agg.StorageMetrics(context.Background(), AllTenants())
	require.NoError(t, err)
	assert.Equal(t, int64(2), sm.TotalBuckets)
	assert.Equal(t, int64(90), sm.TotalSizeBytes)
}

func TestSystemStorageMetrics(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t)

	sys, err := e.agg.SystemStorageMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(190), sys.Storage.TotalSizeBytes)
	assert.InDelta(t, 19.0, sys.StorageUsedPercent, 0.001)
	assert.Equal(t, 12.5, sys.Host.CPUUsagePercent)
	assert.Positive(t, sys.Goroutines)

	// Host failures degrade to zeros rather than failing the query
	e.host.stats, e.host.err = HostStats{}, errors.New("statfs failed")
	sys, err = e.agg.SystemStorageMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sys.StorageUsedPercent)
	assert.Equal(t, int64(190), sys.Storage.TotalSizeBytes)
}

func TestRefreshUpdatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	e := newEnv(t, metrics)
	e.seed(t)

	require.NoError(t, e.agg.Refresh(context.Background()))

	assert.Equal(t, 3.0, promtestutil.ToFloat64(metrics.BucketsTotal))
	assert.Equal(t, 4.0, promtestutil.ToFloat64(metrics.ObjectsTotal))
	assert.Equal(t, 190.0, promtestutil.ToFloat64(metrics.StorageBytes))
	assert.Equal(t, 1000.0, promtestutil.ToFloat64(metrics.VolumeTotalBytes))
	assert.Equal(t, 90.0, promtestutil.ToFloat64(metrics.TenantStorageBytes.WithLabelValues("acme")))
	assert.Equal(t, 45.0, promtestutil.ToFloat64(metrics.TenantQuotaUsedPct.WithLabelValues("acme")))
	assert.Equal(t, 50.0, promtestutil.ToFloat64(metrics.TenantQuotaUsedPct.WithLabelValues("globex")))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(metrics.TenantBuckets.WithLabelValues("acme")))

	// Deleted tenants drop out of the per-tenant series
	_, err := e.mgr.DeleteTenant(context.Background(), "globex", true)
	require.NoError(t, err)
	require.NoError(t, e.agg.Refresh(context.Background()))
	assert.Equal(t, 1, promtestutil.CollectAndCount(metrics.TenantStorageBytes))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(metrics.BucketsTotal))
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
