// Package accounting serves the read side of the metadata engine: bucket
// listings, storage totals and host capacity figures for dashboards.
//
// Bucket aggregates are maintained by the lifecycle manager inside the same
// transaction as every object mutation, so queries here read them directly.
// Each query runs in one read transaction and never sees a half-applied
// mutation.
package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/rs/zerolog"
)

// Scope selects the buckets a query covers.
type Scope struct {
	TenantID string
	// All covers every tenant and the global scope; TenantID is ignored.
	All bool
}

// AllTenants covers every bucket in the store.
func AllTenants() Scope { return Scope{All: true} }

// Tenant covers one tenant's buckets. An empty id is the global scope.
func Tenant(id string) Scope { return Scope{TenantID: id} }

func (s Scope) prefix() string {
	if s.All {
		return meta.AllBucketsPrefix()
	}
	return meta.BucketPrefix(s.TenantID)
}

// BucketSummary is one row of the bucket listing.
type BucketSummary struct {
	Name              string                `json:"name"`
	TenantID          string                `json:"tenantId"`
	CreationDate      time.Time             `json:"creationDate"`
	ObjectCount       int64                 `json:"objectCount"`
	SizeBytes         int64                 `json:"sizeBytes"`
	VersioningStatus  meta.VersioningStatus `json:"versioningStatus"`
	EncryptionEnabled bool                  `json:"encryptionEnabled"`
}

// BucketMetric is the per-bucket breakdown of StorageMetrics.
type BucketMetric struct {
	Name        string `json:"name"`
	TenantID    string `json:"tenantId"`
	ObjectCount int64  `json:"objectCount"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// StorageMetrics are the totals over a scope.
type StorageMetrics struct {
	TotalBuckets      int64          `json:"totalBuckets"`
	TotalObjects      int64          `json:"totalObjects"`
	TotalSizeBytes    int64          `json:"totalSizeBytes"`
	AverageObjectSize int64          `json:"averageObjectSize"`
	BucketMetrics     []BucketMetric `json:"bucketMetrics"`
	Timestamp         time.Time      `json:"timestamp"`
}

// TopBuckets returns up to n buckets ordered by size, largest first.
func (s *StorageMetrics) TopBuckets(n int) []BucketMetric {
	out := make([]BucketMetric, len(s.BucketMetrics))
	copy(out, s.BucketMetrics)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SizeBytes != out[j].SizeBytes {
			return out[i].SizeBytes > out[j].SizeBytes
		}
		return out[i].Name < out[j].Name
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// SystemMetrics combines storage totals with host figures.
type SystemMetrics struct {
	Storage StorageMetrics `json:"storage"`
	Host    HostStats      `json:"host"`
	// StorageUsedPercent is TotalSizeBytes over the disk capacity, or zero
	// when the capacity is unknown.
	StorageUsedPercent float64 `json:"storageUsedPercent"`
	BlobBytes          int64   `json:"blobBytes"`
	PurgeQueueLength   int     `json:"purgeQueueLength"`
	Goroutines         int     `json:"goroutines"`
	HeapAllocBytes     uint64  `json:"heapAllocBytes"`
}

// DiskUsage reports the bytes held by a blob store.
type DiskUsage interface {
	DiskUsage(ctx context.Context) (int64, error)
}

// Options configures an Aggregator.
type Options struct {
	Store  *meta.Store
	Ledger *quota.Ledger
	// Host collects host figures. Nil reports zeros.
	Host HostCollector
	// Blobs, when set, contributes the on-disk size of stored content.
	Blobs   DiskUsage
	Metrics *Metrics
	Logger  zerolog.Logger
}

// Aggregator answers summary queries.
type Aggregator struct {
	store   *meta.Store
	ledger  *quota.Ledger
	host    HostCollector
	blobs   DiskUsage
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an Aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Store == nil || opts.Ledger == nil {
		return nil, fmt.Errorf("accounting: store and ledger are required")
	}
	return &Aggregator{
		store:   opts.Store,
		ledger:  opts.Ledger,
		host:    opts.Host,
		blobs:   opts.Blobs,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "accounting").Logger(),
		now:     time.Now,
	}, nil
}

func (a *Aggregator) scanBuckets(tx *meta.Tx, scope Scope, fn func(*meta.Bucket)) error {
	return tx.Scan(scope.prefix(), func(key string, value []byte) error {
		var b meta.Bucket
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("bucket %q: %w", key, err)
		}
		// Buckets being deleted are already gone from the caller's view.
		if b.IsPendingDelete() {
			return nil
		}
		fn(&b)
		return nil
	})
}

// BucketSummaries lists the buckets in scope with their aggregates.
func (a *Aggregator) BucketSummaries(ctx context.Context, scope Scope) ([]BucketSummary, error) {
	var out []BucketSummary
	err := a.store.View(ctx, func(tx *meta.Tx) error {
		out = nil
		return a.scanBuckets(tx, scope, func(b *meta.Bucket) {
			out = append(out, BucketSummary{
				Name:              b.Name,
				TenantID:          b.TenantID,
				CreationDate:      b.CreatedAt,
				ObjectCount:       b.ObjectCount,
				SizeBytes:         b.SizeBytes,
				VersioningStatus:  b.Versioning,
				EncryptionEnabled: b.EncryptionEnabled(),
			})
		})
	})
	return out, err
}

// StorageMetrics totals the buckets in scope.
func (a *Aggregator) StorageMetrics(ctx context.Context, scope Scope) (*StorageMetrics, error) {
	var sm *StorageMetrics
	err := a.store.View(ctx, func(tx *meta.Tx) error {
		var err error
		sm, err = a.storageMetricsTx(tx, scope)
		return err
	})
	return sm, err
}

func (a *Aggregator) storageMetricsTx(tx *meta.Tx, scope Scope) (*StorageMetrics, error) {
	sm := &StorageMetrics{Timestamp: a.now().UTC()}
	err := a.scanBuckets(tx, scope, func(b *meta.Bucket) {
		sm.TotalBuckets++
		sm.TotalObjects += b.ObjectCount
		sm.TotalSizeBytes += b.SizeBytes
		sm.BucketMetrics = append(sm.BucketMetrics, BucketMetric{
			Name:        b.Name,
			TenantID:    b.TenantID,
			ObjectCount: b.ObjectCount,
			SizeBytes:   b.SizeBytes,
		})
	})
	if err != nil {
		return nil, err
	}
	if sm.TotalObjects > 0 {
		sm.AverageObjectSize = sm.TotalSizeBytes / sm.TotalObjects
	}
	return sm, nil
}

// SystemStorageMetrics combines store-wide totals with host figures. Host
// collection failures are logged and reported as zeros; only metadata store
// failures fail the query.
func (a *Aggregator) SystemStorageMetrics(ctx context.Context) (*SystemMetrics, error) {
	out := &SystemMetrics{}
	err := a.store.View(ctx, func(tx *meta.Tx) error {
		sm, err := a.storageMetricsTx(tx, AllTenants())
		if err != nil {
			return err
		}
		out.Storage = *sm
		out.PurgeQueueLength, err = tx.Count(meta.PurgePrefix())
		return err
	})
	if err != nil {
		return nil, err
	}

	if a.host != nil {
		hs, err := a.host.Collect(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Host stats incomplete")
		}
		out.Host = hs
	}
	if out.Host.DiskTotalBytes > 0 {
		out.StorageUsedPercent = float64(out.Storage.TotalSizeBytes) / float64(out.Host.DiskTotalBytes) * 100
	}
	if a.blobs != nil {
		n, err := a.blobs.DiskUsage(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to measure blob store")
		}
		out.BlobBytes = n
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out.Goroutines = runtime.NumGoroutine()
	out.HeapAllocBytes = ms.HeapAlloc
	return out, nil
}

// TenantUsages returns the quota view of every tenant.
func (a *Aggregator) TenantUsages(ctx context.Context) ([]*quota.Usage, error) {
	var out []*quota.Usage
	err := a.store.View(ctx, func(tx *meta.Tx) error {
		var ids []string
		if err := tx.Scan(meta.TenantPrefix(), func(key string, _ []byte) error {
			ids = append(ids, meta.LastComponent(key))
			return nil
		}); err != nil {
			return err
		}
		out = make([]*quota.Usage, 0, len(ids))
		for _, id := range ids {
			u, err := a.ledger.UsageTx(tx, id)
			if err != nil {
				return fmt.Errorf("usage of %s: %w", id, err)
			}
			out = append(out, u)
		}
		return nil
	})
	return out, err
}

// Refresh recomputes the Prometheus gauges. It is a no-op without Metrics.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if a.metrics == nil {
		return nil
	}
	sys, err := a.SystemStorageMetrics(ctx)
	if err != nil {
		return fmt.Errorf("system metrics: %w", err)
	}
	usages, err := a.TenantUsages(ctx)
	if err != nil {
		return fmt.Errorf("tenant usage: %w", err)
	}
	a.metrics.UpdateStorage(&sys.Storage, sys.PurgeQueueLength)
	a.metrics.UpdateHost(sys.Host)
	a.metrics.UpdateTenants(usages)
	a.logger.Debug().
		Int64("buckets", sys.Storage.TotalBuckets).
		Int64("objects", sys.Storage.TotalObjects).
		Int64("bytes", sys.Storage.TotalSizeBytes).
		Int("tenants", len(usages)).
		Msg("Metrics refreshed")
	return nil
}
