package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedBucket writes a bucket with the given current object sizes plus one
// noncurrent version and one delete-marker key, none of which must be counted.
func seedBucket(t *testing.T, store *meta.Store, tenantID, bucket string, sizes ...int64) {
	t.Helper()
	require.NoError(t, store.Update(context.Background(), func(tx *meta.Tx) error {
		if err := tx.PutJSON(meta.BucketKey(tenantID, bucket), meta.Bucket{TenantID: tenantID, Name: bucket}); err != nil {
			return err
		}
		for i, size := range sizes {
			key := string(rune('a' + i))
			old := meta.ObjectVersion{Bucket: bucket, Key: key, VersionID: "v0", Size: 999}
			cur := meta.ObjectVersion{Bucket: bucket, Key: key, VersionID: "v1", Size: size}
			if err := tx.PutJSON(meta.VersionKey(tenantID, bucket, key, "v0"), old); err != nil {
				return err
			}
			if err := tx.PutJSON(meta.VersionKey(tenantID, bucket, key, "v1"), cur); err != nil {
				return err
			}
			if err := tx.PutJSON(meta.PointerKey(tenantID, bucket, key), meta.LatestPointer{VersionID: "v1"}); err != nil {
				return err
			}
		}
		marker := meta.ObjectVersion{Bucket: bucket, Key: "gone", VersionID: "m1", DeleteMarker: true}
		if err := tx.PutJSON(meta.VersionKey(tenantID, bucket, "gone", "m1"), marker); err != nil {
			return err
		}
		return tx.PutJSON(meta.PointerKey(tenantID, bucket, "gone"), meta.LatestPointer{VersionID: "m1", DeleteMarker: true})
	}))
}

func TestRecomputeRebuildsCounters(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	putTenant(t, store, "acme", meta.QuotaLimits{})
	seedBucket(t, store, "acme", "photos", 10, 20)
	seedBucket(t, store, "acme", "docs", 5)
	require.NoError(t, store.Update(ctx, func(tx *meta.Tx) error {
		if err := tx.PutJSON(meta.AccessKeyKey("acme", "AK1"), meta.AccessKey{TenantID: "acme", ID: "AK1"}); err != nil {
			return err
		}
		// Corrupt the ledger
		return tx.PutJSON(meta.LedgerKey("acme"), meta.LedgerEntry{StorageBytes: 12345, BucketCount: 9})
	}))

	result, err := l.Recompute(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, result.Drifted())
	assert.Len(t, result.Repaired, 2)

	e := entry(t, l, store, "acme")
	assert.Equal(t, int64(35), e.StorageBytes)
	assert.Equal(t, int64(3), e.ObjectCount)
	assert.Equal(t, int64(2), e.BucketCount)
	assert.Equal(t, int64(1), e.AccessKeyCount)

	// Tenant storage equals the sum of its bucket sizes
	var sum int64
	require.NoError(t, store.View(ctx, func(tx *meta.Tx) error {
		return tx.Scan(meta.BucketPrefix("acme"), func(_ string, v []byte) error {
			var b meta.Bucket
			if err := decode(v, &b); err != nil {
				return err
			}
			sum += b.SizeBytes
			return nil
		})
	}))
	assert.Equal(t, e.StorageBytes, sum)

	// A second run finds nothing to repair
	again, err := l.Recompute(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, again.Drifted())
}

func TestRecomputeKeepsPendingReservations(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	putTenant(t, store, "acme", meta.QuotaLimits{MaxStorageBytes: 100})

	_, err := l.Reserve(ctx, "acme", 40, 1)
	require.NoError(t, err)

	_, err = l.Recompute(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(40), entry(t, l, store, "acme").PendingBytes)
}

func TestRecomputeConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	putTenant(t, store, "acme", meta.QuotaLimits{})
	seedBucket(t, store, "acme", "b", 7)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Recompute(ctx, "acme")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(7), entry(t, l, store, "acme").StorageBytes)
}

func TestRecomputeAllRepairsGlobalBuckets(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	putTenant(t, store, "acme", meta.QuotaLimits{})
	seedBucket(t, store, "", "public", 3, 4)

	results, err := l.RecomputeAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	var b meta.Bucket
	require.NoError(t, store.View(ctx, func(tx *meta.Tx) error {
		return tx.GetJSON(meta.BucketKey("", "public"), &b)
	}))
	assert.Equal(t, int64(2), b.ObjectCount)
	assert.Equal(t, int64(7), b.SizeBytes)
}
