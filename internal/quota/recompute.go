package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maxiofs/maxiofs/internal/meta"
)

// BucketRepair records a bucket whose cached aggregates were wrong.
type BucketRepair struct {
	Bucket         string `json:"bucket"`
	OldObjectCount int64  `json:"old_object_count"`
	OldSizeBytes   int64  `json:"old_size_bytes"`
	ObjectCount    int64  `json:"object_count"`
	SizeBytes      int64  `json:"size_bytes"`
}

// RecomputeResult describes a completed recompute.
type RecomputeResult struct {
	TenantID string           `json:"tenant_id"`
	Before   meta.LedgerEntry `json:"before"`
	After    meta.LedgerEntry `json:"after"`
	Repaired []BucketRepair   `json:"repaired,omitempty"`
}

// Drifted reports whether the ledger disagreed with the metadata.
func (r *RecomputeResult) Drifted() bool {
	return r.Before != r.After || len(r.Repaired) > 0
}

// Recompute rebuilds a tenant's counters and its buckets' aggregates from a
// full scan of the latest pointers and version records. The scan and the
// rewrite happen in one write transaction, so reservations for the same tenant
// wait for it to finish. Concurrent calls for one tenant share a single run.
func (l *Ledger) Recompute(ctx context.Context, tenantID string) (*RecomputeResult, error) {
	v, err, _ := l.recompute.Do(tenantID, func() (any, error) {
		var result *RecomputeResult
		err := l.store.Update(ctx, func(tx *meta.Tx) error {
			var err error
			result, err = l.recomputeTx(tx, tenantID)
			return err
		})
		return result, err
	})
	if err != nil {
		return nil, err
	}
	result := v.(*RecomputeResult)
	if result.Drifted() {
		l.logger.Warn().
			Str("tenant", tenantID).
			Int64("ledger_bytes", result.Before.StorageBytes).
			Int64("actual_bytes", result.After.StorageBytes).
			Int("buckets_repaired", len(result.Repaired)).
			Msg("Quota ledger drift repaired")
	}
	return result, nil
}

// RecomputeAll runs Recompute for every tenant and for the global scope.
func (l *Ledger) RecomputeAll(ctx context.Context) ([]*RecomputeResult, error) {
	var tenants []string
	err := l.store.View(ctx, func(tx *meta.Tx) error {
		return tx.Scan(meta.TenantPrefix(), func(key string, _ []byte) error {
			tenants = append(tenants, meta.LastComponent(key))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	tenants = append(tenants, "")

	var results []*RecomputeResult
	for _, id := range tenants {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := l.Recompute(ctx, id)
		if err != nil {
			return results, fmt.Errorf("recompute tenant %q: %w", id, err)
		}
		results = append(results, r)
	}
	return results, nil
}

func (l *Ledger) recomputeTx(tx *meta.Tx, tenantID string) (*RecomputeResult, error) {
	before, err := l.Entry(tx, tenantID)
	if err != nil {
		return nil, err
	}
	result := &RecomputeResult{TenantID: tenantID, Before: before}

	var buckets []meta.Bucket
	if err := tx.Scan(meta.BucketPrefix(tenantID), func(key string, value []byte) error {
		var b meta.Bucket
		if err := decode(value, &b); err != nil {
			return fmt.Errorf("bucket %q: %w", key, err)
		}
		buckets = append(buckets, b)
		return nil
	}); err != nil {
		return nil, err
	}

	var after meta.LedgerEntry
	for i := range buckets {
		b := &buckets[i]
		count, size, err := scanBucket(tx, tenantID, b.Name)
		if err != nil {
			return nil, err
		}
		if count != b.ObjectCount || size != b.SizeBytes {
			result.Repaired = append(result.Repaired, BucketRepair{
				Bucket:         b.Name,
				OldObjectCount: b.ObjectCount,
				OldSizeBytes:   b.SizeBytes,
				ObjectCount:    count,
				SizeBytes:      size,
			})
			b.ObjectCount = count
			b.SizeBytes = size
			if err := tx.PutJSON(meta.BucketKey(tenantID, b.Name), b); err != nil {
				return nil, err
			}
		}
		after.ObjectCount += count
		after.StorageBytes += size
		after.BucketCount++
	}

	if tenantID == "" {
		// The global scope has no ledger entry; only bucket aggregates are repaired.
		result.After = before
		return result, nil
	}

	keys, err := tx.Count(meta.AccessKeyPrefix(tenantID))
	if err != nil {
		return nil, err
	}
	after.AccessKeyCount = int64(keys)

	if err := tx.Scan(meta.ReservationPrefix(tenantID), func(key string, value []byte) error {
		var res meta.Reservation
		if err := decode(value, &res); err != nil {
			return fmt.Errorf("reservation %q: %w", key, err)
		}
		if res.State == meta.ReservationPending {
			after.PendingBytes += positive(res.Bytes)
			after.PendingObjects += positive(res.Objects)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := tx.PutJSON(meta.LedgerKey(tenantID), after); err != nil {
		return nil, err
	}
	result.After = after
	return result, nil
}

// scanBucket sums the current, non-delete-marker versions of a bucket.
func scanBucket(tx *meta.Tx, tenantID, bucket string) (count, size int64, err error) {
	err = tx.Scan(meta.BucketPointersPrefix(tenantID, bucket), func(key string, value []byte) error {
		var p meta.LatestPointer
		if err := decode(value, &p); err != nil {
			return fmt.Errorf("pointer %q: %w", key, err)
		}
		if p.DeleteMarker {
			return nil
		}
		parts := meta.Components(key)
		objectKey := parts[len(parts)-1]
		var v meta.ObjectVersion
		if err := tx.GetJSON(meta.VersionKey(tenantID, bucket, objectKey, p.VersionID), &v); err != nil {
			if errors.Is(err, meta.ErrNotFound) {
				return fmt.Errorf("pointer %q names missing version %s: %w", key, p.VersionID, err)
			}
			return err
		}
		count++
		size += v.Size
		return nil
	})
	return count, size, err
}

func decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
