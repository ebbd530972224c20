package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/maxiofs/maxiofs/internal/blob"
	"github.com/maxiofs/maxiofs/internal/logging/audit"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/version"
)

// PutOptions are optional object attributes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

func newLocation() string {
	return uuid.NewString()
}

// PutObject stores content of exactly size bytes as the new current version
// of key.
//
// The quota delta is reserved first, then the content is written to the blob
// store, then one metadata transaction appends the version, updates the bucket
// aggregates and commits the reservation. Any failure before that transaction
// commits rolls the reservation back and removes the written content, so the
// operation is all or nothing. A cancelled ctx is honoured up to the start of
// the transaction.
func (m *Manager) PutObject(ctx context.Context, tenantID, bucket, key string, content io.Reader, size int64, opts PutOptions) (*meta.ObjectVersion, error) {
	if err := validateObjectKey(key); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, invalid("size", "cannot be negative")
	}
	if err := validateMetadata(opts.Metadata); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if content == nil {
		content = bytes.NewReader(nil)
	}

	unlock := m.locks.lock(tenantID, bucket, key)
	defer unlock()

	v, err := m.putObject(ctx, tenantID, bucket, key, content, size, opts)
	if err != nil {
		m.audit.LogObjectOp(tenantID, "PutObject", bucket, key, "", audit.ResultFailed, size, err.Error())
		return nil, err
	}
	m.audit.LogObjectOp(tenantID, "PutObject", bucket, key, v.VersionID, audit.ResultOK, v.Size, "")
	return v, nil
}

func (m *Manager) putObject(ctx context.Context, tenantID, bucket, key string, content io.Reader, size int64, opts PutOptions) (*meta.ObjectVersion, error) {
	// Predict the accounting delta from the current head. The key lock keeps
	// the head stable until the final transaction.
	var encrypt bool
	var oldCount, oldSize int64
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		if _, err := m.activeTenant(tx, tenantID); err != nil {
			return err
		}
		b, err := m.writableBucket(tx, tenantID, bucket)
		if err != nil {
			return err
		}
		encrypt = b.EncryptionEnabled()
		oldCount, oldSize = 0, 0
		head, err := m.chain.Latest(tx, b, key)
		if errors.Is(err, version.ErrObjectNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		oldCount, oldSize = 1, head.Size
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, err := m.ledger.Reserve(ctx, tenantID, size-oldSize, 1-oldCount)
	if err != nil {
		return nil, err
	}

	location := m.newLocation()
	cleanup := func(cause error) error {
		bg := context.WithoutCancel(ctx)
		if err := m.blobs.Delete(bg, location); err != nil {
			m.logger.Warn().Err(err).Str("location", location).Msg("Failed to remove content of aborted put")
			m.purge(bg, []string{location})
		}
		if err := m.ledger.Rollback(bg, tenantID, res.ID); err != nil {
			m.logger.Error().Err(err).Str("tenant", tenantID).Str("reservation", res.ID).
				Msg("Failed to roll back quota reservation")
		}
		return cause
	}

	info, err := m.blobs.Put(ctx, location, io.LimitReader(content, size+1), blob.PutOptions{Encrypt: encrypt})
	if err != nil {
		return nil, cleanup(fmt.Errorf("write content: %w", err))
	}
	if info.Size != size {
		return nil, cleanup(invalid("size", "declared %d bytes but content has %d", size, info.Size))
	}
	if err := ctx.Err(); err != nil {
		return nil, cleanup(err)
	}

	var written *meta.ObjectVersion
	var discarded []string
	err = m.store.Update(ctx, func(tx *meta.Tx) error {
		if _, err := m.activeTenant(tx, tenantID); err != nil {
			return err
		}
		b, err := m.writableBucket(tx, tenantID, bucket)
		if err != nil {
			return err
		}
		v := &meta.ObjectVersion{
			Key:         key,
			Size:        info.Size,
			ETag:        info.ETag,
			ContentType: opts.ContentType,
			Metadata:    opts.Metadata,
			Location:    location,
		}
		tr, err := m.chain.Put(tx, b, v)
		if err != nil {
			return err
		}
		if err := m.applyTransition(tx, b, tr); err != nil {
			return err
		}
		if err := m.ledger.Commit(tx, tenantID, res.ID, transitionDelta(tr)); err != nil {
			return err
		}
		written = tr.Written
		discarded = locations(tr.Removed)
		return nil
	})
	if err != nil {
		return nil, cleanup(err)
	}

	m.purge(ctx, discarded)
	return written, nil
}

// GetObject returns the current version of key, or a specific version when
// versionID is set. Delete markers are only returned when asked for by id.
func (m *Manager) GetObject(ctx context.Context, tenantID, bucket, key, versionID string) (*meta.ObjectVersion, error) {
	var v *meta.ObjectVersion
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		b, err := m.loadBucket(tx, tenantID, bucket)
		if err != nil {
			return err
		}
		if versionID == "" {
			v, err = m.chain.Latest(tx, b, key)
		} else {
			v, err = m.chain.Get(tx, b, key, versionID)
		}
		return err
	})
	return v, err
}

// OpenObject returns the content of an object version along with its record.
// The caller closes the reader.
func (m *Manager) OpenObject(ctx context.Context, tenantID, bucket, key, versionID string) (io.ReadCloser, *meta.ObjectVersion, error) {
	v, err := m.GetObject(ctx, tenantID, bucket, key, versionID)
	if err != nil {
		return nil, nil, err
	}
	if v.DeleteMarker {
		return nil, nil, fmt.Errorf("%w: %s is a delete marker", ErrObjectNotFound, v.VersionID)
	}
	rc, err := m.blobs.Open(ctx, v.Location)
	if err != nil {
		return nil, nil, fmt.Errorf("open content of %s/%s: %w", bucket, key, err)
	}
	return rc, v, nil
}

// ObjectListing is one page of ListObjects.
type ObjectListing struct {
	Objects []*meta.ObjectVersion
	// NextAfter continues the listing when non-empty.
	NextAfter string
}

// ListObjects lists current objects, skipping noncurrent versions and keys
// whose latest version is a delete marker.
func (m *Manager) ListObjects(ctx context.Context, tenantID, bucket string, opts version.ListOptions) (*ObjectListing, error) {
	out := &ObjectListing{}
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		b, err := m.loadBucket(tx, tenantID, bucket)
		if err != nil {
			return err
		}
		out.Objects, out.NextAfter, err = m.chain.List(tx, b, opts)
		return err
	})
	return out, err
}

// ListObjectVersions lists every version and delete marker under prefix.
func (m *Manager) ListObjectVersions(ctx context.Context, tenantID, bucket, prefix string) ([]*meta.ObjectVersion, error) {
	var out []*meta.ObjectVersion
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		b, err := m.loadBucket(tx, tenantID, bucket)
		if err != nil {
			return err
		}
		out, err = m.chain.ListVersions(tx, b, prefix)
		return err
	})
	return out, err
}

// DeleteResult describes the effect of DeleteObject.
type DeleteResult struct {
	// VersionID is the delete marker created, or the version removed.
	VersionID    string
	DeleteMarker bool
	// Promoted is the version that became current, if any.
	Promoted string
}

// DeleteObject deletes key, or one version of it when versionID is set. Bucket
// aggregates and tenant usage only change when the current version changes.
// Deletes never fail on quota, even when promoting an older version pushes
// usage past a limit.
func (m *Manager) DeleteObject(ctx context.Context, tenantID, bucket, key, versionID string) (*DeleteResult, error) {
	if err := validateObjectKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := m.locks.lock(tenantID, bucket, key)
	defer unlock()

	var result *DeleteResult
	var discarded []string
	var sizeDelta int64
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		b, err := m.writableBucket(tx, tenantID, bucket)
		if err != nil {
			return err
		}
		tr, err := m.chain.Delete(tx, b, key, versionID)
		if err != nil {
			return err
		}
		if err := m.applyTransition(tx, b, tr); err != nil {
			return err
		}
		if err := m.ledger.Apply(tx, tenantID, transitionDelta(tr)); err != nil {
			return err
		}
		result = &DeleteResult{}
		switch {
		case tr.Written != nil:
			result.VersionID = tr.Written.VersionID
			result.DeleteMarker = true
		case len(tr.Removed) > 0:
			result.VersionID = tr.Removed[0].VersionID
			result.DeleteMarker = tr.Removed[0].DeleteMarker
		}
		if tr.Promoted != nil {
			result.Promoted = tr.Promoted.VersionID
		}
		discarded = locations(tr.Removed)
		sizeDelta = tr.SizeDelta
		return nil
	})
	if err != nil {
		m.audit.LogObjectOp(tenantID, "DeleteObject", bucket, key, versionID, audit.ResultFailed, 0, err.Error())
		return nil, err
	}
	m.audit.LogObjectOp(tenantID, "DeleteObject", bucket, key, result.VersionID, audit.ResultOK, sizeDelta, "")

	m.purge(ctx, discarded)
	return result, nil
}

// ExpireNoncurrentVersions removes noncurrent versions older than olderThan
// from every bucket. Current versions and aggregates are untouched. Returns
// the number of versions removed.
func (m *Manager) ExpireNoncurrentVersions(ctx context.Context, olderThan time.Duration) (int, error) {
	var buckets []meta.Bucket
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		buckets = nil
		return tx.Scan(meta.AllBucketsPrefix(), func(key string, value []byte) error {
			var b meta.Bucket
			if err := decode(value, &b); err != nil {
				return fmt.Errorf("bucket %q: %w", key, err)
			}
			if b.Versioning != meta.VersioningOff && !b.IsPendingDelete() {
				buckets = append(buckets, b)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	cutoff := m.now().UTC().Add(-olderThan)
	total := 0
	for i := range buckets {
		b := &buckets[i]
		var removed []*meta.ObjectVersion
		err := m.store.Update(ctx, func(tx *meta.Tx) error {
			var err error
			removed, err = m.chain.ExpireNoncurrent(tx, b, cutoff)
			if err != nil {
				return err
			}
			return m.queuePurges(tx, removed)
		})
		if err != nil {
			return total, fmt.Errorf("expire versions in %s: %w", b.Name, err)
		}
		if len(removed) > 0 {
			m.logger.Info().Str("tenant", b.TenantID).Str("bucket", b.Name).Int("versions", len(removed)).
				Msg("Expired noncurrent versions")
		}
		total += len(removed)
		m.purge(ctx, locations(removed))
	}
	return total, nil
}
