package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maxiofs/maxiofs/internal/logging/audit"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
)

// BucketOptions are optional settings for CreateBucket.
type BucketOptions struct {
	Versioning meta.VersioningStatus
	Config     meta.BucketConfig
}

// CreateBucket creates a bucket owned by tenantID, or a global bucket when
// tenantID is empty. Fails with ErrNameConflict, ErrQuotaExceeded,
// ErrTenantInactive or a ValidationError without mutating anything.
func (m *Manager) CreateBucket(ctx context.Context, tenantID, name string, opts BucketOptions) (*meta.Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	if err := validateVersioning(opts.Versioning, true); err != nil {
		return nil, err
	}
	if err := validateConfig(opts.Config); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := &meta.Bucket{
		TenantID:   tenantID,
		Name:       name,
		CreatedAt:  m.now().UTC(),
		Versioning: opts.Versioning,
		Config:     opts.Config,
	}
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		t, err := m.activeTenant(tx, tenantID)
		if err != nil {
			return err
		}
		if tx.Exists(meta.BucketKey(tenantID, name)) {
			return fmt.Errorf("%w: bucket %s", ErrNameConflict, name)
		}
		if m.globalNames || tenantID == "" {
			if tx.Exists(meta.BucketNameKey(name)) {
				return fmt.Errorf("%w: bucket %s", ErrNameConflict, name)
			}
			if err := tx.Put(meta.BucketNameKey(name), []byte(tenantID)); err != nil {
				return err
			}
		}
		if t != nil {
			if err := m.ledger.CheckBuckets(tx, t); err != nil {
				return err
			}
		}
		if err := tx.PutJSON(meta.BucketKey(tenantID, name), b); err != nil {
			return err
		}
		return m.ledger.Apply(tx, tenantID, quota.Delta{Buckets: 1})
	})
	m.auditBucket(tenantID, "CreateBucket", name, err)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetBucket returns a bucket record, including its aggregates.
func (m *Manager) GetBucket(ctx context.Context, tenantID, name string) (*meta.Bucket, error) {
	var b *meta.Bucket
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		var err error
		b, err = m.loadBucket(tx, tenantID, name)
		return err
	})
	return b, err
}

// ListBuckets returns a tenant's buckets in name order. An empty tenantID
// lists the global buckets.
func (m *Manager) ListBuckets(ctx context.Context, tenantID string) ([]*meta.Bucket, error) {
	var out []*meta.Bucket
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		out = nil
		if tenantID != "" {
			if _, err := m.loadTenant(tx, tenantID); err != nil {
				return err
			}
		}
		return tx.Scan(meta.BucketPrefix(tenantID), func(key string, value []byte) error {
			var b meta.Bucket
			if err := decode(value, &b); err != nil {
				return fmt.Errorf("bucket %q: %w", meta.LastComponent(key), err)
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

// SetBucketVersioning enables or suspends versioning. A bucket can never go
// back to unversioned; suspending keeps existing history.
func (m *Manager) SetBucketVersioning(ctx context.Context, tenantID, name string, status meta.VersioningStatus) error {
	if err := validateVersioning(status, false); err != nil {
		return err
	}
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		b, err := m.writableBucket(tx, tenantID, name)
		if err != nil {
			return err
		}
		b.Versioning = status
		return tx.PutJSON(meta.BucketKey(tenantID, name), b)
	})
	m.auditBucket(tenantID, "SetBucketVersioning", name, err)
	return err
}

// SetBucketConfig replaces the opaque sub-configurations of a bucket.
func (m *Manager) SetBucketConfig(ctx context.Context, tenantID, name string, cfg meta.BucketConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		b, err := m.writableBucket(tx, tenantID, name)
		if err != nil {
			return err
		}
		b.Config = cfg
		return tx.PutJSON(meta.BucketKey(tenantID, name), b)
	})
	m.auditBucket(tenantID, "SetBucketConfig", name, err)
	return err
}

func validateVersioning(status meta.VersioningStatus, allowOff bool) error {
	switch status {
	case meta.VersioningEnabled, meta.VersioningSuspended:
		return nil
	case meta.VersioningOff:
		if allowOff {
			return nil
		}
	}
	return invalid("versioning status", "must be %q or %q", meta.VersioningEnabled, meta.VersioningSuspended)
}

func (m *Manager) auditBucket(tenantID, op, bucket string, err error) {
	if err != nil {
		m.audit.LogBucketOp(tenantID, op, bucket, audit.ResultFailed, err.Error())
		return
	}
	m.audit.LogBucketOp(tenantID, op, bucket, audit.ResultOK, "")
}

func decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
