// Package lifecycle orchestrates tenant, bucket and object mutations across
// the metadata store, the quota ledger, the version chain and the blob store.
//
// It is the only package that changes more than one of those per operation.
// Every multi-record change happens inside a single metadata transaction, so
// callers never observe a half-applied operation. Blob content is written
// before the metadata that references it and purged only after the metadata
// that referenced it is gone.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/maxiofs/maxiofs/internal/blob"
	"github.com/maxiofs/maxiofs/internal/logging/audit"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/maxiofs/maxiofs/internal/version"
	"github.com/rs/zerolog"
)

// Options configures a Manager.
type Options struct {
	Store  *meta.Store
	Ledger *quota.Ledger
	Chain  *version.Chain
	Blobs  blob.Store
	Audit  *audit.Logger
	Logger zerolog.Logger

	// GlobalBucketNames makes bucket names unique across all tenants instead
	// of per tenant.
	GlobalBucketNames bool

	// LockStripes sizes the per-key lock table.
	LockStripes int

	// PurgeAttempts bounds retries of a single blob purge inside a cascade.
	PurgeAttempts uint
	// PurgeInterval is the initial backoff between purge attempts.
	PurgeInterval time.Duration
}

// Manager is the lifecycle orchestrator.
type Manager struct {
	store  *meta.Store
	ledger *quota.Ledger
	chain  *version.Chain
	blobs  blob.Store
	audit  *audit.Logger
	logger zerolog.Logger
	locks  *keyLocks
	active *running

	globalNames   bool
	purgeAttempts uint
	purgeInterval time.Duration
	now           func() time.Time
	newLocation   func() string
}

// New creates a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Chain == nil || opts.Blobs == nil {
		return nil, errors.New("lifecycle: store, ledger, chain and blob store are required")
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.PurgeAttempts == 0 {
		opts.PurgeAttempts = 3
	}
	if opts.PurgeInterval == 0 {
		opts.PurgeInterval = 50 * time.Millisecond
	}
	return &Manager{
		store:         opts.Store,
		ledger:        opts.Ledger,
		chain:         opts.Chain,
		blobs:         opts.Blobs,
		audit:         opts.Audit,
		logger:        opts.Logger.With().Str("component", "lifecycle").Logger(),
		locks:         newKeyLocks(opts.LockStripes),
		active:        newRunning(),
		globalNames:   opts.GlobalBucketNames,
		purgeAttempts: opts.PurgeAttempts,
		purgeInterval: opts.PurgeInterval,
		now:           time.Now,
		newLocation:   newLocation,
	}, nil
}

// Ledger exposes the quota ledger for maintenance jobs.
func (m *Manager) Ledger() *quota.Ledger {
	return m.ledger
}

// loadTenant reads a tenant record.
func (m *Manager) loadTenant(tx *meta.Tx, tenantID string) (*meta.Tenant, error) {
	var t meta.Tenant
	err := tx.GetJSON(meta.TenantKey(tenantID), &t)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// activeTenant loads a tenant and requires it to be active. The global scope
// (empty tenant) is always active.
func (m *Manager) activeTenant(tx *meta.Tx, tenantID string) (*meta.Tenant, error) {
	if tenantID == "" {
		return nil, nil
	}
	t, err := m.loadTenant(tx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Status != meta.TenantActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrTenantInactive, tenantID, t.Status)
	}
	return t, nil
}

// loadBucket reads a bucket record.
func (m *Manager) loadBucket(tx *meta.Tx, tenantID, name string) (*meta.Bucket, error) {
	var b meta.Bucket
	err := tx.GetJSON(meta.BucketKey(tenantID, name), &b)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// writableBucket loads a bucket that is not being deleted.
func (m *Manager) writableBucket(tx *meta.Tx, tenantID, name string) (*meta.Bucket, error) {
	b, err := m.loadBucket(tx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if b.IsPendingDelete() {
		return nil, fmt.Errorf("%w: %s", ErrBucketDeleting, name)
	}
	return b, nil
}

// applyTransition folds a version-chain transition into the bucket
// aggregates and queues purges for discarded content. Tenant counters are
// moved by the caller, through a reservation commit or an unchecked Apply.
func (m *Manager) applyTransition(tx *meta.Tx, b *meta.Bucket, tr *version.Transition) error {
	b.ObjectCount += tr.CountDelta
	b.SizeBytes += tr.SizeDelta
	if err := tx.PutJSON(meta.BucketKey(b.TenantID, b.Name), b); err != nil {
		return err
	}
	return m.queuePurges(tx, tr.Removed)
}

func transitionDelta(tr *version.Transition) quota.Delta {
	return quota.Delta{Bytes: tr.SizeDelta, Objects: tr.CountDelta}
}

// queuePurges records blob locations whose metadata is being removed in this
// transaction. The entries outlive a crash, so content is never leaked.
func (m *Manager) queuePurges(tx *meta.Tx, removed []*meta.ObjectVersion) error {
	now := m.now().UTC()
	for _, v := range removed {
		if v.Location == "" {
			continue
		}
		if err := tx.PutJSON(meta.PurgeKey(v.Location), meta.PurgeEntry{Location: v.Location, QueuedAt: now}); err != nil {
			return err
		}
	}
	return nil
}

func locations(vs []*meta.ObjectVersion) []string {
	var out []string
	for _, v := range vs {
		if v.Location != "" {
			out = append(out, v.Location)
		}
	}
	return out
}

// purge deletes queued blobs, retrying each with backoff. Locations that
// still fail stay queued for PurgeOrphans and are returned with their errors.
func (m *Manager) purge(ctx context.Context, locs []string) map[string]error {
	if len(locs) == 0 {
		return nil
	}
	failed := make(map[string]error)
	var done []string
	for _, loc := range locs {
		if err := m.deleteBlob(ctx, loc); err != nil {
			failed[loc] = err
			continue
		}
		done = append(done, loc)
	}

	// Cancellation of the caller does not leave finished purges queued.
	err := m.store.Update(context.WithoutCancel(ctx), func(tx *meta.Tx) error {
		for _, loc := range done {
			if err := tx.Delete(meta.PurgeKey(loc)); err != nil {
				return err
			}
		}
		for loc, perr := range failed {
			var e meta.PurgeEntry
			if err := tx.GetJSON(meta.PurgeKey(loc), &e); err != nil {
				if errors.Is(err, meta.ErrNotFound) {
					e = meta.PurgeEntry{Location: loc, QueuedAt: m.now().UTC()}
				} else {
					return err
				}
			}
			e.Attempts++
			e.LastError = perr.Error()
			if err := tx.PutJSON(meta.PurgeKey(loc), e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Int("purged", len(done)).Msg("Failed to update purge queue")
	}
	for loc, perr := range failed {
		m.logger.Warn().Err(perr).Str("location", loc).Msg("Blob purge failed, left in purge queue")
	}
	return failed
}

func (m *Manager) deleteBlob(ctx context.Context, loc string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.purgeInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.blobs.Delete(ctx, loc)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.purgeAttempts),
	)
	return err
}
