// Package quota maintains per-tenant usage counters and enforces tenant limits.
//
// The ledger is an accelerator, not the source of truth: every counter can be
// rebuilt from the metadata records with Recompute.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Quota errors.
var (
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrReservationNotFound = errors.New("reservation not found")
)

// Resource names used in ExceededError.
const (
	ResourceStorage    = "storage_bytes"
	ResourceBuckets    = "buckets"
	ResourceAccessKeys = "access_keys"
)

// ExceededError reports which limit an operation would cross.
type ExceededError struct {
	TenantID  string
	Resource  string
	Limit     int64
	Current   int64
	Requested int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for tenant %s: %s would be %d (limit %d)",
		e.TenantID, e.Resource, e.Current+e.Requested, e.Limit)
}

// Is makes errors.Is(err, ErrQuotaExceeded) hold.
func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Delta is a signed change to a tenant's counters.
type Delta struct {
	Bytes      int64
	Objects    int64
	Buckets    int64
	AccessKeys int64
}

// IsZero reports whether d changes nothing.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Add returns d + o.
func (d Delta) Add(o Delta) Delta {
	return Delta{
		Bytes:      d.Bytes + o.Bytes,
		Objects:    d.Objects + o.Objects,
		Buckets:    d.Buckets + o.Buckets,
		AccessKeys: d.AccessKeys + o.AccessKeys,
	}
}

// Neg returns -d.
func (d Delta) Neg() Delta {
	return Delta{Bytes: -d.Bytes, Objects: -d.Objects, Buckets: -d.Buckets, AccessKeys: -d.AccessKeys}
}

// Usage is the tenant quota query view.
type Usage struct {
	TenantID            string `json:"tenant_id"`
	MaxStorageBytes     int64  `json:"max_storage_bytes"`
	CurrentStorageBytes int64  `json:"current_storage_bytes"`
	PendingBytes        int64  `json:"pending_bytes"`
	MaxBuckets          int64  `json:"max_buckets"`
	CurrentBuckets      int64  `json:"current_buckets"`
	MaxAccessKeys       int64  `json:"max_access_keys"`
	CurrentAccessKeys   int64  `json:"current_access_keys"`
	CurrentObjects      int64  `json:"current_objects"`
}

// Ledger tracks per-tenant usage counters in the metadata store.
type Ledger struct {
	store     *meta.Store
	recompute singleflight.Group
	logger    zerolog.Logger
	now       func() time.Time
}

// NewLedger creates a ledger on top of store.
func NewLedger(store *meta.Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With().Str("component", "quota").Logger(),
		now:    time.Now,
	}
}

// Entry returns the ledger entry of a tenant. A tenant without an entry has
// zero usage.
func (l *Ledger) Entry(tx *meta.Tx, tenantID string) (meta.LedgerEntry, error) {
	var e meta.LedgerEntry
	err := tx.GetJSON(meta.LedgerKey(tenantID), &e)
	if errors.Is(err, meta.ErrNotFound) {
		return meta.LedgerEntry{}, nil
	}
	return e, err
}

func (l *Ledger) tenant(tx *meta.Tx, tenantID string) (*meta.Tenant, error) {
	var t meta.Tenant
	if err := tx.GetJSON(meta.TenantKey(tenantID), &t); err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	return &t, nil
}

// Reserve provisionally claims deltaBytes and deltaObjects for a tenant. The
// claim counts against the storage limit until it is committed or rolled back.
// Global buckets (empty tenant) are not tracked and always succeed.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, deltaBytes, deltaObjects int64) (*meta.Reservation, error) {
	res := &meta.Reservation{
		TenantID:  tenantID,
		ID:        uuid.NewString(),
		Bytes:     deltaBytes,
		Objects:   deltaObjects,
		State:     meta.ReservationPending,
		CreatedAt: l.now().UTC(),
	}
	if tenantID == "" {
		return res, nil
	}

	err := l.store.Update(ctx, func(tx *meta.Tx) error {
		t, err := l.tenant(tx, tenantID)
		if err != nil {
			return err
		}
		e, err := l.Entry(tx, tenantID)
		if err != nil {
			return err
		}
		if err := checkStorage(t, e, deltaBytes); err != nil {
			return err
		}
		e.PendingBytes += positive(deltaBytes)
		e.PendingObjects += positive(deltaObjects)
		if err := tx.PutJSON(meta.LedgerKey(tenantID), e); err != nil {
			return err
		}
		return tx.PutJSON(meta.ReservationKey(tenantID, res.ID), res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Commit finalizes a reservation inside the caller's transaction and applies
// the actual delta. Committing an already committed reservation is a no-op, so
// a retried commit never double counts. A reservation that lapsed (expired
// while its write was still running, or already dropped) no longer holds a
// claim, so the actual delta is checked against the storage limit instead.
func (l *Ledger) Commit(tx *meta.Tx, tenantID, reservationID string, actual Delta) error {
	if tenantID == "" {
		return nil
	}
	res, err := l.reservation(tx, tenantID, reservationID)
	if err != nil && !errors.Is(err, ErrReservationNotFound) {
		return err
	}
	if res != nil && res.State == meta.ReservationCommitted {
		return nil
	}
	e, err := l.Entry(tx, tenantID)
	if err != nil {
		return err
	}
	if res != nil && res.State == meta.ReservationPending {
		release(&e, res)
	} else {
		t, err := l.tenant(tx, tenantID)
		if err != nil {
			return err
		}
		if err := checkStorage(t, e, actual.Bytes); err != nil {
			return err
		}
		l.logger.Warn().Str("tenant", tenantID).Str("reservation", reservationID).
			Msg("Committing a lapsed quota reservation")
		if res == nil {
			res = &meta.Reservation{TenantID: tenantID, ID: reservationID, CreatedAt: l.now().UTC()}
		}
		res.Bytes, res.Objects = actual.Bytes, actual.Objects
	}
	applyDelta(&e, actual)
	l.finish(res, meta.ReservationCommitted)
	if err := tx.PutJSON(meta.LedgerKey(tenantID), e); err != nil {
		return err
	}
	return tx.PutJSON(meta.ReservationKey(tenantID, reservationID), res)
}

// Rollback undoes a reservation in its own transaction. Idempotent.
func (l *Ledger) Rollback(ctx context.Context, tenantID, reservationID string) error {
	if tenantID == "" {
		return nil
	}
	return l.store.Update(ctx, func(tx *meta.Tx) error {
		return l.RollbackTx(tx, tenantID, reservationID)
	})
}

// RollbackTx undoes a reservation inside the caller's transaction.
func (l *Ledger) RollbackTx(tx *meta.Tx, tenantID, reservationID string) error {
	if tenantID == "" {
		return nil
	}
	res, err := l.reservation(tx, tenantID, reservationID)
	if err != nil {
		return err
	}
	if res.State != meta.ReservationPending {
		return nil
	}
	e, err := l.Entry(tx, tenantID)
	if err != nil {
		return err
	}
	release(&e, res)
	l.finish(res, meta.ReservationRolledBack)
	if err := tx.PutJSON(meta.LedgerKey(tenantID), e); err != nil {
		return err
	}
	return tx.PutJSON(meta.ReservationKey(tenantID, reservationID), res)
}

func (l *Ledger) finish(res *meta.Reservation, state meta.ReservationState) {
	now := l.now().UTC()
	res.State = state
	res.FinishedAt = &now
}

func (l *Ledger) reservation(tx *meta.Tx, tenantID, reservationID string) (*meta.Reservation, error) {
	var res meta.Reservation
	err := tx.GetJSON(meta.ReservationKey(tenantID, reservationID), &res)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Apply adjusts counters without any limit check. Used for decreases and for
// bucket/access-key counters whose limits were checked separately.
func (l *Ledger) Apply(tx *meta.Tx, tenantID string, d Delta) error {
	if tenantID == "" || d.IsZero() {
		return nil
	}
	e, err := l.Entry(tx, tenantID)
	if err != nil {
		return err
	}
	applyDelta(&e, d)
	return tx.PutJSON(meta.LedgerKey(tenantID), e)
}

// CheckBuckets returns an ExceededError if t cannot own another bucket.
func (l *Ledger) CheckBuckets(tx *meta.Tx, t *meta.Tenant) error {
	if t.Quota.MaxBuckets <= 0 {
		return nil
	}
	e, err := l.Entry(tx, t.ID)
	if err != nil {
		return err
	}
	if e.BucketCount+1 > t.Quota.MaxBuckets {
		return &ExceededError{TenantID: t.ID, Resource: ResourceBuckets, Limit: t.Quota.MaxBuckets, Current: e.BucketCount, Requested: 1}
	}
	return nil
}

// CheckAccessKeys returns an ExceededError if t cannot hold another key.
func (l *Ledger) CheckAccessKeys(tx *meta.Tx, t *meta.Tenant) error {
	if t.Quota.MaxAccessKeys <= 0 {
		return nil
	}
	e, err := l.Entry(tx, t.ID)
	if err != nil {
		return err
	}
	if e.AccessKeyCount+1 > t.Quota.MaxAccessKeys {
		return &ExceededError{TenantID: t.ID, Resource: ResourceAccessKeys, Limit: t.Quota.MaxAccessKeys, Current: e.AccessKeyCount, Requested: 1}
	}
	return nil
}

// Usage returns the tenant quota query view.
func (l *Ledger) Usage(ctx context.Context, tenantID string) (*Usage, error) {
	var u *Usage
	err := l.store.View(ctx, func(tx *meta.Tx) error {
		var err error
		u, err = l.UsageTx(tx, tenantID)
		return err
	})
	return u, err
}

// UsageTx is Usage inside an existing transaction.
func (l *Ledger) UsageTx(tx *meta.Tx, tenantID string) (*Usage, error) {
	t, err := l.tenant(tx, tenantID)
	if err != nil {
		return nil, err
	}
	e, err := l.Entry(tx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Usage{
		TenantID:            tenantID,
		MaxStorageBytes:     t.Quota.MaxStorageBytes,
		CurrentStorageBytes: e.StorageBytes,
		PendingBytes:        e.PendingBytes,
		MaxBuckets:          t.Quota.MaxBuckets,
		CurrentBuckets:      e.BucketCount,
		MaxAccessKeys:       t.Quota.MaxAccessKeys,
		CurrentAccessKeys:   e.AccessKeyCount,
		CurrentObjects:      e.ObjectCount,
	}, nil
}

// Remove deletes a tenant's ledger entry and reservations. Used when the
// tenant itself is deleted.
func (l *Ledger) Remove(tx *meta.Tx, tenantID string) error {
	var keys []string
	if err := tx.Scan(meta.ReservationPrefix(tenantID), func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	keys = append(keys, meta.LedgerKey(tenantID))
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ExpireReservations rolls back pending reservations older than maxAge (left
// behind by a crash between reserve and commit). Finished reservations are
// kept for another maxAge after they finish, so a write that outlived its
// reservation still finds it when committing. Returns how many pending
// reservations were rolled back.
func (l *Ledger) ExpireReservations(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := l.now().UTC().Add(-maxAge)
	expired := 0
	err := l.store.Update(ctx, func(tx *meta.Tx) error {
		expired = 0
		var stale, done []meta.Reservation
		err := tx.Scan(meta.AllReservationsPrefix(), func(key string, value []byte) error {
			var res meta.Reservation
			if err := decode(value, &res); err != nil {
				return fmt.Errorf("reservation %q: %w", key, err)
			}
			switch {
			case res.State == meta.ReservationPending:
				if res.CreatedAt.Before(cutoff) {
					stale = append(stale, res)
				}
			case res.FinishedAt == nil || res.FinishedAt.Before(cutoff):
				done = append(done, res)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, res := range stale {
			if err := l.RollbackTx(tx, res.TenantID, res.ID); err != nil {
				return err
			}
			expired++
		}
		for _, res := range done {
			if err := tx.Delete(meta.ReservationKey(res.TenantID, res.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && expired > 0 {
		l.logger.Warn().Int("count", expired).Msg("Rolled back stale quota reservations")
	}
	return expired, err
}

// checkStorage returns an ExceededError if deltaBytes does not fit t's
// storage limit on top of current and pending usage.
func checkStorage(t *meta.Tenant, e meta.LedgerEntry, deltaBytes int64) error {
	max := t.Quota.MaxStorageBytes
	if max <= 0 || deltaBytes <= 0 {
		return nil
	}
	current := e.StorageBytes + e.PendingBytes
	if current+deltaBytes > max {
		return &ExceededError{
			TenantID:  t.ID,
			Resource:  ResourceStorage,
			Limit:     max,
			Current:   current,
			Requested: deltaBytes,
		}
	}
	return nil
}

func release(e *meta.LedgerEntry, res *meta.Reservation) {
	e.PendingBytes -= positive(res.Bytes)
	e.PendingObjects -= positive(res.Objects)
	if e.PendingBytes < 0 {
		e.PendingBytes = 0
	}
	if e.PendingObjects < 0 {
		e.PendingObjects = 0
	}
}

func applyDelta(e *meta.LedgerEntry, d Delta) {
	e.StorageBytes += d.Bytes
	e.ObjectCount += d.Objects
	e.BucketCount += d.Buckets
	e.AccessKeyCount += d.AccessKeys
}

func positive(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
