package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
)

// DeleteState is a step of a bucket or tenant deletion.
type DeleteState string

const (
	StateRequested           DeleteState = "Requested"
	StateValidatingEmptiness DeleteState = "ValidatingEmptiness"
	StateRejected            DeleteState = "Rejected"
	StateCascadeInProgress   DeleteState = "CascadeInProgress"
	StateMetadataRemoved     DeleteState = "MetadataRemoved"
	StateDataPurgeInProgress DeleteState = "DataPurgeInProgress"
	StateCompleted           DeleteState = "Completed"
)

// DeleteReport records how far a deletion got and what it removed.
type DeleteReport struct {
	Operation   string         `json:"operation"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Target      string         `json:"target"`
	States      []DeleteState  `json:"states"`
	Removed     map[string]int `json:"removed"`
	Versions    int            `json:"versions_removed"`
	BlobsPurged int            `json:"blobs_purged"`
	Failed      []FailedItem   `json:"failed,omitempty"`
}

// State returns the last state reached.
func (r *DeleteReport) State() DeleteState {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

func (r *DeleteReport) enter(s DeleteState) {
	r.States = append(r.States, s)
}

func newReport(op, tenantID, target string) *DeleteReport {
	r := &DeleteReport{Operation: op, TenantID: tenantID, Target: target, Removed: make(map[string]int)}
	r.enter(StateRequested)
	return r
}

// errAlreadyRemoved reports that another cascade removed an item first.
var errAlreadyRemoved = errors.New("already removed")

// workItem is one node of a cascade. Nodes live in a flat arena and refer to
// each other by index, so a cascade of any depth runs without recursion.
type workItem struct {
	kind     string
	tenantID string
	bucket   string
	id       string
	parent   int
	children []int
	expanded bool
	failed   bool

	// released holds blob locations whose metadata this item removed.
	released []string
}

// cascade deletes a tree of records children-first. An item whose metadata
// removal fails is reported and blocks its ancestors, which keep their
// records (and pending state) so a later resume can finish the job.
type cascade struct {
	m      *Manager
	items  []workItem
	report *DeleteReport
}

func (m *Manager) newCascade(report *DeleteReport) *cascade {
	return &cascade{m: m, report: report}
}

func (c *cascade) add(kind, tenantID, bucket, id string, parent int) int {
	c.items = append(c.items, workItem{kind: kind, tenantID: tenantID, bucket: bucket, id: id, parent: parent})
	idx := len(c.items) - 1
	if parent >= 0 {
		c.items[parent].children = append(c.items[parent].children, idx)
	}
	return idx
}

func (c *cascade) fail(idx int, err error) {
	it := &c.items[idx]
	it.failed = true
	c.report.Failed = append(c.report.Failed, FailedItem{Kind: it.kind, Bucket: it.bucket, ID: it.id, Err: err})
	c.m.logger.Warn().Err(err).Str("kind", it.kind).Str("tenant", it.tenantID).Str("bucket", it.bucket).
		Str("id", it.id).Msg("Cascade item failed")
}

// run walks the arena depth-first, removing each item after its children.
func (c *cascade) run(ctx context.Context) {
	stack := []int{0}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]

		if !c.items[idx].expanded {
			c.items[idx].expanded = true
			if err := c.expand(ctx, idx); err != nil {
				c.fail(idx, err)
				stack = stack[:len(stack)-1]
				continue
			}
			children := c.items[idx].children
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
			continue
		}

		stack = stack[:len(stack)-1]
		blocked := false
		for _, child := range c.items[idx].children {
			if c.items[child].failed {
				blocked = true
				break
			}
		}
		if blocked {
			c.items[idx].failed = true
			continue
		}
		if err := c.remove(ctx, idx); err != nil {
			if !errors.Is(err, errAlreadyRemoved) {
				c.fail(idx, err)
			}
			continue
		}
		c.report.Removed[c.items[idx].kind]++
	}
}

// expand discovers an item's children.
func (c *cascade) expand(ctx context.Context, idx int) error {
	it := c.items[idx]
	switch it.kind {
	case ItemTenant:
		var users, keys, buckets []string
		err := c.m.store.View(ctx, func(tx *meta.Tx) error {
			users, keys, buckets = nil, nil, nil
			collect := func(dst *[]string) func(string, []byte) error {
				return func(key string, _ []byte) error {
					*dst = append(*dst, meta.LastComponent(key))
					return nil
				}
			}
			if err := tx.Scan(meta.UserPrefix(it.tenantID), collect(&users)); err != nil {
				return err
			}
			if err := tx.Scan(meta.AccessKeyPrefix(it.tenantID), collect(&keys)); err != nil {
				return err
			}
			return tx.Scan(meta.BucketPrefix(it.tenantID), collect(&buckets))
		})
		if err != nil {
			return err
		}
		for _, id := range users {
			c.add(ItemUser, it.tenantID, "", id, idx)
		}
		for _, id := range keys {
			c.add(ItemAccessKey, it.tenantID, "", id, idx)
		}
		for _, name := range buckets {
			c.add(ItemBucket, it.tenantID, name, name, idx)
		}

	case ItemBucket:
		// Mark the bucket first so no new versions can land while its
		// objects are being removed.
		err := c.m.store.Update(ctx, func(tx *meta.Tx) error {
			b, err := c.m.loadBucket(tx, it.tenantID, it.bucket)
			if err != nil {
				return err
			}
			if b.IsPendingDelete() {
				return nil
			}
			now := c.m.now().UTC()
			b.PendingDelete = &now
			return tx.PutJSON(meta.BucketKey(it.tenantID, it.bucket), b)
		})
		if errors.Is(err, ErrBucketNotFound) {
			// Gone already; remove reports it.
			return nil
		}
		if err != nil {
			return err
		}
		keys, err := c.m.objectKeys(ctx, it.tenantID, it.bucket)
		if err != nil {
			return err
		}
		for _, key := range keys {
			c.add(ItemObject, it.tenantID, it.bucket, key, idx)
		}
	}
	return nil
}

// objectKeys returns the distinct object keys that have any version record.
func (m *Manager) objectKeys(ctx context.Context, tenantID, bucket string) ([]string, error) {
	var keys []string
	prefix := meta.BucketVersionsPrefix(tenantID, bucket)
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		keys = nil
		return tx.Scan(prefix, func(k string, _ []byte) error {
			parts := meta.Components(k)
			if len(parts) < 4 {
				return fmt.Errorf("malformed version key %q", k)
			}
			key := parts[2]
			if len(keys) == 0 || keys[len(keys)-1] != key {
				keys = append(keys, key)
			}
			return nil
		})
	})
	return keys, err
}

// remove deletes an item's own records in one transaction. Records another
// cascade already deleted yield errAlreadyRemoved.
func (c *cascade) remove(ctx context.Context, idx int) error {
	err := c.removeItem(ctx, idx)
	if errors.Is(err, ErrBucketNotFound) || errors.Is(err, ErrTenantNotFound) {
		return fmt.Errorf("%w: %w", errAlreadyRemoved, err)
	}
	return err
}

func (c *cascade) removeItem(ctx context.Context, idx int) error {
	it := &c.items[idx]
	m := c.m
	switch it.kind {
	case ItemObject:
		var released []string
		var versions int
		err := m.store.Update(ctx, func(tx *meta.Tx) error {
			b, err := m.loadBucket(tx, it.tenantID, it.bucket)
			if err != nil {
				return err
			}
			tr, err := m.chain.PurgeKey(tx, b, it.id)
			if err != nil {
				return err
			}
			if err := m.applyTransition(tx, b, tr); err != nil {
				return err
			}
			if err := m.ledger.Apply(tx, it.tenantID, transitionDelta(tr)); err != nil {
				return err
			}
			released = locations(tr.Removed)
			versions = len(tr.Removed)
			return nil
		})
		if err != nil {
			return err
		}
		it.released = released
		c.report.Versions += versions
		return nil

	case ItemBucket:
		return m.store.Update(ctx, func(tx *meta.Tx) error {
			b, err := m.loadBucket(tx, it.tenantID, it.bucket)
			if err != nil {
				return err
			}
			if tx.HasAny(meta.BucketVersionsPrefix(it.tenantID, it.bucket)) {
				return fmt.Errorf("%w: versions remain in %s", ErrBucketNotEmpty, it.bucket)
			}
			if err := tx.Delete(meta.BucketKey(it.tenantID, it.bucket)); err != nil {
				return err
			}
			if owner, err := tx.Get(meta.BucketNameKey(it.bucket)); err == nil && string(owner) == it.tenantID {
				if err := tx.Delete(meta.BucketNameKey(it.bucket)); err != nil {
					return err
				}
			}
			// Residual aggregates are zero unless they had drifted; removing
			// them keeps the tenant total equal to the sum of its buckets.
			return m.ledger.Apply(tx, it.tenantID, quota.Delta{
				Bytes:   -b.SizeBytes,
				Objects: -b.ObjectCount,
				Buckets: -1,
			})
		})

	case ItemUser:
		return m.store.Update(ctx, func(tx *meta.Tx) error {
			return tx.Delete(meta.UserKey(it.tenantID, it.id))
		})

	case ItemAccessKey:
		return m.store.Update(ctx, func(tx *meta.Tx) error {
			err := m.deleteAccessKeyTx(tx, it.tenantID, it.id)
			if errors.Is(err, ErrAccessKeyNotFound) {
				return nil
			}
			return err
		})

	case ItemTenant:
		return m.store.Update(ctx, func(tx *meta.Tx) error {
			t, err := m.loadTenant(tx, it.tenantID)
			if err != nil {
				return err
			}
			for _, prefix := range []string{
				meta.BucketPrefix(it.tenantID),
				meta.UserPrefix(it.tenantID),
				meta.AccessKeyPrefix(it.tenantID),
			} {
				if tx.HasAny(prefix) {
					return fmt.Errorf("tenant %s still owns records", it.tenantID)
				}
			}
			if err := tx.Delete(meta.TenantNameKey(t.DisplayName)); err != nil {
				return err
			}
			if err := tx.Delete(meta.TenantKey(it.tenantID)); err != nil {
				return err
			}
			return m.ledger.Remove(tx, it.tenantID)
		})
	}
	return fmt.Errorf("unknown cascade item kind %q", it.kind)
}

// finish purges released blobs once their metadata is gone and records the
// final state. Purge failures are attributed to the bucket that owned the
// content and stay in the purge queue.
func (c *cascade) finish(ctx context.Context) error {
	rootRemoved := !c.items[0].failed
	if rootRemoved {
		c.report.enter(StateMetadataRemoved)
	}

	owner := make(map[string]int)
	var locs []string
	for i := range c.items {
		for _, loc := range c.items[i].released {
			owner[loc] = c.items[i].parent
			locs = append(locs, loc)
		}
	}

	if rootRemoved {
		c.report.enter(StateDataPurgeInProgress)
	}
	failed := c.m.purge(ctx, locs)
	c.report.BlobsPurged = len(locs) - len(failed)

	perBucket := make(map[int][]error)
	var order []int
	for _, loc := range locs {
		err, ok := failed[loc]
		if !ok {
			continue
		}
		b := owner[loc]
		if _, seen := perBucket[b]; !seen {
			order = append(order, b)
		}
		perBucket[b] = append(perBucket[b], fmt.Errorf("%s: %w", loc, err))
	}
	for _, b := range order {
		it := c.items[b]
		errs := perBucket[b]
		c.report.Failed = append(c.report.Failed, FailedItem{
			Kind:   ItemBucket,
			Bucket: it.bucket,
			ID:     it.id,
			Err:    fmt.Errorf("purge %d blobs: %w", len(errs), errors.Join(errs...)),
		})
	}

	if rootRemoved {
		c.report.enter(StateCompleted)
	}
	if len(c.report.Failed) > 0 {
		return &PartialCascadeFailure{
			Operation: c.report.Operation,
			Target:    c.report.Target,
			Failed:    c.report.Failed,
		}
	}
	return nil
}

// DeleteBucket deletes a bucket. Without force a bucket holding any version
// record is rejected with ErrBucketNotEmpty. With force every version is
// removed first.
//
// Metadata goes before data: the bucket is marked pending, its version
// records and then the bucket record are removed, and only then is content
// purged. A crash at any point leaves either a pending bucket that
// ResumePendingDeletes finishes, or queued purges that PurgeOrphans
// reclaims; never metadata pointing at missing content.
func (m *Manager) DeleteBucket(ctx context.Context, tenantID, name string, force bool) (*DeleteReport, error) {
	report := newReport("DeleteBucket", tenantID, name)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	target := bucketTarget(tenantID, name)
	if !m.active.claim(target) {
		report.enter(StateRejected)
		return report, fmt.Errorf("%w: %w: %s", ErrBucketDeleting, ErrDeleteInProgress, name)
	}
	defer m.active.release(target)

	// The emptiness check and the pending mark share a transaction, so no
	// object can land between them.
	report.enter(StateValidatingEmptiness)
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		b, err := m.loadBucket(tx, tenantID, name)
		if err != nil {
			return err
		}
		if b.IsPendingDelete() {
			return nil
		}
		if !force && tx.HasAny(meta.BucketVersionsPrefix(tenantID, name)) {
			return fmt.Errorf("%w: %s holds %d objects and may hold older versions; retry with force",
				ErrBucketNotEmpty, name, b.ObjectCount)
		}
		now := m.now().UTC()
		b.PendingDelete = &now
		return tx.PutJSON(meta.BucketKey(tenantID, name), b)
	})
	if err != nil {
		report.enter(StateRejected)
		m.auditBucket(tenantID, "DeleteBucket", name, err)
		return report, err
	}

	report.enter(StateCascadeInProgress)
	c := m.newCascade(report)
	c.add(ItemBucket, tenantID, name, name, -1)
	c.run(ctx)
	err = c.finish(ctx)

	m.audit.LogCascade(tenantID, "DeleteBucket", name, string(report.State()), report.Versions, len(report.Failed))
	return report, err
}

// DeleteTenant deletes a tenant with its users and access keys. Buckets are
// only removed with force; otherwise a tenant that owns any bucket is
// rejected with ErrTenantNotEmpty. The tenant is marked deleting before the
// cascade starts and keeps that status if any sub-item's metadata could not
// be removed.
func (m *Manager) DeleteTenant(ctx context.Context, tenantID string, force bool) (*DeleteReport, error) {
	report := newReport("DeleteTenant", tenantID, tenantID)
	if tenantID == "" {
		report.enter(StateRejected)
		return report, invalid("tenant id", "cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	target := tenantTarget(tenantID)
	if !m.active.claim(target) {
		report.enter(StateRejected)
		return report, fmt.Errorf("%w: tenant %s", ErrDeleteInProgress, tenantID)
	}
	defer m.active.release(target)

	report.enter(StateValidatingEmptiness)
	err := m.store.Update(ctx, func(tx *meta.Tx) error {
		t, err := m.loadTenant(tx, tenantID)
		if err != nil {
			return err
		}
		if !force && t.Status != meta.TenantDeleting {
			n, err := tx.Count(meta.BucketPrefix(tenantID))
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s owns %d buckets; retry with force", ErrTenantNotEmpty, tenantID, n)
			}
		}
		t.Status = meta.TenantDeleting
		return tx.PutJSON(meta.TenantKey(tenantID), t)
	})
	if err != nil {
		report.enter(StateRejected)
		m.auditTenant(tenantID, "DeleteTenant", "", err)
		return report, err
	}

	report.enter(StateCascadeInProgress)
	c := m.newCascade(report)
	c.add(ItemTenant, tenantID, "", tenantID, -1)
	c.run(ctx)
	err = c.finish(ctx)

	removed := 0
	for _, n := range report.Removed {
		removed += n
	}
	m.audit.LogCascade(tenantID, "DeleteTenant", tenantID, string(report.State()), removed, len(report.Failed))
	return report, err
}

// ResumePendingDeletes finishes cascades interrupted by a crash or by item
// failures: tenants in the deleting state and buckets marked pending delete.
// Deletions still running in this process are left to their caller.
func (m *Manager) ResumePendingDeletes(ctx context.Context) ([]*DeleteReport, error) {
	var tenants []string
	var buckets []meta.Bucket
	err := m.store.View(ctx, func(tx *meta.Tx) error {
		tenants, buckets = nil, nil
		deleting := make(map[string]bool)
		if err := tx.Scan(meta.TenantPrefix(), func(_ string, value []byte) error {
			var t meta.Tenant
			if err := decode(value, &t); err != nil {
				return err
			}
			if t.Status == meta.TenantDeleting {
				tenants = append(tenants, t.ID)
				deleting[t.ID] = true
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Scan(meta.AllBucketsPrefix(), func(_ string, value []byte) error {
			var b meta.Bucket
			if err := decode(value, &b); err != nil {
				return err
			}
			if b.IsPendingDelete() && !deleting[b.TenantID] {
				buckets = append(buckets, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var reports []*DeleteReport
	var errs []error
	for _, id := range tenants {
		r, err := m.DeleteTenant(ctx, id, true)
		if errors.Is(err, ErrDeleteInProgress) {
			continue
		}
		reports = append(reports, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("resume tenant %s: %w", id, err))
		}
	}
	for _, b := range buckets {
		r, err := m.DeleteBucket(ctx, b.TenantID, b.Name, true)
		if errors.Is(err, ErrDeleteInProgress) {
			continue
		}
		reports = append(reports, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("resume bucket %s: %w", b.Name, err))
		}
	}
	if len(reports) > 0 {
		m.logger.Info().Int("resumed", len(reports)).Msg("Resumed pending deletes")
	}
	return reports, errors.Join(errs...)
}

// PurgeStats summarizes a PurgeOrphans run.
type PurgeStats struct {
	Purged    int `json:"purged"`
	Remaining int `json:"remaining"`
}

// PurgeOrphans retries every queued blob purge. Entries whose purge fails
// again stay queued with an incremented attempt count.
func (m *Manager) PurgeOrphans(ctx context.Context) (PurgeStats, error) {
	var locs []string
	it := m.store.Scan(meta.PurgePrefix())
	for it.Next(ctx) {
		locs = append(locs, strings.TrimPrefix(it.Record().Key, meta.PurgePrefix()))
	}
	if err := it.Err(); err != nil {
		return PurgeStats{}, err
	}
	failed := m.purge(ctx, locs)
	stats := PurgeStats{Purged: len(locs) - len(failed), Remaining: len(failed)}
	if len(locs) > 0 {
		m.logger.Info().Int("purged", stats.Purged).Int("remaining", stats.Remaining).Msg("Purged orphaned blobs")
	}
	return stats, nil
}
