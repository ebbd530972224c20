// Package version implements per-key version history for buckets.
//
// Version records are immutable and append-only. Which version is current is
// held in a separate latest-pointer record per key, rewritten in the same
// transaction as every append or removal, so no version record is ever
// modified in place.
package version

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/oklog/ulid"
)

// Version chain errors.
var (
	ErrObjectNotFound  = errors.New("object not found")
	ErrVersionNotFound = errors.New("version not found")
)

// Transition describes the effect of one Put or Delete on a key's chain.
type Transition struct {
	// Written is the version appended by the operation, if any. For deletes
	// this is the delete marker.
	Written *meta.ObjectVersion
	// Superseded is the version that was latest before the operation.
	Superseded *meta.ObjectVersion
	// Removed lists version records deleted by the operation. Their blob
	// locations become garbage once the transaction commits.
	Removed []*meta.ObjectVersion
	// Promoted is the version that became latest after its successor was
	// removed by a version-specific delete.
	Promoted *meta.ObjectVersion

	// CountDelta and SizeDelta are the change in current, non-delete-marker
	// versions for the key; they feed bucket aggregates and the quota ledger.
	CountDelta int64
	SizeDelta  int64
}

// Chain applies versioning transitions inside metadata transactions.
type Chain struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewChain creates a version chain with ULID version identifiers.
func NewChain() *Chain {
	return &Chain{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// newVersionID returns a ULID. IDs sort by creation time, which keeps
// version listings stable, but ordering decisions use Seq.
func (c *Chain) newVersionID(t time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), c.entropy).String()
}

// Put writes v as the new latest version of its key.
//
// On a bucket with versioning Enabled a new version is appended and the
// previous latest becomes noncurrent. On an unversioned or Suspended bucket the
// write replaces the "null" version in place: an existing null version is
// removed, while other (historical) versions are preserved.
func (c *Chain) Put(tx *meta.Tx, b *meta.Bucket, v *meta.ObjectVersion) (*Transition, error) {
	seq, err := tx.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}
	now := c.now().UTC()

	v.TenantID = b.TenantID
	v.Bucket = b.Name
	v.Seq = seq
	v.DeleteMarker = false
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if b.Versioning == meta.VersioningEnabled {
		v.VersionID = c.newVersionID(v.CreatedAt)
	} else {
		v.VersionID = meta.NullVersionID
	}

	tr := &Transition{Written: v}
	prev, err := c.Head(tx, b, v.Key)
	if err != nil && !errors.Is(err, ErrObjectNotFound) {
		return nil, err
	}
	tr.Superseded = prev

	if v.VersionID == meta.NullVersionID {
		if err := c.removeNull(tx, b, v.Key, tr); err != nil {
			return nil, err
		}
	}

	if err := c.append(tx, b, v); err != nil {
		return nil, err
	}

	oldCount, oldSize := contribution(prev)
	tr.CountDelta = 1 - oldCount
	tr.SizeDelta = v.Size - oldSize
	v.IsLatest = true
	return tr, nil
}

// Delete applies an S3 delete to a key.
//
// Without versionID: Enabled buckets get a delete marker appended, even when
// the latest version already is one; Suspended buckets get a null delete
// marker replacing the null version; unversioned buckets drop the object. With versionID: that exact version is removed and,
// if it was latest, the most recent remaining version is promoted.
func (c *Chain) Delete(tx *meta.Tx, b *meta.Bucket, key, versionID string) (*Transition, error) {
	if versionID != "" {
		return c.deleteVersion(tx, b, key, versionID)
	}

	latest, err := c.Head(tx, b, key)
	if err != nil {
		return nil, err
	}
	if latest.DeleteMarker && b.Versioning == meta.VersioningOff {
		return nil, ErrObjectNotFound
	}

	// A marker over a marker is allowed, as in S3; it changes no counters.
	count, size := contribution(latest)
	tr := &Transition{Superseded: latest, CountDelta: -count, SizeDelta: -size}

	switch b.Versioning {
	case meta.VersioningOff:
		if err := tx.Delete(meta.VersionKey(b.TenantID, b.Name, key, latest.VersionID)); err != nil {
			return nil, err
		}
		if err := tx.Delete(meta.PointerKey(b.TenantID, b.Name, key)); err != nil {
			return nil, err
		}
		latest.IsLatest = false
		tr.Removed = append(tr.Removed, latest)
		return tr, nil

	case meta.VersioningSuspended:
		if err := c.removeNull(tx, b, key, tr); err != nil {
			return nil, err
		}
	}

	marker, err := c.newMarker(tx, b, key)
	if err != nil {
		return nil, err
	}
	if err := c.append(tx, b, marker); err != nil {
		return nil, err
	}
	marker.IsLatest = true
	tr.Written = marker
	return tr, nil
}

func (c *Chain) newMarker(tx *meta.Tx, b *meta.Bucket, key string) (*meta.ObjectVersion, error) {
	seq, err := tx.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}
	now := c.now().UTC()
	m := &meta.ObjectVersion{
		TenantID:     b.TenantID,
		Bucket:       b.Name,
		Key:          key,
		Seq:          seq,
		DeleteMarker: true,
		CreatedAt:    now,
		VersionID:    meta.NullVersionID,
	}
	if b.Versioning == meta.VersioningEnabled {
		m.VersionID = c.newVersionID(now)
	}
	return m, nil
}

func (c *Chain) deleteVersion(tx *meta.Tx, b *meta.Bucket, key, versionID string) (*Transition, error) {
	v, err := c.Get(tx, b, key, versionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Delete(meta.VersionKey(b.TenantID, b.Name, key, versionID)); err != nil {
		return nil, err
	}
	tr := &Transition{Removed: []*meta.ObjectVersion{v}}
	if !v.IsLatest {
		return tr, nil
	}

	tr.Superseded = v
	next, err := c.mostRecent(tx, b, key)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if err := tx.Delete(meta.PointerKey(b.TenantID, b.Name, key)); err != nil {
			return nil, err
		}
	} else {
		if err := c.point(tx, b, next); err != nil {
			return nil, err
		}
		next.IsLatest = true
		tr.Promoted = next
	}

	oldCount, oldSize := contribution(v)
	newCount, newSize := contribution(next)
	tr.CountDelta = newCount - oldCount
	tr.SizeDelta = newSize - oldSize
	return tr, nil
}

// removeNull deletes the key's null version, if one exists, recording it in tr.
func (c *Chain) removeNull(tx *meta.Tx, b *meta.Bucket, key string, tr *Transition) error {
	vk := meta.VersionKey(b.TenantID, b.Name, key, meta.NullVersionID)
	var old meta.ObjectVersion
	err := tx.GetJSON(vk, &old)
	if errors.Is(err, meta.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Delete(vk); err != nil {
		return err
	}
	tr.Removed = append(tr.Removed, &old)
	return nil
}

func (c *Chain) append(tx *meta.Tx, b *meta.Bucket, v *meta.ObjectVersion) error {
	if err := tx.PutJSON(meta.VersionKey(b.TenantID, b.Name, v.Key, v.VersionID), v); err != nil {
		return err
	}
	return c.point(tx, b, v)
}

func (c *Chain) point(tx *meta.Tx, b *meta.Bucket, v *meta.ObjectVersion) error {
	return tx.PutJSON(meta.PointerKey(b.TenantID, b.Name, v.Key), meta.LatestPointer{
		VersionID:    v.VersionID,
		DeleteMarker: v.DeleteMarker,
		Seq:          v.Seq,
	})
}

// mostRecent returns the remaining version with the highest Seq, or nil.
func (c *Chain) mostRecent(tx *meta.Tx, b *meta.Bucket, key string) (*meta.ObjectVersion, error) {
	var best *meta.ObjectVersion
	err := tx.Scan(meta.ObjectVersionsPrefix(b.TenantID, b.Name, key), func(k string, value []byte) error {
		var v meta.ObjectVersion
		if err := decode(value, &v); err != nil {
			return fmt.Errorf("version %q: %w", k, err)
		}
		if best == nil || v.Seq > best.Seq {
			best = &v
		}
		return nil
	})
	return best, err
}

// Head returns the latest version of key, which may be a delete marker.
func (c *Chain) Head(tx *meta.Tx, b *meta.Bucket, key string) (*meta.ObjectVersion, error) {
	var p meta.LatestPointer
	err := tx.GetJSON(meta.PointerKey(b.TenantID, b.Name, key), &p)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	var v meta.ObjectVersion
	if err := tx.GetJSON(meta.VersionKey(b.TenantID, b.Name, key, p.VersionID), &v); err != nil {
		return nil, fmt.Errorf("latest version %s of %q: %w", p.VersionID, key, err)
	}
	v.IsLatest = true
	return &v, nil
}

// Latest returns the current live version of key. A key whose latest entry
// is a delete marker is reported as ErrObjectNotFound.
func (c *Chain) Latest(tx *meta.Tx, b *meta.Bucket, key string) (*meta.ObjectVersion, error) {
	v, err := c.Head(tx, b, key)
	if err != nil {
		return nil, err
	}
	if v.DeleteMarker {
		return nil, ErrObjectNotFound
	}
	return v, nil
}

// Get returns a specific version of key with IsLatest filled in.
func (c *Chain) Get(tx *meta.Tx, b *meta.Bucket, key, versionID string) (*meta.ObjectVersion, error) {
	var v meta.ObjectVersion
	err := tx.GetJSON(meta.VersionKey(b.TenantID, b.Name, key, versionID), &v)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	var p meta.LatestPointer
	if err := tx.GetJSON(meta.PointerKey(b.TenantID, b.Name, key), &p); err == nil {
		v.IsLatest = p.VersionID == versionID
	}
	return &v, nil
}

// ListOptions bounds a listing.
type ListOptions struct {
	Prefix  string
	After   string // continue after this object key
	MaxKeys int    // 0 means unlimited
}

// List returns current, non-delete-marker versions in key order. The second
// return value is the key to pass as After for the next page, empty when done.
func (c *Chain) List(tx *meta.Tx, b *meta.Bucket, opts ListOptions) ([]*meta.ObjectVersion, string, error) {
	base := meta.BucketPointersPrefix(b.TenantID, b.Name)
	after := ""
	if opts.After != "" {
		after = base + opts.After
	}

	var out []*meta.ObjectVersion
	next := ""
	err := tx.ScanFrom(base+opts.Prefix, after, func(k string, value []byte) error {
		var p meta.LatestPointer
		if err := decode(value, &p); err != nil {
			return fmt.Errorf("pointer %q: %w", k, err)
		}
		if p.DeleteMarker {
			return nil
		}
		key := strings.TrimPrefix(k, base)
		if opts.MaxKeys > 0 && len(out) == opts.MaxKeys {
			next = out[len(out)-1].Key
			return meta.ErrStopScan
		}
		var v meta.ObjectVersion
		if err := tx.GetJSON(meta.VersionKey(b.TenantID, b.Name, key, p.VersionID), &v); err != nil {
			return fmt.Errorf("latest version %s of %q: %w", p.VersionID, key, err)
		}
		v.IsLatest = true
		out = append(out, &v)
		return nil
	})
	return out, next, err
}

// ListVersions returns every version record (including noncurrent versions
// and delete markers) under prefix, ordered by key and newest first.
func (c *Chain) ListVersions(tx *meta.Tx, b *meta.Bucket, prefix string) ([]*meta.ObjectVersion, error) {
	var out []*meta.ObjectVersion
	latest := make(map[string]string)
	err := tx.Scan(meta.BucketVersionsPrefix(b.TenantID, b.Name)+prefix, func(k string, value []byte) error {
		var v meta.ObjectVersion
		if err := decode(value, &v); err != nil {
			return fmt.Errorf("version %q: %w", k, err)
		}
		out = append(out, &v)
		if _, ok := latest[v.Key]; !ok {
			var p meta.LatestPointer
			if err := tx.GetJSON(meta.PointerKey(b.TenantID, b.Name, v.Key), &p); err == nil {
				latest[v.Key] = p.VersionID
			} else {
				latest[v.Key] = ""
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, v := range out {
		v.IsLatest = latest[v.Key] == v.VersionID
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

// PurgeKey removes every version of key and its latest pointer.
func (c *Chain) PurgeKey(tx *meta.Tx, b *meta.Bucket, key string) (*Transition, error) {
	head, err := c.Head(tx, b, key)
	if err != nil && !errors.Is(err, ErrObjectNotFound) {
		return nil, err
	}
	tr := &Transition{Superseded: head}
	var keys []string
	err = tx.Scan(meta.ObjectVersionsPrefix(b.TenantID, b.Name, key), func(k string, value []byte) error {
		var v meta.ObjectVersion
		if err := decode(value, &v); err != nil {
			return fmt.Errorf("version %q: %w", k, err)
		}
		keys = append(keys, k)
		tr.Removed = append(tr.Removed, &v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return nil, err
		}
	}
	if err := tx.Delete(meta.PointerKey(b.TenantID, b.Name, key)); err != nil {
		return nil, err
	}
	oldCount, oldSize := contribution(head)
	tr.CountDelta = -oldCount
	tr.SizeDelta = -oldSize
	return tr, nil
}

// ExpireNoncurrent removes noncurrent versions created before cutoff. Latest
// versions (including delete markers) are never touched, so bucket aggregates
// do not change.
func (c *Chain) ExpireNoncurrent(tx *meta.Tx, b *meta.Bucket, cutoff time.Time) ([]*meta.ObjectVersion, error) {
	all, err := c.ListVersions(tx, b, "")
	if err != nil {
		return nil, err
	}
	var removed []*meta.ObjectVersion
	for _, v := range all {
		if v.IsLatest || !v.CreatedAt.Before(cutoff) {
			continue
		}
		if err := tx.Delete(meta.VersionKey(b.TenantID, b.Name, v.Key, v.VersionID)); err != nil {
			return nil, err
		}
		removed = append(removed, v)
	}
	return removed, nil
}

// contribution returns what v adds to bucket aggregates as a latest version.
func contribution(v *meta.ObjectVersion) (count, size int64) {
	if v == nil || v.DeleteMarker {
		return 0, 0
	}
	return 1, v.Size
}

func decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
