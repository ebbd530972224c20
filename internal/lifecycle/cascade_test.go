package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteBucketRejectsNonEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	f.bucket(t, "acme", "docs", meta.VersioningEnabled)
	f.put(t, "acme", "docs", "a", "hello")
	_, err := f.m.DeleteObject(ctx, "acme", "docs", "a", "")
	require.NoError(t, err)

	// Only a delete marker is current, but the old version still counts
	report, err := f.m.DeleteBucket(ctx, "acme", "docs", false)
	require.ErrorIs(t, err, ErrBucketNotEmpty)
	assert.Equal(t, StateRejected, report.State())
	assert.Equal(t, []DeleteState{StateRequested, StateValidatingEmptiness, StateRejected}, report.States)

	b := f.getBucket(t, "acme", "docs")
	assert.False(t, b.IsPendingDelete())
	assert.Equal(t, int64(1), f.usage(t, "acme").BucketCount)
	assert.Len(t, f.blobs.Locations(), 1)
	f.put(t, "acme", "docs", "b", "still writable")

	_, err = f.m.DeleteBucket(ctx, "acme", "ghost", false)
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestForceDeleteBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	f.bucket(t, "acme", "docs", meta.VersioningEnabled)
	f.bucket(t, "acme", "keep", meta.VersioningOff)
	f.put(t, "acme", "docs", "a", "one")
	f.put(t, "acme", "docs", "a", "two")
	f.put(t, "acme", "docs", "b", "three")
	_, err := f.m.DeleteObject(ctx, "acme", "docs", "b", "")
	require.NoError(t, err)
	kept := f.put(t, "acme", "keep", "x", "kept")

	report, err := f.m.DeleteBucket(ctx, "acme", "docs", true)
	require.NoError(t, err)
	assert.Equal(t, []DeleteState{
		StateRequested,
		StateValidatingEmptiness,
		StateCascadeInProgress,
		StateMetadataRemoved,
		StateDataPurgeInProgress,
		StateCompleted,
	}, report.States)
	assert.Equal(t, 2, report.Removed[ItemObject])
	assert.Equal(t, 1, report.Removed[ItemBucket])
	assert.Equal(t, 4, report.Versions)
	assert.Equal(t, 3, report.BlobsPurged)
	assert.Empty(t, report.Failed)

	_, err = f.m.GetBucket(ctx, "acme", "docs")
	assert.ErrorIs(t, err, ErrBucketNotFound)
	assert.Equal(t, []string{kept.Location}, f.blobs.Locations())
	assert.Empty(t, f.purgeQueue(t))

	e := f.usage(t, "acme")
	assert.Equal(t, int64(1), e.BucketCount)
	assert.Equal(t, int64(1), e.ObjectCount)
	assert.Equal(t, int64(4), e.StorageBytes)
	f.checkAggregates(t, "acme")

	// The name can be reused
	f.bucket(t, "acme", "docs", meta.VersioningOff)
}

func TestDeleteBucketRemovesMetadataBeforeData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	f.bucket(t, "acme", "docs", meta.VersioningOff)
	f.put(t, "acme", "docs", "a", "one")
	f.put(t, "acme", "docs", "b", "two")

	deletes := 0
	f.blobs.FailDelete = func(string) error {
		deletes++
		_, err := f.m.GetBucket(ctx, "acme", "docs")
		assert.ErrorIs(t, err, ErrBucketNotFound, "content purged while metadata was still visible")
		return errDiskFailure
	}

	report, err := f.m.DeleteBucket(ctx, "acme", "docs", true)
	require.Error(t, err)
	var pcf *PartialCascadeFailure
	require.ErrorAs(t, err, &pcf)
	assert.True(t, pcf.Has(ItemBucket, "docs"))
	assert.ErrorIs(t, err, errDiskFailure)
	assert.Equal(t, StateCompleted, report.State())
	assert.Zero(t, report.BlobsPurged)
	assert.Equal(t, 4, deletes, "each blob is retried")

	// Metadata is gone and the content is queued
	_, err = f.m.GetBucket(ctx, "acme", "docs")
	assert.ErrorIs(t, err, ErrBucketNotFound)
	assert.Equal(t, int64(0), f.usage(t, "acme").BucketCount)
	assert.Len(t, f.purgeQueue(t), 2)
	assert.Len(t, f.blobs.Locations(), 2)

	f.blobs.FailDelete = nil
	stats, err := f.m.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, PurgeStats{Purged: 2}, stats)
	assert.Empty(t, f.purgeQueue(t))
	assert.Empty(t, f.blobs.Locations())
}

func TestPurgeOrphansKeepsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	f.bucket(t, "acme", "docs", meta.VersioningOff)
	old := f.put(t, "acme", "docs", "a", "one")

	f.blobs.FailDelete = func(string) error { return errDiskFailure }
	f.put(t, "acme", "docs", "a", "two")
	assert.Equal(t, []string{old.Location}, f.purgeQueue(t))

	stats, err := f.m.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, PurgeStats{Remaining: 1}, stats)

	var entry meta.PurgeEntry
	require.NoError(t, f.store.View(ctx, func(tx *meta.Tx) error {
		return tx.GetJSON(meta.PurgeKey(old.Location), &entry)
	}))
	assert.Equal(t, 2, entry.Attempts)
	assert.Contains(t, entry.LastError, errDiskFailure.Error())
}

func TestDeleteTenantRejectsBuckets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	f.bucket(t, "acme", "docs", meta.VersioningOff)

	report, err := f.m.DeleteTenant(ctx, "acme", false)
	require.ErrorIs(t, err, ErrTenantNotEmpty)
	assert.Equal(t, StateRejected, report.State())

	tn, err := f.m.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, meta.TenantActive, tn.Status)

	_, err = f.m.DeleteTenant(ctx, "", true)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.m.DeleteTenant(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestDeleteEmptyTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	u, err := f.m.CreateUser(ctx, "acme", "alice")
	require.NoError(t, err)
	_, err = f.m.CreateAccessKey(ctx, "acme", u.ID)
	require.NoError(t, err)

	report, err := f.m.DeleteTenant(ctx, "acme", false)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State())
	assert.Equal(t, 1, report.Removed[ItemUser])
	assert.Equal(t, 1, report.Removed[ItemAccessKey])
	assert.Equal(t, 1, report.Removed[ItemTenant])

	_, err = f.m.GetTenant(ctx, "acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	// The display name is free again
	_, err = f.m.CreateTenant(ctx, TenantSpec{DisplayName: "acme Inc"})
	assert.NoError(t, err)
}

func TestForceDeleteTenantPartialPurgeFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	u, err := f.m.CreateUser(ctx, "acme", "alice")
	require.NoError(t, err)
	_, err = f.m.CreateAccessKey(ctx, "acme", u.ID)
	require.NoError(t, err)
	_, err = f.m.CreateAccessKey(ctx, "acme", "")
	require.NoError(t, err)

	f.bucket(t, "acme", "good", meta.VersioningOff)
	f.bucket(t, "acme", "bad", meta.VersioningEnabled)
	f.put(t, "acme", "good", "a", "one")
	f.put(t, "acme", "good", "b", "two")
	stuck := f.put(t, "acme", "bad", "a", "three")
	f.put(t, "acme", "bad", "a", "four")

	f.blobs.FailDelete = func(location string) error {
		if location == stuck.Location {
			return errDiskFailure
		}
		return nil
	}

	report, err := f.m.DeleteTenant(ctx, "acme", true)
	require.Error(t, err)
	var pcf *PartialCascadeFailure
	require.ErrorAs(t, err, &pcf)
	assert.True(t, pcf.Has(ItemBucket, "bad"))
	assert.False(t, pcf.Has(ItemBucket, "good"))
	assert.Len(t, pcf.Failed, 1)

	// Only the purge failed, so every record is gone
	assert.Equal(t, StateCompleted, report.State())
	assert.Equal(t, 2, report.Removed[ItemBucket])
	assert.Equal(t, 1, report.Removed[ItemUser])
	assert.Equal(t, 2, report.Removed[ItemAccessKey])
	assert.Equal(t, 1, report.Removed[ItemTenant])
	assert.Equal(t, 3, report.BlobsPurged)

	_, err = f.m.GetTenant(ctx, "acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	_, err = f.m.TenantQuota(ctx, "acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.Equal(t, []string{stuck.Location}, f.blobs.Locations())
	assert.Equal(t, []string{stuck.Location}, f.purgeQueue(t))
}

func TestResumeTenantDeleteAfterMetadataFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	f.tenant(t, "globex", meta.QuotaLimits{})
	_, err := f.m.CreateUser(ctx, "acme", "alice")
	require.NoError(t, err)
	f.bucket(t, "acme", "docs", meta.VersioningOff)
	f.bucket(t, "globex", "other", meta.VersioningOff)
	f.put(t, "acme", "docs", "a", "one")
	f.put(t, "globex", "other", "a", "two")

	// Let the validation transaction through, then fail every write.
	updates := 0
	f.setFault(func(op string) error {
		if op != "update" {
			return nil
		}
		updates++
		if updates == 1 {
			return nil
		}
		return errDiskFailure
	})

	report, err := f.m.DeleteTenant(ctx, "acme", true)
	require.Error(t, err)
	var pcf *PartialCascadeFailure
	require.ErrorAs(t, err, &pcf)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, StateCascadeInProgress, report.State())
	f.setFault(nil)

	tn, err := f.m.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, meta.TenantDeleting, tn.Status)
	_, err = f.m.CreateBucket(ctx, "acme", "more", BucketOptions{})
	assert.ErrorIs(t, err, ErrTenantInactive)

	reports, err := f.m.ResumePendingDeletes(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, StateCompleted, reports[0].State())
	assert.Equal(t, "acme", reports[0].Target)

	_, err = f.m.GetTenant(ctx, "acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.Len(t, f.blobs.Locations(), 1)
	f.checkAggregates(t, "globex")

	reports, err = f.m.ResumePendingDeletes(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestResumePendingBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	f.bucket(t, "acme", "docs", meta.VersioningOff)
	f.put(t, "acme", "docs", "a", "one")

	// Fail the bucket expansion, which is the first write after validation
	updates := 0
	f.setFault(func(op string) error {
		if op != "update" {
			return nil
		}
		updates++
		if updates == 1 {
			return nil
		}
		return errDiskFailure
	})
	_, err := f.m.DeleteBucket(ctx, "acme", "docs", true)
	require.Error(t, err)
	f.setFault(nil)

	b := f.getBucket(t, "acme", "docs")
	assert.True(t, b.IsPendingDelete())
	_, err = f.m.PutObject(ctx, "acme", "docs", "b", stringReader("x"), 1, PutOptions{})
	assert.ErrorIs(t, err, ErrBucketDeleting)
	assert.Equal(t, "one", readObject(t, f.m, "acme", "docs", "a"))

	reports, err := f.m.ResumePendingDeletes(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "docs", reports[0].Target)
	_, err = f.m.GetBucket(ctx, "acme", "docs")
	assert.ErrorIs(t, err, ErrBucketNotFound)
	assert.Empty(t, f.blobs.Locations())
}

func TestResumeSkipsRunningDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})
	f.bucket(t, "acme", "docs", meta.VersioningOff)
	f.put(t, "acme", "docs", "a", "one")
	f.put(t, "acme", "docs", "b", "two")

	// Hold the first object removal (validation and the pending mark come
	// first) so the bucket sits pending while the delete is still running.
	var updates atomic.Int32
	blocked := make(chan struct{})
	release := make(chan struct{})
	f.setFault(func(op string) error {
		if op == "update" && updates.Add(1) == 3 {
			close(blocked)
			<-release
		}
		return nil
	})

	type result struct {
		report *DeleteReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.m.DeleteBucket(ctx, "acme", "docs", true)
		done <- result{r, err}
	}()
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("delete did not reach object removal")
	}
	assert.True(t, f.getBucket(t, "acme", "docs").IsPendingDelete())

	reports, err := f.m.ResumePendingDeletes(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)

	_, err = f.m.DeleteBucket(ctx, "acme", "docs", true)
	assert.ErrorIs(t, err, ErrBucketDeleting)
	assert.ErrorIs(t, err, ErrDeleteInProgress)

	close(release)
	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delete did not finish")
	}
	f.setFault(nil)
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.report.Removed[ItemObject])
	assert.Equal(t, 1, res.report.Removed[ItemBucket])
	assert.Empty(t, res.report.Failed)

	_, err = f.m.GetBucket(ctx, "acme", "docs")
	assert.ErrorIs(t, err, ErrBucketNotFound)
	assert.Empty(t, f.blobs.Locations())
	f.checkAggregates(t, "acme")

	// Once it finished the bucket is no longer pending and nothing resumes.
	reports, err = f.m.ResumePendingDeletes(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestCascadeToleratesRemovedBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tenant(t, "acme", meta.QuotaLimits{})

	// Items queued for a bucket another deletion already removed.
	c := f.m.newCascade(newReport("DeleteBucket", "acme", "gone"))
	root := c.add(ItemBucket, "acme", "gone", "gone", -1)
	c.add(ItemObject, "acme", "gone", "a", root)
	c.run(ctx)

	assert.Empty(t, c.report.Failed)
	assert.Zero(t, c.report.Removed[ItemObject])
	assert.Zero(t, c.report.Removed[ItemBucket])
}

func TestPartialCascadeFailureMessage(t *testing.T) {
	err := &PartialCascadeFailure{
		Operation: "DeleteTenant",
		Target:    "acme",
		Failed: []FailedItem{
			{Kind: ItemBucket, Bucket: "docs", ID: "docs", Err: errDiskFailure},
		},
	}
	assert.Contains(t, err.Error(), "acme")
	assert.ErrorIs(t, err, errDiskFailure)
	assert.False(t, err.Has(ItemUser, "docs"))
}
