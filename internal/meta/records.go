package meta

import "time"

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantInactive TenantStatus = "inactive"
	TenantDeleting TenantStatus = "deleting" // cascade started but not finished
)

// QuotaLimits holds configured tenant maxima. Zero means unlimited.
type QuotaLimits struct {
	MaxStorageBytes int64 `json:"max_storage_bytes"`
	MaxBuckets      int64 `json:"max_buckets"`
	MaxAccessKeys   int64 `json:"max_access_keys"`
}

// Tenant is an isolation unit owning buckets, users and access keys.
type Tenant struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"display_name"`
	Status      TenantStatus `json:"status"`
	Quota       QuotaLimits  `json:"quota"`
	CreatedAt   time.Time    `json:"created_at"`
}

// User belongs to a tenant.
type User struct {
	TenantID  string    `json:"tenant_id"`
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessKey is a tenant credential. Secret material lives elsewhere.
type AccessKey struct {
	TenantID  string    `json:"tenant_id"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VersioningStatus is a bucket's versioning state. The zero value means the
// bucket has never had versioning enabled.
type VersioningStatus string

const (
	VersioningOff       VersioningStatus = ""
	VersioningEnabled   VersioningStatus = "Enabled"
	VersioningSuspended VersioningStatus = "Suspended"
)

// BucketConfig carries sub-configurations as opaque blobs. They are passed
// through unchanged; interpretation belongs to the API layer.
type BucketConfig struct {
	Encryption []byte `json:"encryption,omitempty"`
	Lifecycle  []byte `json:"lifecycle,omitempty"`
	CORS       []byte `json:"cors,omitempty"`
	Policy     []byte `json:"policy,omitempty"`
}

// Bucket is a bucket record. ObjectCount and SizeBytes are kept current by
// every mutation and cover only current, non-delete-marker versions.
type Bucket struct {
	TenantID      string           `json:"tenant_id,omitempty"` // empty for global buckets
	Name          string           `json:"name"`
	CreatedAt     time.Time        `json:"created_at"`
	Versioning    VersioningStatus `json:"versioning,omitempty"`
	ObjectCount   int64            `json:"object_count"`
	SizeBytes     int64            `json:"size_bytes"`
	Config        BucketConfig     `json:"config"`
	PendingDelete *time.Time       `json:"pending_delete,omitempty"`
}

// IsPendingDelete reports whether a delete cascade owns this bucket.
func (b *Bucket) IsPendingDelete() bool {
	return b.PendingDelete != nil
}

// EncryptionEnabled reports whether an encryption configuration is attached.
func (b *Bucket) EncryptionEnabled() bool {
	return len(b.Config.Encryption) > 0
}

// NullVersionID identifies the single version written while versioning is off
// or suspended.
const NullVersionID = "null"

// ObjectVersion is an immutable version record.
type ObjectVersion struct {
	TenantID     string            `json:"tenant_id,omitempty"`
	Bucket       string            `json:"bucket"`
	Key          string            `json:"key"`
	VersionID    string            `json:"version_id"`
	Seq          uint64            `json:"seq"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DeleteMarker bool              `json:"delete_marker,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Location     string            `json:"location,omitempty"`

	// IsLatest is derived from the latest pointer and never persisted.
	IsLatest bool `json:"-"`
}

// LatestPointer names the latest version of an object key.
type LatestPointer struct {
	VersionID    string `json:"version_id"`
	DeleteMarker bool   `json:"delete_marker,omitempty"`
	Seq          uint64 `json:"seq"`
}

// LedgerEntry holds a tenant's running usage counters.
type LedgerEntry struct {
	StorageBytes   int64 `json:"storage_bytes"`
	ObjectCount    int64 `json:"object_count"`
	BucketCount    int64 `json:"bucket_count"`
	AccessKeyCount int64 `json:"access_key_count"`
	PendingBytes   int64 `json:"pending_bytes"`
	PendingObjects int64 `json:"pending_objects"`
}

// ReservationState tracks a quota reservation.
type ReservationState string

const (
	ReservationPending    ReservationState = "pending"
	ReservationCommitted  ReservationState = "committed"
	ReservationRolledBack ReservationState = "rolled_back"
)

// Reservation is a provisional quota claim awaiting its storage write.
type Reservation struct {
	TenantID  string           `json:"tenant_id"`
	ID        string           `json:"id"`
	Bytes     int64            `json:"bytes"`
	Objects   int64            `json:"objects"`
	State     ReservationState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	// FinishedAt is set once the reservation is committed or rolled back.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PurgeEntry is a blob whose metadata is gone but whose bytes remain.
type PurgeEntry struct {
	Location  string    `json:"location"`
	QueuedAt  time.Time `json:"queued_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}
