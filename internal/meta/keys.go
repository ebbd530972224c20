package meta

import "strings"

// sep separates key components. Names are validated to never contain it, so
// a component prefix can never be confused with a longer sibling.
const sep = "\x00"

// Record kinds. Each kind occupies its own contiguous keyspace.
const (
	kindTenant      = "t"
	kindTenantName  = "tn"
	kindUser        = "u"
	kindAccessKey   = "k"
	kindLedger      = "q"
	kindReservation = "r"
	kindBucket      = "b"
	kindBucketName  = "bn"
	kindVersion     = "o"
	kindPointer     = "p"
	kindPurge       = "g"
)

func join(parts ...string) string {
	return strings.Join(parts, sep)
}

// Prefix turns a key into a scan prefix that only matches its children.
func Prefix(key string) string {
	return key + sep
}

// LastComponent returns the final component of a composite key.
func LastComponent(key string) string {
	if i := strings.LastIndex(key, sep); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Components splits a composite key into its parts, dropping the kind.
func Components(key string) []string {
	parts := strings.Split(key, sep)
	if len(parts) == 0 {
		return nil
	}
	return parts[1:]
}

// TenantKey addresses a tenant record.
func TenantKey(tenantID string) string { return join(kindTenant, tenantID) }

// TenantPrefix matches every tenant record.
func TenantPrefix() string { return kindTenant + sep }

// TenantNameKey addresses the display-name uniqueness index.
func TenantNameKey(name string) string { return join(kindTenantName, strings.ToLower(name)) }

// UserKey addresses a tenant user.
func UserKey(tenantID, userID string) string { return join(kindUser, tenantID, userID) }

// UserPrefix matches all users of a tenant.
func UserPrefix(tenantID string) string { return Prefix(join(kindUser, tenantID)) }

// AccessKeyKey addresses a tenant access key.
func AccessKeyKey(tenantID, keyID string) string { return join(kindAccessKey, tenantID, keyID) }

// AccessKeyPrefix matches all access keys of a tenant.
func AccessKeyPrefix(tenantID string) string { return Prefix(join(kindAccessKey, tenantID)) }

// LedgerKey addresses a tenant's quota ledger entry.
func LedgerKey(tenantID string) string { return join(kindLedger, tenantID) }

// ReservationKey addresses a quota reservation.
func ReservationKey(tenantID, reservationID string) string {
	return join(kindReservation, tenantID, reservationID)
}

// ReservationPrefix matches the reservations of one tenant.
func ReservationPrefix(tenantID string) string { return Prefix(join(kindReservation, tenantID)) }

// AllReservationsPrefix matches reservations of every tenant.
func AllReservationsPrefix() string { return kindReservation + sep }

// BucketKey addresses a bucket record. Global buckets use an empty tenant.
func BucketKey(tenantID, bucket string) string { return join(kindBucket, tenantID, bucket) }

// BucketPrefix matches the buckets of one tenant scope.
func BucketPrefix(tenantID string) string { return Prefix(join(kindBucket, tenantID)) }

// AllBucketsPrefix matches every bucket record.
func AllBucketsPrefix() string { return kindBucket + sep }

// BucketNameKey addresses the global bucket-name index.
func BucketNameKey(bucket string) string { return join(kindBucketName, bucket) }

// VersionKey addresses one immutable object version.
func VersionKey(tenantID, bucket, key, versionID string) string {
	return join(kindVersion, tenantID, bucket, key, versionID)
}

// ObjectVersionsPrefix matches every version of a single object key.
func ObjectVersionsPrefix(tenantID, bucket, key string) string {
	return Prefix(join(kindVersion, tenantID, bucket, key))
}

// BucketVersionsPrefix matches every version record in a bucket.
func BucketVersionsPrefix(tenantID, bucket string) string {
	return Prefix(join(kindVersion, tenantID, bucket))
}

// TenantVersionsPrefix matches every version record owned by a tenant.
func TenantVersionsPrefix(tenantID string) string {
	return Prefix(join(kindVersion, tenantID))
}

// PointerKey addresses the latest-version pointer of an object key.
func PointerKey(tenantID, bucket, key string) string {
	return join(kindPointer, tenantID, bucket, key)
}

// BucketPointersPrefix matches every latest pointer of a bucket.
func BucketPointersPrefix(tenantID, bucket string) string {
	return Prefix(join(kindPointer, tenantID, bucket))
}

// PurgeKey addresses a queued blob purge.
func PurgeKey(location string) string { return join(kindPurge, location) }

// PurgePrefix matches every queued blob purge.
func PurgePrefix() string { return kindPurge + sep }

// ContainsSeparator reports whether s cannot be used as a key component.
func ContainsSeparator(s string) bool { return strings.Contains(s, sep) }
