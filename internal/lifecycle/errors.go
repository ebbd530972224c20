package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/maxiofs/maxiofs/internal/version"
)

// Lifecycle errors.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNameConflict      = errors.New("name already in use")
	ErrBucketNotEmpty    = errors.New("bucket not empty")
	ErrTenantNotEmpty    = errors.New("tenant still owns buckets")
	ErrTenantInactive    = errors.New("tenant is not active")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrBucketNotFound    = errors.New("bucket not found")
	ErrBucketDeleting    = errors.New("bucket is being deleted")
	ErrDeleteInProgress  = errors.New("deletion already in progress")
	ErrUserNotFound      = errors.New("user not found")
	ErrAccessKeyNotFound = errors.New("access key not found")
)

// Errors owned by lower layers, re-exported so callers only import lifecycle.
var (
	ErrNotFound           = meta.ErrNotFound
	ErrStorageUnavailable = meta.ErrStorageUnavailable
	ErrQuotaExceeded      = quota.ErrQuotaExceeded
	ErrObjectNotFound     = version.ErrObjectNotFound
	ErrVersionNotFound    = version.ErrVersionNotFound
)

// ValidationError rejects a request before any mutation begins.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Kinds of cascade sub-items.
const (
	ItemTenant    = "tenant"
	ItemUser      = "user"
	ItemAccessKey = "access_key"
	ItemBucket    = "bucket"
	ItemObject    = "object"
)

// FailedItem is one cascade sub-item that could not be completed.
type FailedItem struct {
	Kind   string `json:"kind"`
	Bucket string `json:"bucket,omitempty"`
	ID     string `json:"id"`
	Err    error  `json:"-"`
}

// Error returns the failure as a string.
func (f FailedItem) Error() string {
	if f.Bucket != "" && f.Kind != ItemBucket {
		return fmt.Sprintf("%s %s/%s: %v", f.Kind, f.Bucket, f.ID, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Kind, f.ID, f.Err)
}

// PartialCascadeFailure is returned when a force delete finished every item
// it could but some sub-items failed permanently. Callers can retry just the
// listed items.
type PartialCascadeFailure struct {
	Operation string
	Target    string
	Failed    []FailedItem
}

func (e *PartialCascadeFailure) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%s %s partially failed (%d items): %s",
		e.Operation, e.Target, len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes the per-item causes to errors.Is and errors.As.
func (e *PartialCascadeFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Has reports whether the failure lists the given item.
func (e *PartialCascadeFailure) Has(kind, id string) bool {
	for _, f := range e.Failed {
		if f.Kind == kind && f.ID == id {
			return true
		}
	}
	return false
}
