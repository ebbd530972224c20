// Package audit writes structured audit events for metadata mutations.
package audit

import (
	"github.com/rs/zerolog"
)

// Result values.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultPartial = "partial"
)

// Logger provides structured audit logging for tenant, bucket and object
// mutations. All events carry an event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func level(result string) zerolog.Level {
	switch result {
	case ResultFailed:
		return zerolog.WarnLevel
	case ResultPartial:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// LogTenantOp logs a tenant, user or access-key mutation.
// operation: e.g. "CreateTenant", "SetTenantQuota", "DeleteAccessKey"
// subject: the user or access key acted on (may be empty)
func (l *Logger) LogTenantOp(tenantID, operation, subject, result, details string) {
	event := l.logger.WithLevel(level(result)).
		Str("event_type", "tenant_operation").
		Str("tenant_id", tenantID).
		Str("operation", operation).
		Str("result", result)

	if subject != "" {
		event = event.Str("subject", subject)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Tenant operation")
}

// LogBucketOp logs a bucket mutation.
func (l *Logger) LogBucketOp(tenantID, operation, bucket, result, details string) {
	event := l.logger.WithLevel(level(result)).
		Str("event_type", "bucket_operation").
		Str("tenant_id", tenantID).
		Str("operation", operation).
		Str("bucket", bucket).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Bucket operation")
}

// LogObjectOp logs an object mutation.
// versionID may be empty when the bucket is unversioned.
func (l *Logger) LogObjectOp(tenantID, operation, bucket, objectKey, versionID, result string, size int64, details string) {
	event := l.logger.WithLevel(level(result)).
		Str("event_type", "object_operation").
		Str("tenant_id", tenantID).
		Str("operation", operation).
		Str("bucket", bucket).
		Str("object_key", objectKey).
		Str("result", result).
		Int64("size", size)

	if versionID != "" {
		event = event.Str("version_id", versionID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Object operation")
}

// LogCascade logs the outcome of a delete cascade.
// state: final state reached, e.g. "Completed" or "Rejected"
// failed: number of sub-items that failed permanently
func (l *Logger) LogCascade(tenantID, operation, target, state string, removed, failed int) {
	result := ResultOK
	if failed > 0 {
		result = ResultPartial
	}

	l.logger.WithLevel(level(result)).
		Str("event_type", "cascade").
		Str("tenant_id", tenantID).
		Str("operation", operation).
		Str("target", target).
		Str("state", state).
		Int("removed", removed).
		Int("failed", failed).
		Str("result", result).
		Msg("Delete cascade")
}
