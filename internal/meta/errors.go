package meta

import "errors"

// Metadata store errors.
var (
	ErrNotFound           = errors.New("record not found")
	ErrStorageUnavailable = errors.New("metadata storage unavailable")
	ErrStopScan           = errors.New("stop scan")
	ErrClosed             = errors.New("metadata store closed")
)
