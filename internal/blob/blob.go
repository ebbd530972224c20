// Package blob stores object content. Metadata refers to content only through
// an opaque location string, so the byte store can be swapped without touching
// version records.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no content exists at a location.
var ErrNotFound = errors.New("blob not found")

// PutOptions controls how content is written.
type PutOptions struct {
	// Encrypt seals the content at rest. Buckets with an encryption
	// configuration set this.
	Encrypt bool
}

// Info describes stored content.
type Info struct {
	Size int64  // plaintext bytes
	ETag string // hex MD5 of the plaintext
}

// Store is the delegated byte store.
type Store interface {
	Put(ctx context.Context, location string, r io.Reader, opts PutOptions) (Info, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}
