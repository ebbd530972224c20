package lifecycle

import (
	"net"
	"strings"
	"unicode/utf8"

	"github.com/maxiofs/maxiofs/internal/meta"
)

const (
	maxObjectKeyLen   = 1024
	maxConfigBlobSize = 64 << 10
	maxDisplayNameLen = 128
	maxMetadataBytes  = 2 << 10
)

// validateBucketName applies S3 bucket naming rules: 3-63 characters of
// lowercase letters, digits, dots and hyphens, starting and ending with a
// letter or digit, not formatted as an IP address.
func validateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return invalid("bucket name", "must be between 3 and 63 characters, got %d", len(name))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.':
			if i == 0 || i == len(name)-1 {
				return invalid("bucket name", "must start and end with a letter or digit")
			}
		default:
			return invalid("bucket name", "character %q not allowed", c)
		}
	}
	if strings.Contains(name, "..") {
		return invalid("bucket name", "consecutive dots not allowed")
	}
	if net.ParseIP(name) != nil {
		return invalid("bucket name", "must not be formatted as an IP address")
	}
	return nil
}

// validateObjectKey rejects keys that could escape a path-based backend or
// collide with the metadata key encoding.
func validateObjectKey(key string) error {
	if key == "" {
		return invalid("object key", "cannot be empty")
	}
	if len(key) > maxObjectKeyLen {
		return invalid("object key", "longer than %d bytes", maxObjectKeyLen)
	}
	if !utf8.ValidString(key) {
		return invalid("object key", "must be valid UTF-8")
	}
	// Null bytes would split the composite metadata key
	if meta.ContainsSeparator(key) {
		return invalid("object key", "null bytes not allowed")
	}
	if key == "." || key == ".." {
		return invalid("object key", "invalid name")
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(key, sep) {
			if part == ".." {
				return invalid("object key", "path traversal not allowed")
			}
		}
	}
	return nil
}

// validateID checks tenant, user and access key identifiers.
func validateID(field, id string) error {
	if id == "" {
		return invalid(field, "cannot be empty")
	}
	if len(id) > 64 {
		return invalid(field, "longer than 64 characters")
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			return invalid(field, "character %q not allowed", r)
		}
	}
	return nil
}

func validateDisplayName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid(field, "cannot be empty")
	}
	if len(name) > maxDisplayNameLen {
		return invalid(field, "longer than %d characters", maxDisplayNameLen)
	}
	if meta.ContainsSeparator(name) {
		return invalid(field, "null bytes not allowed")
	}
	return nil
}

func validateQuota(q meta.QuotaLimits) error {
	switch {
	case q.MaxStorageBytes < 0:
		return invalid("max storage bytes", "cannot be negative")
	case q.MaxBuckets < 0:
		return invalid("max buckets", "cannot be negative")
	case q.MaxAccessKeys < 0:
		return invalid("max access keys", "cannot be negative")
	}
	return nil
}

// validateConfig bounds the opaque sub-configuration blobs. Their content is
// interpreted by the API layer.
func validateConfig(c meta.BucketConfig) error {
	for field, blob := range map[string][]byte{
		"encryption configuration": c.Encryption,
		"lifecycle configuration":  c.Lifecycle,
		"cors configuration":       c.CORS,
		"bucket policy":            c.Policy,
	} {
		if len(blob) > maxConfigBlobSize {
			return invalid(field, "larger than %d bytes", maxConfigBlobSize)
		}
	}
	return nil
}

func validateMetadata(md map[string]string) error {
	total := 0
	for k, v := range md {
		if k == "" {
			return invalid("metadata", "empty key")
		}
		total += len(k) + len(v)
	}
	if total > maxMetadataBytes {
		return invalid("metadata", "larger than %d bytes", maxMetadataBytes)
	}
	return nil
}
