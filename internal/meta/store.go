// Package meta provides the durable, ordered key-value store that holds bucket,
// object-version, tenant and ledger records.
//
// Records live in a single bbolt bucket. Keys are NUL-separated tuples (see
// keys.go), so every version of an object and every object of a bucket are
// contiguous and can be range-scanned with a cursor.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

var rootBucket = []byte("meta")

// RetryPolicy bounds the exponential backoff applied to I/O failures.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when Options.Retry is zero.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

// Options configures a Store.
type Options struct {
	Path    string
	NoSync  bool          // skip fsync per commit; tests only
	Timeout time.Duration // file lock timeout
	Retry   RetryPolicy
	Logger  zerolog.Logger

	// Faults, when set, is consulted before every transaction attempt. A non-nil
	// return is treated as an I/O failure of that attempt. Used to exercise the
	// retry and unavailability paths.
	Faults func(op string) error
}

// Store is the bbolt-backed metadata store.
type Store struct {
	db     *bbolt.DB
	retry  RetryPolicy
	faults func(op string) error
	logger zerolog.Logger
}

// Open opens (or creates) the metadata database at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("metadata path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second
	}

	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{
		Timeout: timeout,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create root bucket: %w", err)
	}

	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy
	}

	s := &Store{
		db:     db,
		retry:  retry,
		faults: opts.Faults,
		logger: opts.Logger.With().Str("component", "metastore").Logger(),
	}
	s.logger.Debug().Str("path", opts.Path).Bool("no_sync", opts.NoSync).Msg("Opened metadata store")
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// fnError marks an error returned by the caller's transaction function. Those
// abort the transaction and are never retried.
type fnError struct{ err error }

func (e *fnError) Error() string { return e.err.Error() }
func (e *fnError) Unwrap() error { return e.err }

// Update runs fn in a read-write transaction. All writes made by fn commit
// together or not at all. I/O failures are retried with backoff; exhausting the
// attempts yields an error wrapping ErrStorageUnavailable.
//
// ctx is checked before each attempt only. Once an attempt has started it runs
// to commit or rollback.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	return s.run(ctx, "update", func() error {
		return s.db.Update(func(btx *bbolt.Tx) error {
			if err := fn(&Tx{tx: btx, b: btx.Bucket(rootBucket)}); err != nil {
				return &fnError{err: err}
			}
			return nil
		})
	})
}

// View runs fn in a read-only transaction over a consistent snapshot.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	return s.run(ctx, "view", func() error {
		return s.db.View(func(btx *bbolt.Tx) error {
			if err := fn(&Tx{tx: btx, b: btx.Bucket(rootBucket)}); err != nil {
				return &fnError{err: err}
			}
			return nil
		})
	})
}

func (s *Store) run(ctx context.Context, op string, attempt func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval

	tries := 0
	permanent := false
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		if s.faults != nil {
			if err := s.faults(op); err != nil {
				s.logger.Warn().Err(err).Str("op", op).Int("attempt", tries).Msg("Metadata transaction failed")
				return struct{}{}, err
			}
		}
		err := attempt()
		if err == nil {
			return struct{}{}, nil
		}
		var fe *fnError
		if errors.As(err, &fe) {
			permanent = true
			return struct{}{}, backoff.Permanent(fe.err)
		}
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			permanent = true
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w", ErrStorageUnavailable, ErrClosed))
		}
		s.logger.Warn().Err(err).Str("op", op).Int("attempt", tries).Msg("Metadata transaction failed")
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.retry.MaxAttempts),
	)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s aborted: %w", op, ctx.Err())
	}
	s.logger.Error().Err(err).Str("op", op).Int("attempts", tries).Msg("Metadata store unavailable")
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrStorageUnavailable, op, tries, err)
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.View(ctx, func(tx *Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Put inserts or overwrites key atomically.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Put(key, value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Delete(key)
	})
}

// Backup writes a zstd-compressed snapshot of the database to w.
func (s *Store) Backup(ctx context.Context, w io.Writer) (int64, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = zw.Close()
		return 0, err
	}
	// Not retried: a failed attempt may already have written to w.
	var n int64
	err = s.db.View(func(btx *bbolt.Tx) error {
		written, err := btx.WriteTo(zw)
		n = written
		return err
	})
	if err != nil {
		err = fmt.Errorf("%w: backup: %w", ErrStorageUnavailable, err)
	}
	if cerr := zw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close zstd writer: %w", cerr)
	}
	return n, err
}

// Restore decompresses a snapshot produced by Backup into path.
func Restore(r io.Reader, path string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".restore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, zr); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("decompress snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Stats reports database-level counters.
type Stats struct {
	Keys      int   `json:"keys"`
	FileBytes int64 `json:"file_bytes"`
}

// Stats returns current store statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.View(ctx, func(tx *Tx) error {
		st.Keys = tx.b.Stats().KeyN
		st.FileBytes = tx.tx.Size()
		return nil
	})
	return st, err
}

// Tx is a transaction handle passed to Update and View callbacks.
type Tx struct {
	tx *bbolt.Tx
	b  *bbolt.Bucket
}

// Writable reports whether the transaction may write.
func (tx *Tx) Writable() bool {
	return tx.tx.Writable()
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (tx *Tx) Get(key string) ([]byte, error) {
	v := tx.b.Get([]byte(key))
	if v == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Exists reports whether key is present.
func (tx *Tx) Exists(key string) bool {
	return tx.b.Get([]byte(key)) != nil
}

// Put stores value under key.
func (tx *Tx) Put(key string, value []byte) error {
	if err := tx.b.Put([]byte(key), value); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (tx *Tx) Delete(key string) error {
	if err := tx.b.Delete([]byte(key)); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// GetJSON decodes the record at key into v.
func (tx *Tx) GetJSON(key string, v any) error {
	raw := tx.b.Get([]byte(key))
	if raw == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func (tx *Tx) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return tx.Put(key, data)
}

// NextSequence returns a store-wide monotonically increasing integer.
func (tx *Tx) NextSequence() (uint64, error) {
	return tx.b.NextSequence()
}

// Scan calls fn for every key with the given prefix in key order. Returning
// ErrStopScan from fn ends the scan without error. fn must not mutate the
// scanned range; collect keys and delete them afterwards.
func (tx *Tx) Scan(prefix string, fn func(key string, value []byte) error) error {
	return tx.ScanFrom(prefix, "", fn)
}

// ScanFrom is Scan starting strictly after the key `after` (if non-empty).
func (tx *Tx) ScanFrom(prefix, after string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	c := tx.b.Cursor()

	var k, v []byte
	if after != "" && after >= prefix {
		k, v = c.Seek([]byte(after))
		if k != nil && bytes.Equal(k, []byte(after)) {
			k, v = c.Next()
		}
	} else {
		k, v = c.Seek(p)
	}

	for ; k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := fn(string(k), v); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Count returns the number of keys under prefix.
func (tx *Tx) Count(prefix string) (int, error) {
	n := 0
	err := tx.Scan(prefix, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// HasAny reports whether at least one key exists under prefix.
func (tx *Tx) HasAny(prefix string) bool {
	k, _ := tx.b.Cursor().Seek([]byte(prefix))
	return k != nil && bytes.HasPrefix(k, []byte(prefix))
}
