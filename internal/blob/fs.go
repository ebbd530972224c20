package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// On-disk format: one flag byte followed by the zstd frame, sealed with
// XChaCha20-Poly1305 when flagEncrypted is set (nonce prepended).
const (
	flagPlain     byte = 0
	flagEncrypted byte = 1
)

// FSStore keeps compressed, optionally encrypted blobs on the local filesystem.
type FSStore struct {
	dir       string
	masterKey []byte

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewFSStore creates a filesystem blob store rooted at dir. masterKey may be
// nil, in which case encrypted writes are refused.
func NewFSStore(dir string, masterKey []byte) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if masterKey != nil && len(masterKey) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d", len(masterKey))
	}

	s := &FSStore{dir: dir, masterKey: masterKey}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return s, nil
}

// Put stores the content of r at location, replacing anything already there.
// Pipeline: plaintext -> compress -> (encrypt) -> temp file -> rename.
func (s *FSStore) Put(ctx context.Context, location string, r io.Reader, opts PutOptions) (Info, error) {
	path, err := s.path(location)
	if err != nil {
		return Info{}, err
	}
	if opts.Encrypt && s.masterKey == nil {
		return Info{}, errors.New("encryption requested but no master key configured")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("read content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	sum := md5.Sum(data)
	info := Info{Size: int64(len(data)), ETag: hex.EncodeToString(sum[:])}

	payload := s.compress(data)
	flag := flagPlain
	if opts.Encrypt {
		payload, err = s.seal(location, payload)
		if err != nil {
			return Info{}, fmt.Errorf("encrypt blob: %w", err)
		}
		flag = flagEncrypted
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Info{}, fmt.Errorf("create blob subdir: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".blob-*.tmp")
	if err != nil {
		return Info{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(append([]byte{flag}, payload...)); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return Info{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Info{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return Info{}, fmt.Errorf("rename blob: %w", err)
	}
	return info, nil
}

// Open returns the plaintext content stored at location.
func (s *FSStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	path, err := s.path(location)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("blob %s is truncated", location)
	}

	payload := raw[1:]
	switch raw[0] {
	case flagPlain:
	case flagEncrypted:
		payload, err = s.open(location, payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt blob: %w", err)
		}
	default:
		return nil, fmt.Errorf("blob %s has unknown format %d", location, raw[0])
	}

	data, err := s.decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the content at location. A missing blob is not an error.
func (s *FSStore) Delete(ctx context.Context, location string) error {
	path, err := s.path(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// DiskUsage returns the bytes occupied by stored blobs.
func (s *FSStore) DiskUsage(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// path maps a location to dir/ab/location, using the first two characters as
// a fan-out subdirectory.
func (s *FSStore) path(location string) (string, error) {
	if location == "" || strings.ContainsAny(location, `/\`) || location == "." || location == ".." {
		return "", fmt.Errorf("invalid blob location %q", location)
	}
	if len(location) < 2 {
		return filepath.Join(s.dir, location), nil
	}
	return filepath.Join(s.dir, location[:2], location), nil
}

// deriveKey derives a per-location key with HKDF so that no two blobs share
// a key even when the master key is reused across stores.
func (s *FSStore) deriveKey(location string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, s.masterKey, []byte(location), []byte("maxiofs-blob"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive blob key: %w", err)
	}
	return key, nil
}

func (s *FSStore) seal(location string, plaintext []byte) ([]byte, error) {
	key, err := s.deriveKey(location)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(location)), nil
}

func (s *FSStore) open(location string, sealed []byte) ([]byte, error) {
	if s.masterKey == nil {
		return nil, errors.New("blob is encrypted but no master key configured")
	}
	key, err := s.deriveKey(location)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, []byte(location))
}

func (s *FSStore) compress(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *FSStore) decompress(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}
