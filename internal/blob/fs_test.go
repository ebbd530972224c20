package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func readAll(t *testing.T, s Store, location string) []byte {
	t.Helper()
	rc, err := s.Open(context.Background(), location)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestFSStorePutOpen(t *testing.T) {
	tests := []struct {
		name    string
		encrypt bool
	}{
		{"plain", false},
		{"encrypted", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewFSStore(t.TempDir(), testKey())
			require.NoError(t, err)

			content := []byte(strings.Repeat("hello maxiofs ", 100))
			info, err := s.Put(context.Background(), "abc123", bytes.NewReader(content), PutOptions{Encrypt: tt.encrypt})
			require.NoError(t, err)
			assert.Equal(t, int64(len(content)), info.Size)
			assert.Len(t, info.ETag, 32)

			assert.Equal(t, content, readAll(t, s, "abc123"))
		})
	}
}

func TestFSStoreEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFSStore(dir, testKey())
	require.NoError(t, err)

	secret := []byte(strings.Repeat("top secret ", 50))
	_, err = s.Put(context.Background(), "loc1", bytes.NewReader(secret), PutOptions{Encrypt: true})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "lo", "loc1"))
	require.NoError(t, err)
	assert.Equal(t, flagEncrypted, raw[0])
	assert.NotContains(t, string(raw), "top secret")

	// A different key cannot open it
	other, err := NewFSStore(dir, bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	_, err = other.Open(context.Background(), "loc1")
	assert.Error(t, err)
}

func TestFSStoreEncryptWithoutKey(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "loc", strings.NewReader("x"), PutOptions{Encrypt: true})
	assert.Error(t, err)
}

func TestFSStoreDelete(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, "gone", strings.NewReader("bye"), PutOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "gone"))
	require.NoError(t, s.Delete(ctx, "gone"))

	_, err = s.Open(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreRejectsPathLocations(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	for _, loc := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.Put(context.Background(), loc, strings.NewReader("x"), PutOptions{})
		assert.Error(t, err, loc)
	}
}

func TestFSStoreCancelledPut(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFSStore(dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, "never", strings.NewReader("x"), PutOptions{})
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.Open(context.Background(), "never")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreDiskUsage(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "one", strings.NewReader("some content"), PutOptions{})
	require.NoError(t, err)

	n, err := s.DiskUsage(context.Background())
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))
}

func TestMemoryFaults(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.Put(ctx, "a", strings.NewReader("abc"), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), readAll(t, m, "a"))

	m.FailDelete = func(string) error { return assert.AnError }
	assert.ErrorIs(t, m.Delete(ctx, "a"), assert.AnError)
	assert.True(t, m.Has("a"))

	m.FailDelete = nil
	require.NoError(t, m.Delete(ctx, "a"))
	assert.Empty(t, m.Locations())
}
