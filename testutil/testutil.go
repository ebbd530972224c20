// Package testutil provides shared test fixtures for maxiofs tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maxiofs/maxiofs/internal/blob"
	"github.com/maxiofs/maxiofs/internal/lifecycle"
	"github.com/maxiofs/maxiofs/internal/meta"
	"github.com/maxiofs/maxiofs/internal/quota"
	"github.com/maxiofs/maxiofs/internal/version"
	"github.com/rs/zerolog"
)

// TempFile writes content to dir/name and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Engine bundles a metadata store, quota ledger and lifecycle manager backed
// by in-memory blob storage.
type Engine struct {
	Store   *meta.Store
	Ledger  *quota.Ledger
	Manager *lifecycle.Manager
	Blobs   *blob.Memory
}

// NewEngine opens a throwaway engine in a test temp dir. Options may adjust
// the lifecycle options before the manager is built.
func NewEngine(t *testing.T, opts ...func(*lifecycle.Options)) *Engine {
	t.Helper()

	store, err := meta.Open(meta.Options{
		Path:   filepath.Join(t.TempDir(), "meta.db"),
		NoSync: true,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to open metadata store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ledger := quota.NewLedger(store, zerolog.Nop())
	blobs := blob.NewMemory()
	lo := lifecycle.Options{
		Store:  store,
		Ledger: ledger,
		Chain:  version.NewChain(),
		Blobs:  blobs,
		Logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(&lo)
	}
	mgr, err := lifecycle.New(lo)
	if err != nil {
		t.Fatalf("failed to create lifecycle manager: %v", err)
	}
	return &Engine{Store: store, Ledger: ledger, Manager: mgr, Blobs: blobs}
}
