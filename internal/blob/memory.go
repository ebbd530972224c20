package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Memory is an in-process Store. Fault hooks let callers exercise partial
// failure paths; a hook returning a non-nil error fails that call.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte

	FailPut    func(location string) error
	FailDelete func(location string) error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, location string, r io.Reader, _ PutOptions) (Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("read content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		if err := m.FailPut(location); err != nil {
			return Info{}, err
		}
	}
	m.blobs[location] = data
	sum := md5.Sum(data)
	return Info{Size: int64(len(data)), ETag: hex.EncodeToString(sum[:])}, nil
}

func (m *Memory) Open(_ context.Context, location string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[location]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(_ context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDelete != nil {
		if err := m.FailDelete(location); err != nil {
			return err
		}
	}
	delete(m.blobs, location)
	return nil
}

// Has reports whether content exists at location.
func (m *Memory) Has(location string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[location]
	return ok
}

// Locations returns every stored location in sorted order.
func (m *Memory) Locations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.blobs))
	for loc := range m.blobs {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}
