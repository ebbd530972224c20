package lifecycle

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultLockStripes = 256

// keyLocks serializes operations on the same (tenant, bucket, key) with a
// fixed set of striped mutexes. Distinct keys only share a stripe when their
// hashes collide.
type keyLocks struct {
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &keyLocks{stripes: make([]sync.Mutex, n)}
}

func (k *keyLocks) stripe(tenantID, bucket, key string) *sync.Mutex {
	h := xxhash.New()
	_, _ = h.WriteString(tenantID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(bucket)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(key)
	return &k.stripes[h.Sum64()%uint64(len(k.stripes))]
}

// lock acquires the stripe for a key and returns its unlock function.
func (k *keyLocks) lock(tenantID, bucket, key string) func() {
	mu := k.stripe(tenantID, bucket, key)
	mu.Lock()
	return mu.Unlock
}

// running tracks the bucket and tenant deletions in progress in this
// process, so a resume pass never starts a second cascade on the same target.
type running struct {
	mu      sync.Mutex
	targets map[string]struct{}
}

func newRunning() *running {
	return &running{targets: make(map[string]struct{})}
}

// claim marks target as running. It reports false if it already was.
func (r *running) claim(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[target]; ok {
		return false
	}
	r.targets[target] = struct{}{}
	return true
}

func (r *running) release(target string) {
	r.mu.Lock()
	delete(r.targets, target)
	r.mu.Unlock()
}

func bucketTarget(tenantID, bucket string) string { return "b\x00" + tenantID + "\x00" + bucket }
func tenantTarget(tenantID string) string         { return "t\x00" + tenantID }
