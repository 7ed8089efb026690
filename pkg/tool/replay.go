package tool

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ReplayProtector enforces single-use semantics on a (kind, value) pair for a
// given TTL. The validator uses it to reject nonce replays; it is injected so
// deployments with several replicas can back it with a shared store.
type ReplayProtector interface {
	// Use marks (kind, value) as consumed for ttl and returns true if this
	// is the first time it is seen (or the previous entry expired).
	Use(kind, value string, ttl time.Duration) (bool, error)
}

// InMemoryReplay is a process-local ReplayProtector. It is safe for
// concurrent use and purges expired entries opportunistically on writes.
type InMemoryReplay struct {
	mu      sync.Mutex
	entries map[string]time.Time

	useCount uint64
	purgeN   uint64
}

// NewInMemoryReplay creates an in-memory replay cache. purgeEvery controls
// how often (every N calls to Use) expired entries are purged; <=0 uses 1024.
func NewInMemoryReplay(purgeEvery int) *InMemoryReplay {
	if purgeEvery <= 0 {
		purgeEvery = 1024
	}
	return &InMemoryReplay{
		entries: make(map[string]time.Time, 1024),
		purgeN:  uint64(purgeEvery),
	}
}

func (m *InMemoryReplay) Use(kind, value string, ttl time.Duration) (bool, error) {
	kind = strings.TrimSpace(strings.ToLower(kind))
	value = strings.TrimSpace(value)
	if kind == "" || value == "" {
		return false, fmt.Errorf("replay: kind and value are required")
	}
	now := time.Now()
	k := kind + "|" + value

	m.mu.Lock()
	defer m.mu.Unlock()

	m.useCount++
	if m.useCount%m.purgeN == 0 {
		m.purgeLocked(now)
	}

	if until, ok := m.entries[k]; ok && until.After(now) {
		return false, nil
	}
	m.entries[k] = now.Add(ttl)
	return true, nil
}

func (m *InMemoryReplay) purgeLocked(now time.Time) {
	for k, until := range m.entries {
		if !until.After(now) {
			delete(m.entries, k)
		}
	}
}
