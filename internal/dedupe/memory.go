package dedupe

import (
	"context"
	"sync"
	"time"
)

// MemorySuppressor keeps keys in a mutex-guarded map. Expired keys are
// ignored on read and removed by Sweep.
type MemorySuppressor struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	grace   time.Duration
	now     func() time.Time
}

func NewMemorySuppressor() *MemorySuppressor {
	return &MemorySuppressor{
		entries: make(map[string]time.Time),
		window:  Window,
		grace:   Grace,
		now:     time.Now,
	}
}

func (m *MemorySuppressor) TryBegin(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.entries[key]; ok && now.Before(expires) {
		return false
	}

	m.entries[key] = now.Add(m.window)
	return true
}

func (m *MemorySuppressor) End(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires, ok := m.entries[key]
	if !ok {
		return
	}

	if release := m.now().Add(m.grace); release.Before(expires) {
		m.entries[key] = release
	}
}

// Sweep removes expired keys and returns how many were removed.
func (m *MemorySuppressor) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, expires := range m.entries {
		if !now.Before(expires) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps on every interval until ctx is done.
func (m *MemorySuppressor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (m *MemorySuppressor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
