// Package ratelimit implements the two-tier generation gate: an optional
// global fixed window checked first, then a per-identity fixed window.
//
// Counters live in a shared store (Redis or DynamoDB) so every Lambda
// instance sees the same budget. Each admission is a single atomic step on
// the store: two concurrent first requests for a key can never both observe
// "absent" and both be admitted as the first.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter is an atomic fixed-window counter store.
type Counter interface {
	// Admit counts one request against key. A missing or expired window is
	// started at 1 with the given length. A window already at max rejects
	// without incrementing.
	Admit(ctx context.Context, key string, max int, window time.Duration) (bool, error)

	// Incr adds one to key, starting a window of the given length when the
	// key is absent, and returns the new count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)

	// SetFlag raises a named flag that clears itself after ttl.
	SetFlag(ctx context.Context, name string, ttl time.Duration) error

	// Flag reports whether the named flag is currently raised.
	Flag(ctx context.Context, name string) (bool, error)
}

func windowSeconds(window time.Duration) int64 {
	return max(int64(window/time.Second), 1)
}

// MemoryCounter is a process-local Counter for tests and single-process
// local runs. It does not share budgets across instances.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]memWindow
}

type memWindow struct {
	count   int64
	expires time.Time
}

var _ Counter = (*MemoryCounter)(nil)

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, windows: make(map[string]memWindow)}
}

func (m *MemoryCounter) live(key string) (memWindow, bool) {
	w, ok := m.windows[key]
	if !ok || !m.now().Before(w.expires) {
		return memWindow{}, false
	}
	return w, true
}

func (m *MemoryCounter) Admit(_ context.Context, key string, max int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.live(key)
	if !ok {
		m.windows[key] = memWindow{count: 1, expires: m.now().Add(time.Duration(windowSeconds(window)) * time.Second)}
		return true, nil
	}
	if w.count >= int64(max) {
		return false, nil
	}
	w.count++
	m.windows[key] = w
	return true, nil
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.live(key)
	if !ok {
		w = memWindow{expires: m.now().Add(time.Duration(windowSeconds(window)) * time.Second)}
	}
	w.count++
	m.windows[key] = w
	return w.count, nil
}

func (m *MemoryCounter) SetFlag(_ context.Context, name string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows["flag:"+name] = memWindow{count: 1, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryCounter) Flag(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live("flag:" + name)
	return ok, nil
}
