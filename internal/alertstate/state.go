package alertstate

import (
	"context"
	"sync"
	"time"
)

// Store holds the shared mutable state of the alert policy: cooldown
// timestamps per alert key and consecutive-failure counters per data source.
// Every method is safe for concurrent use; TryAcquire is an atomic
// check-and-set so overlapping ticks cannot both pass the same cooldown.
type Store interface {
	// TryAcquire records now as the last-sent time for key when the key is idle
	// (never sent, or at least cooldown has elapsed) and reports whether it did.
	TryAcquire(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error)
	// LastSent returns the last recorded send decision for key.
	LastSent(ctx context.Context, key string) (time.Time, bool, error)

	// IncrFailure bumps the consecutive-failure count of source and returns it.
	IncrFailure(ctx context.Context, source string) (int64, error)
	// ResetFailure zeroes the count of source and clears its incident claim.
	ResetFailure(ctx context.Context, source string) error
	// FailureCount returns the current consecutive-failure count of source.
	FailureCount(ctx context.Context, source string) (int64, error)
	// IncidentClaimed reports whether the current failure run already alerted.
	IncidentClaimed(ctx context.Context, source string) (bool, error)
	// ClaimIncident marks the current failure run as alerted; false if it was already.
	ClaimIncident(ctx context.Context, source string) (bool, error)
}

// Memory is an in-process Store guarded by a single mutex.
type Memory struct {
	mu        sync.Mutex
	lastSent  map[string]time.Time
	failures  map[string]int64
	incidents map[string]bool
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		lastSent:  make(map[string]time.Time),
		failures:  make(map[string]int64),
		incidents: make(map[string]bool),
	}
}

func (m *Memory) TryAcquire(_ context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastSent[key]; ok && now.Sub(last) < cooldown {
		return false, nil
	}
	m.lastSent[key] = now
	return true, nil
}

func (m *Memory) LastSent(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSent[key]
	return last, ok, nil
}

func (m *Memory) IncrFailure(_ context.Context, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[source]++
	return m.failures[source], nil
}

func (m *Memory) ResetFailure(_ context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, source)
	delete(m.incidents, source)
	return nil
}

func (m *Memory) FailureCount(_ context.Context, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[source], nil
}

func (m *Memory) IncidentClaimed(_ context.Context, source string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incidents[source], nil
}

func (m *Memory) ClaimIncident(_ context.Context, source string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incidents[source] {
		return false, nil
	}
	m.incidents[source] = true
	return true, nil
}

var _ Store = (*Memory)(nil)
