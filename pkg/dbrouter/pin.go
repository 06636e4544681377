package dbrouter

import (
	"context"
	"sync"
	"time"
)

// PinStore keeps per-client "pinned until" timestamps, typically in the
// session backend.
type PinStore interface {
	// PinnedUntil returns the stored timestamp for clientID. ok is false if
	// there is none or it has expired.
	PinnedUntil(ctx context.Context, clientID string) (until time.Time, ok bool, err error)
	// Pin stores until for clientID, expiring after ttl.
	Pin(ctx context.Context, clientID string, until time.Time, ttl time.Duration) error
}

const sweepEvery = 1024

// MemoryPinStore is a process-local PinStore.
type MemoryPinStore struct {
	mu     sync.Mutex
	pins   map[string]pinEntry
	writes int
	now    func() time.Time
}

type pinEntry struct {
	until     time.Time
	expiresAt time.Time
}

// NewMemoryPinStore creates an empty in-memory pin store. now may be nil.
func NewMemoryPinStore(now func() time.Time) *MemoryPinStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryPinStore{
		pins: make(map[string]pinEntry),
		now:  now,
	}
}

func (m *MemoryPinStore) PinnedUntil(ctx context.Context, clientID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pins[clientID]
	if !ok {
		return time.Time{}, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.pins, clientID)
		return time.Time{}, false, nil
	}
	return entry.until, true, nil
}

func (m *MemoryPinStore) Pin(ctx context.Context, clientID string, until time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pins[clientID] = pinEntry{until: until, expiresAt: now.Add(ttl)}

	m.writes++
	if m.writes%sweepEvery == 0 {
		for id, entry := range m.pins {
			if !now.Before(entry.expiresAt) {
				delete(m.pins, id)
			}
		}
	}
	return nil
}

// Len returns the number of stored pins, expired or not.
func (m *MemoryPinStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pins)
}
