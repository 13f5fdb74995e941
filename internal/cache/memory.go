package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process SummaryCache used when no Redis is configured and
// in tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[string]memoryEntry
	ttl     time.Duration
	clock   func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemory(ttl time.Duration, clock func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		entries: make(map[string]map[string]memoryEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (m *Memory) Get(_ context.Context, userID, dayKey string) ([]byte, error) {
	if err := validateKey(userID, dayKey); err != nil {
		return nil, err
	}
	m.mu.RLock()
	entry, ok := m.entries[userID][dayKey]
	m.mu.RUnlock()
	if !ok || !m.clock().Before(entry.expiresAt) {
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, userID, dayKey string, value []byte) error {
	if err := validateKey(userID, dayKey); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	days, ok := m.entries[userID]
	if !ok {
		days = make(map[string]memoryEntry)
		m.entries[userID] = days
	}
	days[dayKey] = memoryEntry{value: stored, expiresAt: m.clock().Add(m.ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.entries, userID)
	m.mu.Unlock()
	return nil
}
