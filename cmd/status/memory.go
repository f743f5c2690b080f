package status

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]Entry
	errors   map[string][]ErrorEntry
	configs  map[string][]byte
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses: make(map[string]Entry),
		errors:   make(map[string][]ErrorEntry),
		configs:  make(map[string][]byte),
		now:      time.Now,
	}
}

func (m *MemoryStore) SetStatus(_ context.Context, entityID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[entityID] = Entry{EntityID: entityID, Status: status, UpdatedAt: m.now().UTC()}
	return nil
}

func (m *MemoryStore) GetStatus(_ context.Context, entityID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.statuses[entityID]
	if !ok {
		return "", ErrNotFound
	}
	return e.Status, nil
}

func (m *MemoryStore) RecordError(_ context.Context, entityID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[entityID] = append(m.errors[entityID], ErrorEntry{
		EntityID:  entityID,
		Message:   message,
		CreatedAt: m.now().UTC(),
	})
	return nil
}

func (m *MemoryStore) Errors(_ context.Context, entityID string) ([]ErrorEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ErrorEntry(nil), m.errors[entityID]...), nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for id, e := range m.statuses {
		if strings.HasPrefix(id, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *MemoryStore) SaveJobConfig(_ context.Context, jobID string, config []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[jobID] = append([]byte(nil), config...)
	return nil
}

func (m *MemoryStore) JobConfig(_ context.Context, jobID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), cfg...), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
