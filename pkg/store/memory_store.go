package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]Record
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record), clock: time.Now}
}

// WithClock overrides clock for testing.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) Create(_ context.Context, rec Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return createIn(m.data, rec)
}

func (m *MemoryStore) Get(_ context.Context, certificateID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[certificateID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Update(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return updateIn(m.data, rec, m.clock())
}

func (m *MemoryStore) List(_ context.Context, state State) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listIn(m.data, state), nil
}

func createIn(data map[string]Record, rec Record) error {
	if _, exists := data[rec.CertificateID]; exists {
		return ErrExists
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	data[rec.CertificateID] = rec
	return nil
}

func updateIn(data map[string]Record, rec Record, now time.Time) (Record, error) {
	current, ok := data[rec.CertificateID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if err := checkUpdate(current, rec); err != nil {
		return Record{}, err
	}
	rec.Version = current.Version + 1
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = now.UTC()
	data[rec.CertificateID] = rec
	return rec, nil
}

func listIn(data map[string]Record, state State) []Record {
	out := make([]Record, 0, len(data))
	for _, rec := range data {
		if state == "" || rec.State == state {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

var _ Store = (*MemoryStore)(nil)
