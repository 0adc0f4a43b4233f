// Package state persists the last-applied snapshot per resource: the
// provider-assigned identifier, the hash of the applied properties, and the
// provider outputs. The planner reads it; only the apply executor writes it,
// and only after a confirmed provider response.
package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is the last-applied snapshot for one resource.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RemoteID  string         `json:"remote_id"`
	Hash      string         `json:"hash"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Store interface {
	Get(ctx context.Context, id string) (Record, bool, error)
	Put(ctx context.Context, r Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Memory keeps records in memory. It backs tests and serves as the cache
// layer of the snapshot-style backends.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: map[string]Record{}}
}

func (m *Memory) Get(_ context.Context, id string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	return r, ok, nil
}

func (m *Memory) Put(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[r.ID] = r
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, id)
	return nil
}

func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedLocked(), nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) sortedLocked() []Record {
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// snapshot returns all records plus a map copy, for backends that persist
// the whole state as one document.
func (m *Memory) snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedLocked()
}

func (m *Memory) replace(records []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]Record, len(records))
	for _, r := range records {
		m.records[r.ID] = r
	}
}
