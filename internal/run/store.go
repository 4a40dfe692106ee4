package run

import (
	"context"
	"sort"
	"sync"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/gate"
)

// Store persists run snapshots and the gate decisions taken on them.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	RecordDecision(ctx context.Context, runID string, rec gate.Record) error
	Decisions(ctx context.Context, runID string) ([]gate.Record, error)
	Get(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]Snapshot
	decisions map[string][]gate.Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]Snapshot),
		decisions: make(map[string][]gate.Record),
	}
}

func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[s.ID] = s
	return nil
}

func (m *MemoryStore) RecordDecision(_ context.Context, runID string, rec gate.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[runID] = append(m.decisions[runID], rec)
	return nil
}

// Decisions returns the decisions recorded for a run in the order taken.
func (m *MemoryStore) Decisions(_ context.Context, runID string) ([]gate.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]gate.Record(nil), m.decisions[runID]...), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runs[id]
	if !ok {
		return nil, apperrors.NotFound("run", id)
	}
	return &s, nil
}

// List returns all snapshots, newest first.
func (m *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.runs))
	for _, s := range m.runs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
