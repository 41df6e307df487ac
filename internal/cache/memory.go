package cache

import (
	"context"
	"sync"

	"github.com/vannguyen-14/client-matino/internal/state"
)

// Memory is an in-process Store. It is used by tests, the scenario harness
// and single-node deployments that accept losing unflushed state on restart.
type Memory struct {
	mu      sync.RWMutex
	records map[state.UserID]state.Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[state.UserID]state.Record)}
}

func (m *Memory) Get(ctx context.Context, id state.UserID) (state.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return state.Record{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return state.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *Memory) Set(ctx context.Context, rec state.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.UserID] = rec.Clone()
	return nil
}

func (m *Memory) Take(ctx context.Context, id state.UserID) (state.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return state.Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return state.Record{}, false, nil
	}
	delete(m.records, id)
	return rec, true, nil
}

func (m *Memory) Restore(ctx context.Context, rec state.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.records[rec.UserID]; ok {
		m.records[rec.UserID] = state.Overlay(rec, current)
		return nil
	}
	m.records[rec.UserID] = rec.Clone()
	return nil
}

func (m *Memory) Delete(ctx context.Context, id state.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, id)
	return nil
}

// Len returns the number of cached users.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Close() error {
	return nil
}
