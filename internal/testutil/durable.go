package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// ErrInjected is the failure returned by FlakyDurable.
var ErrInjected = errors.New("injected durable failure")

// MemoryDurable is an in-memory append-only statement log with the same
// contract as the SQL store: ids increase from 1 and rows are never changed.
type MemoryDurable struct {
	mu    sync.Mutex
	rows  []state.Statement
	calls int
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{}
}

func (m *MemoryDurable) InsertStatement(ctx context.Context, userID state.UserID, data jsondoc.Document, createdAt time.Time) (state.Statement, error) {
	if err := ctx.Err(); err != nil {
		return state.Statement{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	stmt := state.Statement{
		ID:        int64(len(m.rows) + 1),
		UserID:    userID,
		Data:      jsondoc.Clone(data),
		CreatedAt: createdAt,
	}
	m.rows = append(m.rows, stmt)
	return stmt, nil
}

func (m *MemoryDurable) LatestStatement(ctx context.Context, userID state.UserID) (state.Statement, bool, error) {
	if err := ctx.Err(); err != nil {
		return state.Statement{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].UserID == userID {
			stmt := m.rows[i]
			stmt.Data = jsondoc.Clone(stmt.Data)
			return stmt, true, nil
		}
	}
	return state.Statement{}, false, nil
}

// Rows returns a copy of every statement written so far, oldest first.
func (m *MemoryDurable) Rows() []state.Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.Statement, len(m.rows))
	copy(out, m.rows)
	return out
}

// InsertCalls counts InsertStatement calls that reached the log.
func (m *MemoryDurable) InsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// FlakyDurable wraps a durable log and fails the next N inserts.
type FlakyDurable struct {
	*MemoryDurable

	mu       sync.Mutex
	failures int
	err      error
	attempts int
}

// NewFlakyDurable fails the first failures inserts with err, or ErrInjected
// when err is nil.
func NewFlakyDurable(failures int, err error) *FlakyDurable {
	if err == nil {
		err = ErrInjected
	}
	return &FlakyDurable{MemoryDurable: NewMemoryDurable(), failures: failures, err: err}
}

func (f *FlakyDurable) InsertStatement(ctx context.Context, userID state.UserID, data jsondoc.Document, createdAt time.Time) (state.Statement, error) {
	f.mu.Lock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return state.Statement{}, f.err
	}
	f.mu.Unlock()
	return f.MemoryDurable.InsertStatement(ctx, userID, data, createdAt)
}

// SetFailures changes how many of the following inserts fail.
func (f *FlakyDurable) SetFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// Attempts counts every insert attempt, failed or not.
func (f *FlakyDurable) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}
