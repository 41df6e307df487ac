package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vannguyen-14/client-matino/internal/auth"
	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/engine"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
	"github.com/vannguyen-14/client-matino/internal/store"
	"github.com/vannguyen-14/client-matino/internal/testutil"
)

// DefaultRetryAttempts is used when a scenario does not set retry_attempts.
const DefaultRetryAttempts = 3

// Harness runs one scenario against its own engine and stores.
type Harness struct {
	store   *store.Store
	durable *faultyDurable
	fast    *cache.Memory
	engine  *engine.Engine
	logger  *slog.Logger
}

// Run executes a scenario and returns its result.
//
// Each scenario runs against a fresh in-memory SQLite database and an
// in-memory cache. Timestamps come from a deterministic clock, so two runs
// of the same scenario produce the same trace.
//
// An error is returned only when the scenario could not be executed; failed
// expectations are reported through Result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	attempts := scenario.Options.RetryAttempts
	if attempts == 0 {
		attempts = DefaultRetryAttempts
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	durable := &faultyDurable{Store: st}
	fast := cache.NewMemory()

	h := &Harness{
		store:   st,
		durable: durable,
		fast:    fast,
		logger:  logger,
		engine: engine.New(fast, durable,
			engine.WithVerifier(auth.NewTokenTable(st)),
			engine.WithClock(testutil.NewDeterministicClock()),
			engine.WithRetry(engine.RetryPolicy{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}),
			engine.WithSeedFromDurable(scenario.Options.SeedFromDurable),
			engine.WithLogger(logger),
		),
	}

	if err := h.seedUsers(ctx, scenario.Users); err != nil {
		return nil, fmt.Errorf("failed to seed users: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Cache: fast}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seedUsers(ctx context.Context, users []User) error {
	for _, u := range users {
		err := h.store.UpsertUser(ctx, store.User{
			ID:        state.UserID(u.ID),
			MSISDN:    u.MSISDN,
			APIToken:  u.Token,
			CreatedAt: testutil.Epoch,
		})
		if err != nil {
			return fmt.Errorf("user %d: %w", u.ID, err)
		}
	}
	return nil
}

// executeStep runs one step through the engine, records it in the trace and
// compares it with the step's expect clause.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	id := state.UserID(step.User)
	ac := state.AuthContext{UserID: id, Token: step.Token}
	event := TraceEvent{Op: step.Op, UserID: step.User}

	var opErr error
	switch step.Op {
	case OpUpdate:
		patch, err := toDocument(step.Patch)
		if err != nil {
			return fmt.Errorf("patch: %w", err)
		}
		var version int64
		version, opErr = h.engine.Update(ctx, ac, patch)
		if opErr == nil {
			event.Version = &version
		}

	case OpSave, OpFlush:
		var res engine.FlushResult
		if step.Op == OpSave {
			var fallback jsondoc.Document
			if step.JSONData != nil {
				doc, err := toDocument(step.JSONData)
				if err != nil {
					return fmt.Errorf("json_data: %w", err)
				}
				fallback = doc
			}
			res, opErr = h.engine.Save(ctx, ac, fallback)
		} else {
			res, opErr = h.engine.ForceFlush(ctx, id)
		}
		event.Phase = string(res.Phase)
		if opErr == nil {
			stmtID, written := res.StatementID, res.Written
			event.StatementID = &stmtID
			event.Written = &written
		}

	case OpGet:
		var view state.View
		view, opErr = h.engine.GetState(ctx, id)
		if opErr == nil {
			event.Source = view.Source.WireName()
			event.StatementID = view.StatementID
			event.Data = view.Data
			if view.Source == state.SourceCache {
				version := view.Version
				event.Version = &version
			}
		}

	case OpFailDurable:
		event.UserID = 0
		event.Count = step.Count
		h.durable.failNext(step.Count)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	event.Outcome = OutcomeOK
	if opErr != nil {
		code := state.CodeOf(opErr)
		if code == "" {
			return fmt.Errorf("%s returned an uncategorised error: %w", step.Op, opErr)
		}
		event.Outcome = string(code)
	}
	result.addEvent(event)

	h.logger.Info("step completed", "step", i, "op", step.Op, "user_id", step.User, "outcome", event.Outcome)

	if step.Expect != nil {
		for _, msg := range checkExpect(i, step, event) {
			result.AddError(msg)
		}
	}
	return nil
}

// toDocument converts a YAML-decoded map into the same shape a request body
// decodes to, with numbers as json.Number.
func toDocument(m map[string]any) (jsondoc.Document, error) {
	data, err := jsondoc.Marshal(m)
	if err != nil {
		return nil, err
	}
	return jsondoc.DecodeBytes(data)
}

// faultyDurable fails a configurable number of statement inserts and
// otherwise defers to the SQL store.
type faultyDurable struct {
	*store.Store

	mu       sync.Mutex
	failures int
}

func (d *faultyDurable) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *faultyDurable) InsertStatement(ctx context.Context, userID state.UserID, data jsondoc.Document, createdAt time.Time) (state.Statement, error) {
	d.mu.Lock()
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return state.Statement{}, testutil.ErrInjected
	}
	d.mu.Unlock()
	return d.Store.InsertStatement(ctx, userID, data, createdAt)
}
