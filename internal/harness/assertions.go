package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
	"github.com/vannguyen-14/client-matino/internal/store"
)

// AssertionError is returned when an assertion fails. It carries the trace
// so the failure can be read in context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s user=%d -> %s\n", ev.Seq, ev.Op, ev.UserID, ev.Outcome)
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the stores a scenario ran
// against.
type AssertionContext struct {
	Ctx   context.Context
	Store *store.Store
	Cache cache.Store
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertStatementCount:
		return assertStatementCount(actx, a)
	case AssertLatestStatement:
		return assertLatestStatement(actx, a)
	case AssertCacheEmpty:
		return assertCacheEmpty(actx, a)
	case AssertCacheVersion:
		return assertCacheVersion(actx, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertStatementCount(actx *AssertionContext, a Assertion) error {
	// ListStatements treats a non-positive limit as unlimited.
	stmts, err := actx.Store.ListStatements(actx.Ctx, state.UserID(a.User), 0)
	if err != nil {
		return fmt.Errorf("list statements: %w", err)
	}
	if len(stmts) != a.Count {
		return &AssertionError{
			Type:     AssertStatementCount,
			Expected: fmt.Sprintf("%d statements for user %d", a.Count, a.User),
			Actual:   fmt.Sprintf("%d statements", len(stmts)),
		}
	}
	return nil
}

func assertLatestStatement(actx *AssertionContext, a Assertion) error {
	stmt, ok, err := actx.Store.LatestStatement(actx.Ctx, state.UserID(a.User))
	if err != nil {
		return fmt.Errorf("latest statement: %w", err)
	}
	if !ok {
		return &AssertionError{
			Type:     AssertLatestStatement,
			Expected: fmt.Sprintf("a statement for user %d", a.User),
			Actual:   "no statements",
		}
	}
	if !jsondoc.Equal(jsondoc.Document(a.Data), stmt.Data) {
		return &AssertionError{
			Type:     AssertLatestStatement,
			Expected: encode(a.Data),
			Actual:   encode(stmt.Data),
		}
	}
	return nil
}

func assertCacheEmpty(actx *AssertionContext, a Assertion) error {
	rec, ok, err := actx.Cache.Get(actx.Ctx, state.UserID(a.User))
	if err != nil {
		return fmt.Errorf("cache get: %w", err)
	}
	if ok {
		return &AssertionError{
			Type:     AssertCacheEmpty,
			Expected: fmt.Sprintf("no cached record for user %d", a.User),
			Actual:   fmt.Sprintf("version %d: %s", rec.Version, encode(rec.Data)),
		}
	}
	return nil
}

func assertCacheVersion(actx *AssertionContext, a Assertion) error {
	rec, ok, err := actx.Cache.Get(actx.Ctx, state.UserID(a.User))
	if err != nil {
		return fmt.Errorf("cache get: %w", err)
	}
	if !ok {
		return &AssertionError{
			Type:     AssertCacheVersion,
			Expected: fmt.Sprintf("version %d", a.Version),
			Actual:   "no cached record",
		}
	}
	if rec.Version != a.Version {
		return &AssertionError{
			Type:     AssertCacheVersion,
			Expected: fmt.Sprintf("version %d", a.Version),
			Actual:   fmt.Sprintf("version %d", rec.Version),
		}
	}
	return nil
}

// assertTraceCount counts events with the given op, and outcome if set.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Op != a.Op {
			continue
		}
		if a.Outcome != "" && ev.Outcome != a.Outcome {
			continue
		}
		count++
	}
	if count != a.Count {
		what := a.Op
		if a.Outcome != "" {
			what += " -> " + a.Outcome
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d x %s", a.Count, what),
			Actual:   fmt.Sprintf("%d", count),
			Trace:    trace,
		}
	}
	return nil
}

// checkExpect compares a step's outcome with its expect clause.
func checkExpect(i int, step Step, ev TraceEvent) []string {
	exp := step.Expect
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("step %d (%s): ", i, step.Op)+fmt.Sprintf(format, args...))
	}

	wantOutcome := OutcomeOK
	if exp.Error != "" {
		wantOutcome = exp.Error
	}
	if ev.Outcome != wantOutcome {
		fail("expected outcome %s, got %s", wantOutcome, ev.Outcome)
		return errs
	}

	if exp.Version != nil && (ev.Version == nil || *ev.Version != *exp.Version) {
		fail("expected version %d, got %s", *exp.Version, optional(ev.Version))
	}
	if exp.StatementID != nil && (ev.StatementID == nil || *ev.StatementID != *exp.StatementID) {
		fail("expected statement_id %d, got %s", *exp.StatementID, optional(ev.StatementID))
	}
	if exp.Written != nil && (ev.Written == nil || *ev.Written != *exp.Written) {
		fail("expected written %t, got %v", *exp.Written, ev.Written != nil && *ev.Written)
	}
	if exp.Phase != "" && ev.Phase != exp.Phase {
		fail("expected phase %s, got %s", exp.Phase, ev.Phase)
	}
	if exp.Source != "" && ev.Source != exp.Source {
		fail("expected source %s, got %s", exp.Source, ev.Source)
	}
	if exp.Data != nil && !jsondoc.Equal(jsondoc.Document(exp.Data), ev.Data) {
		fail("expected data %s, got %s", encode(exp.Data), encode(ev.Data))
	}
	return errs
}

func optional(p *int64) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *p)
}

func encode(v map[string]any) string {
	s, err := jsondoc.MarshalString(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return s
}
