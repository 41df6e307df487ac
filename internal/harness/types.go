package harness

import "github.com/vannguyen-14/client-matino/internal/jsondoc"

// OutcomeOK is the outcome of a step that returned no error.
const OutcomeOK = "ok"

// TraceEvent records one executed step. Optional fields are nil or empty
// when the step does not produce them.
type TraceEvent struct {
	Seq     int64
	Op      string
	UserID  int64
	Outcome string

	Version     *int64
	StatementID *int64
	Written     *bool
	Phase       string
	Source      string
	Data        jsondoc.Document
	Count       int
}

// toMap renders the event for deterministic encoding. Absent fields are
// omitted rather than written as null.
func (e TraceEvent) toMap() map[string]any {
	m := map[string]any{
		"seq":     e.Seq,
		"op":      e.Op,
		"outcome": e.Outcome,
	}
	if e.UserID != 0 {
		m["user_id"] = e.UserID
	}
	if e.Version != nil {
		m["version"] = *e.Version
	}
	if e.StatementID != nil {
		m["statement_id"] = *e.StatementID
	}
	if e.Written != nil {
		m["written"] = *e.Written
	}
	if e.Phase != "" {
		m["phase"] = e.Phase
	}
	if e.Source != "" {
		m["source"] = e.Source
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.Count != 0 {
		m["count"] = e.Count
	}
	return m
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool

	// Trace holds one event per step, in order.
	Trace []TraceEvent

	// Errors lists every mismatch. Empty when Pass is true.
	Errors []string
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a mismatch and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(e TraceEvent) {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
}
