package engine

import "time"

// Clock supplies the timestamps stamped on records and statements.
//
// Ordering never depends on these values: versions order merges and
// statement ids order snapshots. Tests inject a deterministic clock so golden
// traces are stable.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })
