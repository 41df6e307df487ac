package state

import (
	"time"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
)

// Merge applies patch to rec and returns the new record. Neither argument is
// modified.
//
// Every key in patch is set in the result, overwriting any existing value;
// keys not in patch are kept. Keys are compared byte for byte. Version always advances by one, even when the
// patch changes nothing.
func Merge(rec Record, patch jsondoc.Document, now time.Time) Record {
	merged := Record{
		UserID:    rec.UserID,
		Data:      make(jsondoc.Document, len(rec.Data)+len(patch)),
		Version:   rec.Version + 1,
		UpdatedAt: now,
	}
	for k, v := range rec.Data {
		merged.Data[k] = jsondoc.CloneValue(v)
	}
	for k, v := range patch {
		merged.Data[k] = jsondoc.CloneValue(v)
	}
	return merged
}

// Overlay merges newer over older for the compensating restore of a flush:
// keys in newer win, versions add. It is used when a record appeared in the
// fast store between a take and its restore.
func Overlay(older, newer Record) Record {
	out := Record{
		UserID:    older.UserID,
		Data:      jsondoc.Clone(older.Data),
		Version:   older.Version + newer.Version,
		UpdatedAt: newer.UpdatedAt,
	}
	for k, v := range jsondoc.Clone(newer.Data) {
		out.Data[k] = v
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = older.UpdatedAt
	}
	return out
}
