// Package cache provides the fast store that holds each user's realtime state
// between flushes.
//
// Entries never expire: the cache is authoritative for a user until the
// engine flushes it. Only the engine writes entries, through Set (merge) and
// Take/Restore (flush).
package cache

import (
	"context"
	"errors"

	"github.com/vannguyen-14/client-matino/internal/state"
)

// ErrCorrupt is returned by Get and Take when an entry exists but cannot be
// decoded.
var ErrCorrupt = errors.New("cache entry is corrupt")

// Store is the fast store used as the write-behind cache. Implementations
// must give read-your-writes consistency for a single key and must never hand
// out maps that they keep referencing.
type Store interface {
	// Get returns the record for id, or ok=false if none exists.
	Get(ctx context.Context, id state.UserID) (rec state.Record, ok bool, err error)

	// Set replaces the record for rec.UserID.
	Set(ctx context.Context, rec state.Record) error

	// Take reads and deletes the record for id as one indivisible step.
	Take(ctx context.Context, id state.UserID) (rec state.Record, ok bool, err error)

	// Restore puts back a record removed by Take. If another record was
	// written in the meantime, that newer record is overlaid on rec (its keys
	// win, versions add) so neither is lost.
	Restore(ctx context.Context, rec state.Record) error

	// Delete removes the record for id. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, id state.UserID) error

	// Close releases any connections held by the store.
	Close() error
}
