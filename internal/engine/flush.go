package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// Phase is the state a flush ended in.
//
//	idle -> taken -> persisted
//	idle -> taken -> restoring -> restored | lost
//
// A flush that found nothing cached stays idle unless it wrote the
// fallback, in which case it ends persisted without passing through taken.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseTaken     Phase = "taken"
	PhasePersisted Phase = "persisted"
	PhaseRestoring Phase = "restoring"
	PhaseRestored  Phase = "restored"
	PhaseLost      Phase = "lost"
)

// FlushResult describes a completed or failed flush.
type FlushResult struct {
	// StatementID is the row written, or the latest existing row when
	// nothing new was written. Zero on failure.
	StatementID int64

	// Written reports whether this flush inserted a row.
	Written bool

	// Phase is where the flush state machine stopped.
	Phase Phase
}

// Flush moves id's realtime state into the durable store.
//
// The cached record is taken (read and removed in one step) before the
// durable write, so a merge that arrives afterwards starts a fresh record.
// If nothing was cached, fallback is written instead when it is non-nil;
// otherwise the latest statement id is returned unchanged, or NothingToSave
// when there is none. A durable write that still fails after the retry
// policy puts the taken record back.
func (e *Engine) Flush(ctx context.Context, id state.UserID, fallback jsondoc.Document) (res FlushResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.Flush", id)
	defer func() {
		span.SetAttributes(attribute.String("flush.phase", string(res.Phase)))
		if res.StatementID != 0 {
			span.SetAttributes(attribute.Int64("statement.id", res.StatementID))
		}
		endSpan(span, err)
	}()

	if fallback != nil {
		if err := jsondoc.Check(fallback); err != nil {
			return FlushResult{Phase: PhaseIdle}, state.NewInvalidPatch(id, err)
		}
	}

	release, err := e.lock(ctx, id)
	if err != nil {
		return FlushResult{Phase: PhaseIdle}, err
	}
	defer release()

	f := &flush{e: e, id: id, phase: PhaseIdle}
	return f.run(ctx, fallback)
}

// Save is the authenticated user-facing flush.
func (e *Engine) Save(ctx context.Context, ac state.AuthContext, fallback jsondoc.Document) (FlushResult, error) {
	if err := e.verify(ctx, ac); err != nil {
		return FlushResult{Phase: PhaseIdle}, err
	}
	return e.Flush(ctx, ac.UserID, fallback)
}

// ForceFlush is the administrative flush: no token check and no fallback.
func (e *Engine) ForceFlush(ctx context.Context, id state.UserID) (FlushResult, error) {
	return e.Flush(ctx, id, nil)
}

// flush is one run of the flush state machine. It is only used while the
// user's lock is held.
type flush struct {
	e     *Engine
	id    state.UserID
	phase Phase
	rec   state.Record
}

func (f *flush) to(p Phase) {
	f.e.logger.Debug("flush phase", "user_id", int64(f.id), "from", string(f.phase), "to", string(p))
	f.phase = p
}

func (f *flush) result(stmtID int64, written bool) FlushResult {
	return FlushResult{StatementID: stmtID, Written: written, Phase: f.phase}
}

func (f *flush) run(ctx context.Context, fallback jsondoc.Document) (FlushResult, error) {
	taken, err := f.take(ctx)
	if err != nil {
		return f.result(0, false), err
	}

	if taken {
		stmt, err := f.e.persist(ctx, f.id, f.rec.Data)
		if err != nil {
			return f.restore(ctx, err)
		}
		f.to(PhasePersisted)
		f.e.logger.Info("state flushed", "user_id", int64(f.id), "statement_id", stmt.ID, "version", f.rec.Version)
		return f.result(stmt.ID, true), nil
	}

	if fallback != nil {
		stmt, err := f.e.persist(ctx, f.id, fallback)
		if err != nil {
			// Nothing was taken, so there is nothing to put back.
			return f.result(0, false), err
		}
		f.to(PhasePersisted)
		f.e.logger.Info("fallback state saved", "user_id", int64(f.id), "statement_id", stmt.ID)
		return f.result(stmt.ID, true), nil
	}

	sctx, cancel := f.e.storeCtx(ctx)
	defer cancel()
	latest, found, err := f.e.durable.LatestStatement(sctx, f.id)
	if err != nil {
		return f.result(0, false), state.NewStoreUnavailable(f.id, "latest statement", err)
	}
	if !found {
		return f.result(0, false), state.NewNothingToSave(f.id)
	}
	return f.result(latest.ID, false), nil
}

// take removes the cached record. It reports false when there was nothing
// worth persisting.
func (f *flush) take(ctx context.Context) (bool, error) {
	sctx, cancel := f.e.storeCtx(ctx)
	defer cancel()

	rec, ok, err := f.e.fast.Take(sctx, f.id)
	if errors.Is(err, cache.ErrCorrupt) {
		// The entry is already gone and its contents were unreadable.
		f.e.logger.Error("dropped corrupt cache entry during flush", "user_id", int64(f.id), "error", err)
		return false, nil
	}
	if err != nil {
		return false, state.NewStoreUnavailable(f.id, "cache take", err)
	}
	if !ok || rec.IsEmpty() {
		return false, nil
	}
	f.rec = rec
	f.to(PhaseTaken)
	return true, nil
}

// restore puts the taken record back after cause made the durable write
// fail. It runs even when ctx is already done, since leaving the record out
// of both stores is the one outcome a flush must avoid.
func (f *flush) restore(ctx context.Context, cause error) (FlushResult, error) {
	f.to(PhaseRestoring)

	sctx, cancel := f.e.storeCtx(context.WithoutCancel(ctx))
	defer cancel()

	if err := f.e.fast.Restore(sctx, f.rec); err != nil {
		f.to(PhaseLost)
		doc, _ := jsondoc.MarshalString(f.rec.Data)
		f.e.logger.Error("flush failed and state could not be restored",
			"user_id", int64(f.id),
			"version", f.rec.Version,
			"json_data", doc,
			"persist_error", cause,
			"restore_error", err,
		)
		return f.result(0, false), cause
	}

	f.to(PhaseRestored)
	f.e.logger.Warn("flush failed; state restored to cache", "user_id", int64(f.id), "version", f.rec.Version, "error", cause)
	return f.result(0, false), cause
}

// persist inserts a statement, retrying only store failures.
func (e *Engine) persist(ctx context.Context, id state.UserID, data jsondoc.Document) (state.Statement, error) {
	op := func() (state.Statement, error) {
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()

		stmt, err := e.durable.InsertStatement(sctx, id, data, e.clock.Now())
		if err == nil {
			return stmt, nil
		}
		err = state.NewStoreUnavailable(id, "insert statement", err)
		if !state.IsStoreUnavailable(err) {
			return state.Statement{}, backoff.Permanent(err)
		}
		return state.Statement{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.Initial
	b.MaxInterval = e.retry.Max

	stmt, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.retry.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("durable write failed, retrying", "user_id", int64(id), "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return state.Statement{}, state.NewStoreUnavailable(id, "insert statement", err)
	}
	return stmt, nil
}
