package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// ApplyPatch merges patch into id's realtime state and returns the new
// version. The caller must already have authenticated id.
//
// The patch is checked before any store is touched. A merge that fails for
// any reason leaves the previous record in place and is not retried.
func (e *Engine) ApplyPatch(ctx context.Context, id state.UserID, patch jsondoc.Document) (version int64, err error) {
	ctx, span := e.startSpan(ctx, "engine.ApplyPatch", id)
	defer func() { endSpan(span, err) }()

	if err := jsondoc.CheckPatch(patch); err != nil {
		return 0, state.NewInvalidPatch(id, err)
	}

	release, err := e.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer release()

	rec, err := e.current(ctx, id)
	if err != nil {
		return 0, err
	}

	merged := state.Merge(rec, patch, e.clock.Now())
	if e.validator != nil {
		if err := e.validator.Validate(merged.Data); err != nil {
			return 0, state.NewInvalidPatch(id, err)
		}
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.fast.Set(sctx, merged); err != nil {
		return 0, state.NewStoreUnavailable(id, "cache set", err)
	}

	span.SetAttributes(attribute.Int64("state.version", merged.Version))
	e.logger.Debug("state merged", "user_id", int64(id), "version", merged.Version, "keys", len(patch))
	return merged.Version, nil
}

// current returns the record a merge builds on. Must be called with id's
// lock held.
func (e *Engine) current(ctx context.Context, id state.UserID) (state.Record, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	rec, ok, err := e.fast.Get(sctx, id)
	switch {
	case errors.Is(err, cache.ErrCorrupt):
		// Nothing in an undecodable entry can be merged into; the next Set
		// replaces it.
		e.logger.Warn("replacing corrupt cache entry", "user_id", int64(id), "error", err)
		ok = false
	case err != nil:
		return state.Record{}, state.NewStoreUnavailable(id, "cache get", err)
	}
	if ok {
		return rec, nil
	}

	rec = state.Record{UserID: id, Data: jsondoc.Document{}}
	if !e.seedFromDurable {
		return rec, nil
	}

	dctx, dcancel := e.storeCtx(ctx)
	defer dcancel()
	stmt, found, err := e.durable.LatestStatement(dctx, id)
	if err != nil {
		return state.Record{}, state.NewStoreUnavailable(id, "latest statement", err)
	}
	if found {
		rec.Data = stmt.Data
	}
	return rec, nil
}

// Update is the authenticated realtime update: the token is verified, then
// the patch is merged.
func (e *Engine) Update(ctx context.Context, ac state.AuthContext, patch jsondoc.Document) (int64, error) {
	if err := jsondoc.CheckPatch(patch); err != nil {
		return 0, state.NewInvalidPatch(ac.UserID, err)
	}
	if err := e.verify(ctx, ac); err != nil {
		return 0, err
	}
	return e.ApplyPatch(ctx, ac.UserID, patch)
}

func (e *Engine) verify(ctx context.Context, ac state.AuthContext) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	err := e.verifier.Verify(sctx, ac.UserID, ac.Token)
	if err == nil {
		return nil
	}
	if state.CodeOf(err) == "" {
		return state.NewNotAuthorized(ac.UserID, err.Error())
	}
	return err
}
