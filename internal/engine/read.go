package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// GetState answers from the fast store when it holds a record for id and
// from the latest durable statement otherwise. It takes no lock and has no
// side effects.
func (e *Engine) GetState(ctx context.Context, id state.UserID) (view state.View, err error) {
	ctx, span := e.startSpan(ctx, "engine.GetState", id)
	defer func() {
		span.SetAttributes(attribute.String("state.source", string(view.Source)))
		endSpan(span, err)
	}()

	rec, ok, err := e.cached(ctx, id)
	if err != nil {
		return state.View{}, err
	}
	if ok {
		return state.View{
			Source:  state.SourceCache,
			UserID:  id,
			Data:    rec.Data,
			Version: rec.Version,
		}, nil
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	stmt, found, err := e.durable.LatestStatement(sctx, id)
	if err != nil {
		return state.View{}, state.NewStoreUnavailable(id, "latest statement", err)
	}
	if !found {
		return state.View{}, state.NewNotFound(id)
	}

	stmtID := stmt.ID
	span.SetAttributes(attribute.Int64("statement.id", stmtID))
	return state.View{
		Source:      state.SourceDurable,
		UserID:      id,
		Data:        stmt.Data,
		StatementID: &stmtID,
	}, nil
}

func (e *Engine) cached(ctx context.Context, id state.UserID) (state.Record, bool, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	rec, ok, err := e.fast.Get(sctx, id)
	if errors.Is(err, cache.ErrCorrupt) {
		e.logger.Warn("ignoring corrupt cache entry on read", "user_id", int64(id), "error", err)
		return state.Record{}, false, nil
	}
	if err != nil {
		return state.Record{}, false, state.NewStoreUnavailable(id, "cache get", err)
	}
	if !ok || rec.IsEmpty() {
		return state.Record{}, false, nil
	}
	return rec, true, nil
}
