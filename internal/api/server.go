// Package api is the HTTP binding of the state engine.
//
// Routes and response bodies keep the wire contract game clients already
// use: "source" is "redis" or "db", failures use the
// {success:false, data:null, error:{code, message}} envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vannguyen-14/client-matino/internal/auth"
	"github.com/vannguyen-14/client-matino/internal/engine"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// TracerName is the instrumentation scope of request spans.
const TracerName = "github.com/vannguyen-14/client-matino/internal/api"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Core is the engine surface the handlers call. *engine.Engine implements it.
type Core interface {
	Update(ctx context.Context, ac state.AuthContext, patch jsondoc.Document) (int64, error)
	Save(ctx context.Context, ac state.AuthContext, fallback jsondoc.Document) (engine.FlushResult, error)
	ForceFlush(ctx context.Context, id state.UserID) (engine.FlushResult, error)
	GetState(ctx context.Context, id state.UserID) (state.View, error)
}

// History lists persisted statements. *store.Store implements it.
type History interface {
	ListStatements(ctx context.Context, id state.UserID, limit int) ([]state.Statement, error)
}

// Server routes HTTP requests to the engine.
type Server struct {
	core         Core
	users        auth.UserLookup
	history      History
	adminKey     string
	historyLimit int
	ids          RequestIDGenerator
	logger       *slog.Logger
	tracer       trace.Tracer

	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithUsers enables the compact "auth" field on realtime updates.
func WithUsers(u auth.UserLookup) Option {
	return func(s *Server) { s.users = u }
}

// WithHistory enables GET /statements/{user_id}.
func WithHistory(h History, limit int) Option {
	return func(s *Server) {
		s.history = h
		s.historyLimit = limit
	}
}

// WithAdminKey requires the X-Admin-Key header on admin routes. Without it
// admin routes are open, as they were before keys existed.
func WithAdminKey(key string) Option {
	return func(s *Server) { s.adminKey = key }
}

func WithRequestIDs(g RequestIDGenerator) Option {
	return func(s *Server) { s.ids = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// New creates a Server over core.
func New(core Core, opts ...Option) *Server {
	s := &Server{
		core:         core,
		historyLimit: 50,
		ids:          UUIDv7Generator{},
		logger:       slog.Default(),
		tracer:       otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /rt-update-game-statement", s.handleRealtimeUpdate)
	mux.HandleFunc("POST /save-game-statement", s.handleSave)
	mux.HandleFunc("GET /get-game-statement/{user_id}", s.handleGet)
	mux.HandleFunc("POST /admin/flush-realtime/{user_id}", s.requireAdmin(s.handleAdminFlush))
	if s.history != nil {
		mux.HandleFunc("GET /statements/{user_id}", s.requireAdmin(s.handleHistory))
	}

	s.handler = s.withRequestContext(s.withRecover(mux))
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is cancelled, then drains in-flight requests
// for up to shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
