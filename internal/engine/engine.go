package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vannguyen-14/client-matino/internal/auth"
	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// TracerName is the instrumentation scope of engine spans.
const TracerName = "github.com/vannguyen-14/client-matino/internal/engine"

// DefaultStoreTimeout bounds every individual store call.
const DefaultStoreTimeout = 3 * time.Second

// Durable is the part of the durable store the engine needs. *store.Store
// implements it.
type Durable interface {
	InsertStatement(ctx context.Context, userID state.UserID, data jsondoc.Document, createdAt time.Time) (state.Statement, error)
	LatestStatement(ctx context.Context, userID state.UserID) (stmt state.Statement, ok bool, err error)
}

// Validator checks a merged state before it is written. A non-nil error
// rejects the patch.
type Validator interface {
	Validate(doc jsondoc.Document) error
}

// RetryPolicy bounds the retries of a durable write during a flush.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts uint

	// Initial is the wait before the second try.
	Initial time.Duration

	// Max caps the exponential wait between tries.
	Max time.Duration
}

// DefaultRetry is used unless WithRetry is given.
var DefaultRetry = RetryPolicy{Attempts: 4, Initial: 50 * time.Millisecond, Max: time.Second}

// Engine coordinates the fast and durable stores for every user.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	fast    cache.Store
	durable Durable

	verifier        auth.Verifier
	validator       Validator
	clock           Clock
	storeTimeout    time.Duration
	retry           RetryPolicy
	seedFromDurable bool
	logger          *slog.Logger
	tracer          trace.Tracer

	locks *keyedLocks
}

// Option configures an Engine.
type Option func(*Engine)

// WithVerifier sets the token check used by Update and Save. Without it
// every authenticated call is rejected.
func WithVerifier(v auth.Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithValidator rejects merges whose result fails v.
func WithValidator(v Validator) Option {
	return func(e *Engine) { e.validator = v }
}

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithStoreTimeout bounds each store call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storeTimeout = d }
}

// WithRetry sets the durable-write retry policy for flushes.
func WithRetry(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithSeedFromDurable makes a merge into an empty cache start from the
// latest statement instead of an empty document. The version still starts
// from zero.
func WithSeedFromDurable(seed bool) Option {
	return func(e *Engine) { e.seedFromDurable = seed }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an Engine over the given stores.
func New(fast cache.Store, durable Durable, opts ...Option) *Engine {
	e := &Engine{
		fast:         fast,
		durable:      durable,
		verifier:     denyAll,
		clock:        SystemClock,
		storeTimeout: DefaultStoreTimeout,
		retry:        DefaultRetry,
		logger:       slog.Default(),
		tracer:       otel.Tracer(TracerName),
		locks:        newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.retry.Attempts == 0 {
		e.retry.Attempts = 1
	}
	return e
}

var denyAll = auth.VerifierFunc(func(_ context.Context, id state.UserID, _ string) error {
	return state.NewNotAuthorized(id, "no token verifier configured")
})

// storeCtx derives the context for a single store call.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

// lock acquires id's scope. Waiting past ctx is reported as a store failure
// so the caller can resend.
func (e *Engine) lock(ctx context.Context, id state.UserID) (func(), error) {
	release, err := e.locks.acquire(ctx, id)
	if err != nil {
		return nil, state.NewStoreUnavailable(id, "acquire user lock", err)
	}
	return release, nil
}

func (e *Engine) startSpan(ctx context.Context, name string, id state.UserID) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("user.id", int64(id))))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(state.CodeOf(err)))
	}
	span.End()
}
