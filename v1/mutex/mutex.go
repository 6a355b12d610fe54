package mutex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/store"
	"github.com/mirkobrombin/go-mutex/v1/syncbus"
	"github.com/mirkobrombin/go-mutex/v1/token"
)

const tracerName = "github.com/mirkobrombin/go-mutex/v1/mutex"

// defaultReleaseTimeout bounds the release issued after scoped work, which
// runs detached from the caller's cancellation.
const defaultReleaseTimeout = 5 * time.Second

// Mutex is a handle on one named distributed lock. It holds no lock state of
// its own: the store is the source of truth, so a Mutex is safe for
// concurrent use and cheap to keep for the life of the process.
type Mutex struct {
	name    string
	id      string
	key     string
	timeout time.Duration
	store   store.Store

	tokens         token.Generator
	logger         *slog.Logger
	tracer         trace.Tracer
	bus            syncbus.Bus
	releaseTimeout time.Duration
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithTokenGenerator replaces the holder token generator. The default mints
// random UUIDs.
func WithTokenGenerator(g token.Generator) Option {
	return func(m *Mutex) {
		m.tokens = g
	}
}

// WithLogger sets the logger used for non-fatal conditions such as a release
// finding the lock already gone.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mutex) {
		m.logger = l
	}
}

// WithTracing enables OpenTelemetry spans using the global tracer provider.
func WithTracing() Option {
	return func(m *Mutex) {
		m.tracer = otel.Tracer(tracerName)
	}
}

// WithTracerProvider enables OpenTelemetry spans using tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Mutex) {
		m.tracer = tp.Tracer(tracerName)
	}
}

// WithBus publishes a notification on every release and lets optimistic
// acquisitions wake up as soon as one arrives instead of sleeping out their
// full interval.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Mutex) {
		m.bus = bus
	}
}

// WithReleaseTimeout bounds the release performed after scoped work.
func WithReleaseTimeout(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.releaseTimeout = d
		}
	}
}

// Key returns the store key for a lock name and instance id.
func Key(name, id string) string {
	return fmt.Sprintf("lock:%s:%s", name, id)
}

// New returns a Mutex for the lock identified by name and id. timeout is the
// TTL set on every acquired record and must be positive.
func New(name, id string, timeout time.Duration, s store.Store, opts ...Option) (*Mutex, error) {
	switch {
	case name == "":
		return nil, fmt.Errorf("mutex: %w: empty lock name", mutexerrors.ErrInvalidConfig)
	case timeout <= 0:
		return nil, fmt.Errorf("mutex: %w: timeout must be positive, got %s", mutexerrors.ErrInvalidConfig, timeout)
	case s == nil:
		return nil, fmt.Errorf("mutex: %w: nil store", mutexerrors.ErrInvalidConfig)
	}
	m := &Mutex{
		name:           name,
		id:             id,
		key:            Key(name, id),
		timeout:        timeout,
		store:          s,
		tokens:         token.Default,
		logger:         slog.Default(),
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name returns the lock name.
func (m *Mutex) Name() string { return m.name }

// ID returns the instance id.
func (m *Mutex) ID() string { return m.id }

// Timeout returns the TTL applied to acquired records.
func (m *Mutex) Timeout() time.Duration { return m.timeout }

// Key returns the store key of the lock record.
func (m *Mutex) Key() string { return m.key }

func (m *Mutex) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("mutex.name", m.name),
		attribute.String("mutex.id", m.id),
		attribute.String("mutex.key", m.key),
	))
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TryAcquire makes a single attempt to create the lock record with a fresh
// holder token. ok is false, with a nil error, when someone else holds the
// lock. Store errors are returned unchanged.
func (m *Mutex) TryAcquire(ctx context.Context) (tok string, ok bool, err error) {
	ctx, span := m.startSpan(ctx, "Mutex.Acquire")
	defer span.End()

	tok, err = m.tokens.Generate()
	if err != nil {
		metrics.AcquireCounter.WithLabelValues(m.name, metrics.ResultError).Inc()
		failSpan(span, err)
		return "", false, fmt.Errorf("mutex: generate token: %w", err)
	}
	ok, err = m.store.SetNX(ctx, m.key, tok, m.timeout)
	if err != nil {
		metrics.AcquireCounter.WithLabelValues(m.name, metrics.ResultError).Inc()
		failSpan(span, err)
		return "", false, err
	}
	span.SetAttributes(attribute.Bool("mutex.acquired", ok))
	if !ok {
		metrics.AcquireCounter.WithLabelValues(m.name, metrics.ResultContended).Inc()
		return "", false, nil
	}
	metrics.AcquireCounter.WithLabelValues(m.name, metrics.ResultAcquired).Inc()
	return tok, true, nil
}

// Release deletes the lock record if it still carries tok. A record that
// already expired or now belongs to another holder is left alone and is not
// an error.
func (m *Mutex) Release(ctx context.Context, tok string) error {
	ctx, span := m.startSpan(ctx, "Mutex.Release")
	defer span.End()

	removed, err := m.store.CompareAndDelete(ctx, m.key, tok)
	if err != nil {
		metrics.ReleaseCounter.WithLabelValues(m.name, metrics.ResultError).Inc()
		failSpan(span, err)
		return err
	}
	span.SetAttributes(attribute.Bool("mutex.released", removed))
	if !removed {
		metrics.ReleaseCounter.WithLabelValues(m.name, metrics.ResultLost).Inc()
		m.logger.Debug("mutex: lock expired or taken over before release", "key", m.key)
		return nil
	}
	metrics.ReleaseCounter.WithLabelValues(m.name, metrics.ResultReleased).Inc()
	m.notifyUnlock(ctx)
	return nil
}

// ForceResetLock deletes the lock record whoever holds it. It is meant for
// administrative recovery only.
func (m *Mutex) ForceResetLock(ctx context.Context) error {
	ctx, span := m.startSpan(ctx, "Mutex.ForceReset")
	defer span.End()

	if err := m.store.Del(ctx, m.key); err != nil {
		failSpan(span, err)
		return err
	}
	metrics.ForceResetCounter.WithLabelValues(m.name).Inc()
	m.logger.Info("mutex: lock force reset", "key", m.key)
	m.notifyUnlock(ctx)
	return nil
}

// Holder returns the token currently stored in the lock record, if any.
func (m *Mutex) Holder(ctx context.Context) (string, bool, error) {
	return m.store.Get(ctx, m.key)
}

func (m *Mutex) notifyUnlock(ctx context.Context) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, syncbus.UnlockTopic(m.key)); err != nil {
		m.logger.Warn("mutex: unlock notification failed", "key", m.key, "error", err)
	}
}
