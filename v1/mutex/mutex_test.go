package mutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/store"
	"github.com/mirkobrombin/go-mutex/v1/token"
)

func newRedisStore(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return store.NewRedis(client), mr
}

func mustNew(t *testing.T, name, id string, timeout time.Duration, s store.Store, opts ...Option) *Mutex {
	t.Helper()
	m, err := New(name, id, timeout, s, opts...)
	if err != nil {
		t.Fatalf("new mutex: %v", err)
	}
	return m
}

func assertAbsent(t *testing.T, m *Mutex) {
	t.Helper()
	if _, held, err := m.Holder(context.Background()); err != nil || held {
		t.Fatalf("expected lock record to be absent, held %v err %v", held, err)
	}
}

// faultyStore fails selected operations of an otherwise working store.
type faultyStore struct {
	store.Store
	setErr error
	casErr error
}

func (f *faultyStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.setErr != nil {
		return false, f.setErr
	}
	return f.Store.SetNX(ctx, key, value, ttl)
}

func (f *faultyStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if f.casErr != nil {
		return false, f.casErr
	}
	return f.Store.CompareAndDelete(ctx, key, value)
}

func TestNewValidatesArguments(t *testing.T) {
	s := store.NewInMemory()
	cases := []struct {
		name    string
		lock    string
		timeout time.Duration
		store   store.Store
	}{
		{"empty name", "", time.Second, s},
		{"zero timeout", "jobs", 0, s},
		{"negative timeout", "jobs", -time.Second, s},
		{"nil store", "jobs", time.Second, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.lock, "1", tc.timeout, tc.store); !errors.Is(err, mutexerrors.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestKey(t *testing.T) {
	m := mustNew(t, "invoices", "billing-1", time.Second, store.NewInMemory())
	if m.Key() != "lock:invoices:billing-1" {
		t.Fatalf("unexpected key %q", m.Key())
	}
	if m.Name() != "invoices" || m.ID() != "billing-1" || m.Timeout() != time.Second {
		t.Fatal("accessors do not reflect construction arguments")
	}
	other := mustNew(t, "invoices", "billing-2", time.Second, store.NewInMemory())
	if other.Key() == m.Key() {
		t.Fatal("distinct ids must address distinct keys")
	}
}

func TestCompetingAcquisitionsOnlyOneWins(t *testing.T) {
	s, _ := newRedisStore(t)
	a := mustNew(t, "race", "x", time.Second, s)
	b := mustNew(t, "race", "x", time.Second, s)
	ctx := context.Background()

	tokA, okA, err := a.TryAcquire(ctx)
	if err != nil || !okA || tokA == "" {
		t.Fatalf("first acquire: tok %q ok %v err %v", tokA, okA, err)
	}
	tokB, okB, err := b.TryAcquire(ctx)
	if err != nil || okB || tokB != "" {
		t.Fatalf("second acquire should fail: tok %q ok %v err %v", tokB, okB, err)
	}
}

func TestConcurrentAcquisitionsExactlyOneWins(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _ := New("race", "x", time.Second, s)
			if _, ok, err := m.TryAcquire(ctx); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestReleaseWithCorrectTokenRemovesRecord(t *testing.T) {
	s, _ := newRedisStore(t)
	m := mustNew(t, "jobs", "1", time.Second, s)
	ctx := context.Background()
	tok, ok, err := m.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if holder, held, _ := m.Holder(ctx); !held || holder != tok {
		t.Fatalf("holder %q held %v, want %q", holder, held, tok)
	}
	if err := m.Release(ctx, tok); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertAbsent(t, m)
}

func TestReleaseWithStaleTokenKeepsNewHolder(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	first := mustNew(t, "jobs", "1", 100*time.Millisecond, s)
	second := mustNew(t, "jobs", "1", 100*time.Millisecond, s)

	stale, ok, err := first.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok %v err %v", ok, err)
	}
	mr.FastForward(100 * time.Millisecond)
	current, ok, err := second.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("second acquire after expiry: ok %v err %v", ok, err)
	}

	if err := first.Release(ctx, stale); err != nil {
		t.Fatalf("stale release should not error: %v", err)
	}
	holder, held, err := second.Holder(ctx)
	if err != nil || !held || holder != current {
		t.Fatalf("stale release removed the new holder: %q %v %v", holder, held, err)
	}
}

func TestReleaseOfMissingLockIsNotAnError(t *testing.T) {
	m := mustNew(t, "jobs", "1", time.Second, store.NewInMemory())
	if err := m.Release(context.Background(), "never-acquired"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAcquireSetsTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	m := mustNew(t, "jobs", "ttl", 250*time.Millisecond, s)
	ctx := context.Background()
	if _, ok, err := m.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if ttl := mr.TTL(m.Key()); ttl != 250*time.Millisecond {
		t.Fatalf("expected ttl 250ms, got %s", ttl)
	}
	mr.FastForward(250 * time.Millisecond)
	assertAbsent(t, m)
	if _, ok, err := m.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("re-acquire after expiry: ok %v err %v", ok, err)
	}
}

func TestRecordExpiresWithoutRelease(t *testing.T) {
	m := mustNew(t, "jobs", "ttl", 20*time.Millisecond, store.NewInMemory())
	if _, ok, err := m.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	time.Sleep(40 * time.Millisecond)
	assertAbsent(t, m)
}

func TestFreshTokenPerAcquisition(t *testing.T) {
	m := mustNew(t, "jobs", "tok", time.Second, store.NewInMemory())
	ctx := context.Background()
	first, _, _ := m.TryAcquire(ctx)
	if err := m.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, _, _ := m.TryAcquire(ctx)
	if first == second {
		t.Fatal("tokens must not be reused across acquisitions")
	}
}

func TestForceResetRemovesOtherHoldersRecord(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	holder := mustNew(t, "jobs", "1", time.Minute, s)
	admin := mustNew(t, "jobs", "1", time.Minute, s)
	if _, ok, err := holder.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if err := admin.ForceResetLock(ctx); err != nil {
		t.Fatalf("force reset: %v", err)
	}
	assertAbsent(t, admin)
	if err := admin.ForceResetLock(ctx); err != nil {
		t.Fatalf("force reset of free lock: %v", err)
	}
}

func TestStoreErrorsPropagateUnchanged(t *testing.T) {
	boom := errors.New("connection reset")
	m := mustNew(t, "jobs", "1", time.Second, &faultyStore{Store: store.NewInMemory(), setErr: boom})
	_, _, err := m.TryAcquire(context.Background())
	if err != boom {
		t.Fatalf("expected store error unchanged, got %v", err)
	}
	if IsAcquisitionFailed(err) || errors.Is(err, mutexerrors.ErrLockNotObtained) {
		t.Fatal("store failure must not look like contention")
	}
}

func TestTokenGeneratorErrors(t *testing.T) {
	boom := errors.New("entropy exhausted")
	m := mustNew(t, "jobs", "1", time.Second, store.NewInMemory(),
		WithTokenGenerator(token.Func(func() (string, error) { return "", boom })))
	if _, _, err := m.TryAcquire(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected generator error, got %v", err)
	}
}

func TestMetricsRecordOutcomes(t *testing.T) {
	const name = "metrics-outcomes"
	m := mustNew(t, name, "1", time.Second, store.NewInMemory())
	ctx := context.Background()

	acquired := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(name, metrics.ResultAcquired))
	contended := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(name, metrics.ResultContended))
	released := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues(name, metrics.ResultReleased))
	lost := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues(name, metrics.ResultLost))

	tok, _, _ := m.TryAcquire(ctx)
	_, _, _ = m.TryAcquire(ctx)
	_ = m.Release(ctx, tok)
	_ = m.Release(ctx, tok)

	if got := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(name, metrics.ResultAcquired)); got != acquired+1 {
		t.Fatalf("acquired counter %v", got)
	}
	if got := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues(name, metrics.ResultContended)); got != contended+1 {
		t.Fatalf("contended counter %v", got)
	}
	if got := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues(name, metrics.ResultReleased)); got != released+1 {
		t.Fatalf("released counter %v", got)
	}
	if got := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues(name, metrics.ResultLost)); got != lost+1 {
		t.Fatalf("lost counter %v", got)
	}
}

func TestTracingRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m := mustNew(t, "traced", "1", time.Second, store.NewInMemory(), WithTracerProvider(tp))
	if err := m.WithLock(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("with lock: %v", err)
	}
	names := make(map[string]bool)
	for _, s := range rec.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"Mutex.Acquire", "Mutex.Release"} {
		if !names[want] {
			t.Fatalf("missing span %q, got %v", want, names)
		}
	}
}
