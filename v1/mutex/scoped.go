package mutex

import (
	"context"
	"errors"
	"fmt"
	"time"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
)

// AcquisitionFailedError is returned by the scoped helpers when the lock
// could not be obtained. It matches mutexerrors.ErrLockNotObtained.
type AcquisitionFailedError struct {
	Name string
	ID   string
}

func (e *AcquisitionFailedError) Error() string {
	return fmt.Sprintf("mutex: could not acquire lock %q for id %q", e.Name, e.ID)
}

// Is reports whether target is ErrLockNotObtained.
func (e *AcquisitionFailedError) Is(target error) bool {
	return target == mutexerrors.ErrLockNotObtained
}

// IsAcquisitionFailed reports whether err means the lock was busy, as
// opposed to the store failing.
func IsAcquisitionFailed(err error) bool {
	var af *AcquisitionFailedError
	return errors.As(err, &af)
}

// WithLock runs fn while holding the lock, making a single acquisition
// attempt. See Do.
func (m *Mutex) WithLock(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithOptimisticLock runs fn while holding the lock, polling for it as
// described by opts. See Do.
func (m *Mutex) WithOptimisticLock(ctx context.Context, opts OptimisticOptions, fn func(context.Context) error) error {
	_, err := DoOptimistic(ctx, m, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do makes one attempt to acquire m and, on success, runs fn and releases
// the lock afterwards, also when fn fails or panics. When the lock is busy it
// returns *AcquisitionFailedError without running fn.
//
// fn's error is returned unchanged. A release failure is returned only when
// fn succeeded; otherwise it is logged.
func Do[T any](ctx context.Context, m *Mutex, fn func(context.Context) (T, error)) (T, error) {
	tok, ok, err := m.TryAcquire(ctx)
	return runLocked(ctx, m, tok, ok, err, fn)
}

// DoOptimistic is Do with AcquireOptimistic as the acquisition step.
func DoOptimistic[T any](ctx context.Context, m *Mutex, opts OptimisticOptions, fn func(context.Context) (T, error)) (T, error) {
	tok, ok, err := m.AcquireOptimistic(ctx, opts)
	return runLocked(ctx, m, tok, ok, err, fn)
}

func runLocked[T any](ctx context.Context, m *Mutex, tok string, ok bool, acqErr error, fn func(context.Context) (T, error)) (result T, err error) {
	if acqErr != nil {
		return result, acqErr
	}
	if !ok {
		return result, &AcquisitionFailedError{Name: m.name, ID: m.id}
	}

	acquiredAt := time.Now()
	defer func() {
		metrics.HoldHistogram.WithLabelValues(m.name).Observe(time.Since(acquiredAt).Seconds())
		// The caller's context may be cancelled by now; the record still has
		// to go.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout)
		defer cancel()
		rerr := m.Release(rctx, tok)
		if rerr == nil {
			return
		}
		if err == nil {
			err = rerr
			return
		}
		m.logger.Warn("mutex: release failed after work error", "key", m.key, "error", rerr, "work_error", err)
	}()
	return fn(ctx)
}
