package mutex

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/syncbus"
)

// minTimeBetweenAttempts is the floor of the default retry interval.
const minTimeBetweenAttempts = 10 * time.Millisecond

// OptimisticOptions bounds a polling acquisition.
type OptimisticOptions struct {
	// MaxWaitTime is the total time budget. After a failed attempt the loop
	// stops once more than MaxWaitTime has elapsed since it started.
	MaxWaitTime time.Duration
	// MaxAttempts caps the number of attempts. Zero means unbounded.
	MaxAttempts int
	// TimeBetweenAttempts is the pause after a failed attempt. Zero means
	// max(10ms, MaxWaitTime/2).
	TimeBetweenAttempts time.Duration
}

func (o OptimisticOptions) interval() time.Duration {
	if o.TimeBetweenAttempts > 0 {
		return o.TimeBetweenAttempts
	}
	return max(minTimeBetweenAttempts, o.MaxWaitTime/2)
}

// AcquireOptimistic polls TryAcquire until it succeeds, the attempt cap is
// hit or MaxWaitTime has elapsed. The first attempt always happens, whatever
// the budget. Each attempt mints its own token. ok is false when the budget
// ran out; store errors and context cancellation end the loop with an error.
func (m *Mutex) AcquireOptimistic(ctx context.Context, opts OptimisticOptions) (tok string, ok bool, err error) {
	ctx, span := m.startSpan(ctx, "Mutex.AcquireOptimistic")
	defer span.End()

	start := time.Now()
	interval := opts.interval()
	defer func() {
		metrics.WaitHistogram.WithLabelValues(m.name).Observe(time.Since(start).Seconds())
	}()

	var released chan struct{}
	if m.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := m.bus.Subscribe(subCtx, syncbus.UnlockTopic(m.key))
		if err != nil {
			m.logger.Warn("mutex: unlock subscription failed, polling only", "key", m.key, "error", err)
		} else {
			released = ch
		}
	}

	for attempt := 1; ; attempt++ {
		tok, ok, err = m.TryAcquire(ctx)
		if err != nil {
			failSpan(span, err)
			return "", false, err
		}
		if ok {
			span.SetAttributes(attribute.Int("mutex.attempts", attempt))
			return tok, true, nil
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			break
		}
		if time.Since(start) > opts.MaxWaitTime {
			break
		}
		if released, err = sleep(ctx, interval, released); err != nil {
			failSpan(span, err)
			return "", false, err
		}
	}
	span.SetAttributes(attribute.Bool("mutex.exhausted", true))
	return "", false, nil
}

// sleep waits for d, a release notification or ctx, whichever comes first.
// It returns the notification channel to keep using, nil once it is closed.
func sleep(ctx context.Context, d time.Duration, released chan struct{}) (chan struct{}, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return released, ctx.Err()
	case _, open := <-released:
		if !open {
			return nil, nil
		}
	}
	return released, nil
}
