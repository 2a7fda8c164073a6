package artifact

import (
	"context"
	"errors"
	"time"
)

// ConflictRetryStats tracks retry behavior for CAS-guarded writes.
type ConflictRetryStats struct {
	Operation       string
	Attempts        int
	ConflictCount   int
	TotalRetryDelay time.Duration
	Success         bool
}

// ConflictRetryObserver is notified after a CAS-guarded write settles.
type ConflictRetryObserver interface {
	ObserveConflictRetry(stats ConflictRetryStats)
}

// ConflictRetryObserverFunc adapts a function to ConflictRetryObserver.
type ConflictRetryObserverFunc func(stats ConflictRetryStats)

func (f ConflictRetryObserverFunc) ObserveConflictRetry(stats ConflictRetryStats) {
	if f != nil {
		f(stats)
	}
}

// runWithConflictRetry runs op, retrying on ErrVersionConflict with
// quadratic backoff up to maxRetries additional attempts. Any other
// error passes through immediately.
func runWithConflictRetry(ctx context.Context, operation string, maxRetries int, observer ConflictRetryObserver, op func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	stats := ConflictRetryStats{Operation: operation}
	for {
		stats.Attempts++
		err := op()
		if err == nil {
			stats.Success = true
			notifyConflictRetryObserver(observer, stats)
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			notifyConflictRetryObserver(observer, stats)
			return err
		}

		stats.ConflictCount++
		if stats.ConflictCount > maxRetries {
			notifyConflictRetryObserver(observer, stats)
			return err
		}

		attempt := stats.ConflictCount
		backoff := time.Duration(attempt*attempt) * 10 * time.Millisecond
		if backoff <= 0 {
			backoff = 10 * time.Millisecond
		}
		stats.TotalRetryDelay += backoff

		if err := sleepWithContext(ctx, backoff); err != nil {
			notifyConflictRetryObserver(observer, stats)
			return err
		}
	}
}

func notifyConflictRetryObserver(observer ConflictRetryObserver, stats ConflictRetryStats) {
	if observer == nil {
		return
	}
	observer.ObserveConflictRetry(stats)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
