package limiter

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds in-flight operations for one channel. Waiters are served in
// FIFO order by the underlying weighted semaphore.
type Limiter struct {
	sem *semaphore.Weighted
	cap int64
}

func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(capacity)), cap: int64(capacity)}
}

// Submit acquires a permit, runs fn and releases the permit whatever fn does.
// Blocks until a permit is available or ctx is done.
func (l *Limiter) Submit(ctx context.Context, fn func() error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}

// TrySubmit runs fn only if a permit is immediately available.
func (l *Limiter) TrySubmit(fn func() error) (bool, error) {
	if !l.sem.TryAcquire(1) {
		return false, nil
	}
	defer l.sem.Release(1)
	return true, fn()
}

// Capacity returns the configured permit count.
func (l *Limiter) Capacity() int { return int(l.cap) }
