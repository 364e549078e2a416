package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_BoundsConcurrency(t *testing.T) {
	const capacity = 3
	l := New(capacity)

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Submit(context.Background(), func() error {
				cur := atomic.AddInt64(&inFlight, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(capacity))
	assert.Equal(t, int64(0), atomic.LoadInt64(&inFlight))
}

func TestSubmit_ReleasesOnError(t *testing.T) {
	l := New(1)

	err := l.Submit(context.Background(), func() error { return errors.New("boom") })
	require.Error(t, err)

	// Permit must be back: next submit proceeds immediately.
	done := make(chan struct{})
	go func() {
		_ = l.Submit(context.Background(), func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("permit was not released after a failing task")
	}
}

func TestSubmit_ContextCancelledWhileWaiting(t *testing.T) {
	l := New(1)

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.Submit(context.Background(), func() error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Submit(ctx, func() error { return nil })
	assert.Error(t, err)

	close(release)
}

func TestTrySubmit(t *testing.T) {
	l := New(1)

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.Submit(context.Background(), func() error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked

	ran, err := l.TrySubmit(func() error { return nil })
	assert.False(t, ran)
	assert.NoError(t, err)

	close(release)
}

func TestNew_MinimumCapacity(t *testing.T) {
	l := New(0)
	assert.Equal(t, 1, l.Capacity())
}
