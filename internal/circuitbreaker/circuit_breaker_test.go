package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
)

func TestNew(t *testing.T) {
	cb := New(5, 2, 30*time.Second)

	assert.NotNil(t, cb)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_Success(t *testing.T) {
	cb := New(3, 2, 100*time.Millisecond)

	err := cb.Execute(func() error { return nil })

	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_SingleFailureStaysClosed(t *testing.T) {
	cb := New(3, 2, 100*time.Millisecond)

	err := cb.Execute(func() error { return errors.New("send failed") })

	assert.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_OpensAfterThreshold(t *testing.T) {
	cb := New(3, 2, time.Minute)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("send failed") })
	}

	assert.Equal(t, StateOpen, cb.State())

	// Calls fail fast without invoking fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, apperr.CodeBreakerOpen, apperr.CodeOf(err))
}

func TestExecute_SuccessResetsFailureCount(t *testing.T) {
	cb := New(3, 2, time.Minute)

	_ = cb.Execute(func() error { return errors.New("boom") })
	_ = cb.Execute(func() error { return errors.New("boom") })
	require.NoError(t, cb.Execute(func() error { return nil }))

	// Two more failures should not open (count was reset).
	_ = cb.Execute(func() error { return errors.New("boom") })
	_ = cb.Execute(func() error { return errors.New("boom") })
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(2, 2, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("boom") })
	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	// Before the timeout: still rejecting.
	err := cb.Execute(func() error { return nil })
	assert.Equal(t, apperr.CodeBreakerOpen, apperr.CodeOf(err))

	// After the timeout: first call is the half-open probe.
	now = now.Add(time.Minute + time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second success closes (success threshold = 2).
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	cb := New(1, 2, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	err := cb.Execute(func() error { return errors.New("still failing") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	// openedAt was reset: still rejecting before another full timeout.
	now = now.Add(30 * time.Second)
	err = cb.Execute(func() error { return nil })
	assert.Equal(t, apperr.CodeBreakerOpen, apperr.CodeOf(err))
}

func TestExecute_HalfOpenConcurrentProbeRejected(t *testing.T) {
	cb := New(1, 1, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("boom") })
	now = now.Add(2 * time.Minute)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	err := cb.Execute(func() error { return nil })
	assert.Equal(t, apperr.CodeBreakerHalfOpenBusy, apperr.CodeOf(err))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestReset(t *testing.T) {
	cb := New(1, 1, time.Minute)

	_ = cb.Execute(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(func() error { return nil }))
}

func TestBreakerSignals_NotRetryable(t *testing.T) {
	assert.False(t, apperr.IsRetryable(ErrOpen))
	assert.False(t, apperr.IsRetryable(ErrHalfOpenBusy))
}
