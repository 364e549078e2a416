package systemstate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

type fakeStore struct {
	mu     sync.Mutex
	state  domain.SystemState
	flags  map[string]bool
	getErr error
}

func (s *fakeStore) GetSystemState(context.Context) (domain.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.SystemState{}, s.getErr
	}
	return s.state, nil
}

func (s *fakeStore) UpdateSystemState(_ context.Context, st domain.SystemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	return nil
}

func (s *fakeStore) GetFeatureFlags(context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags, nil
}

func TestRefresh(t *testing.T) {
	store := &fakeStore{
		state: domain.SystemState{State: domain.StatePaused, UseMockSMS: true},
		flags: map[string]bool{FlagChannelFallback: true},
	}
	g := New(store, zerolog.Nop())

	require.NoError(t, g.Refresh(context.Background()))

	assert.True(t, g.IsPaused())
	assert.True(t, g.UseMockSMS())
	assert.True(t, g.UseMockVoice(), "voice rides the sms mock toggle")
	assert.False(t, g.UseMockEmail())
	assert.True(t, g.Flag(FlagChannelFallback))
	assert.False(t, g.Flag("no_such_flag"))
}

func TestRefresh_FailureKeepsSnapshot(t *testing.T) {
	store := &fakeStore{state: domain.SystemState{State: domain.StatePaused}}
	g := New(store, zerolog.Nop())
	require.NoError(t, g.Refresh(context.Background()))
	require.True(t, g.IsPaused())

	store.mu.Lock()
	store.getErr = errors.New("db down")
	store.mu.Unlock()

	assert.Error(t, g.Refresh(context.Background()))
	assert.True(t, g.IsPaused(), "cached snapshot survives a failed refresh")
}

func TestPauseResume(t *testing.T) {
	store := &fakeStore{state: domain.SystemState{State: domain.StateRunning}}
	g := New(store, zerolog.Nop())

	require.NoError(t, g.Pause(context.Background(), "ops@fleetwatch", "maintenance window"))
	assert.True(t, g.IsPaused())
	assert.Equal(t, domain.StatePaused, store.state.State)
	assert.NotNil(t, store.state.PausedAt)

	require.NoError(t, g.Resume(context.Background(), "ops@fleetwatch"))
	assert.False(t, g.IsPaused())
	assert.Equal(t, domain.StateRunning, store.state.State)
	assert.Nil(t, store.state.PausedAt)
}

func TestDefaultState_Running(t *testing.T) {
	g := New(&fakeStore{}, zerolog.Nop())
	assert.False(t, g.IsPaused())
}
