package systemstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// Feature flags recognized by the engine. Unknown flags read as false.
const (
	FlagChannelFallback = "channel_fallback_enabled"
	FlagEmailEnabled    = "email_enabled"
	FlagSMSEnabled      = "sms_enabled"
	FlagVoiceEnabled    = "voice_enabled"
	FlagDeduplication   = "deduplication_enabled"
	FlagQuietHours      = "quiet_hours_enabled"
	FlagWebhooks        = "webhooks_enabled"
)

// Store is the database side of the gate.
type Store interface {
	GetSystemState(ctx context.Context) (domain.SystemState, error)
	UpdateSystemState(ctx context.Context, state domain.SystemState) error
	GetFeatureFlags(ctx context.Context) (map[string]bool, error)
}

// Gate caches the singleton system-state row and the feature flags, refreshed
// on a fixed cadence. Drift of up to one refresh interval is acceptable:
// pause is not instantaneous.
type Gate struct {
	store Store
	log   zerolog.Logger

	mu    sync.RWMutex
	state domain.SystemState
	flags map[string]bool
}

func New(store Store, log zerolog.Logger) *Gate {
	return &Gate{
		store: store,
		log:   log.With().Str("component", "system_state").Logger(),
		state: domain.SystemState{State: domain.StateRunning},
		flags: map[string]bool{},
	}
}

// Refresh pulls the state row and flags from the database.
func (g *Gate) Refresh(ctx context.Context) error {
	state, err := g.store.GetSystemState(ctx)
	if err != nil {
		return err
	}
	flags, err := g.store.GetFeatureFlags(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	prev := g.state.State
	g.state = state
	g.flags = flags
	g.mu.Unlock()

	if prev != state.State {
		g.log.Info().
			Str("from", string(prev)).
			Str("to", string(state.State)).
			Str("by", state.PausedBy).
			Str("reason", state.Reason).
			Msg("system state changed")
	}
	return nil
}

// Run refreshes until ctx is done. Refresh failures keep the last good
// snapshot.
func (g *Gate) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Refresh(ctx); err != nil {
				g.log.Warn().Err(err).Msg("state refresh failed; keeping cached snapshot")
			}
		}
	}
}

func (g *Gate) IsPaused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.State == domain.StatePaused
}

func (g *Gate) UseMockSMS() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.UseMockSMS
}

func (g *Gate) UseMockEmail() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.UseMockEmail
}

// UseMockVoice reports whether voice calls go to the mock transport. The state
// row carries no voice-specific column; voice follows the SMS toggle until one
// exists.
func (g *Gate) UseMockVoice() bool {
	return g.UseMockSMS()
}

// Flag reads a feature flag; unknown flags default to false.
func (g *Gate) Flag(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.flags[name]
}

// FlagDefault reads a flag, falling back to def when the flag is absent. Kill
// switches default on so an empty flag table does not disable the pipeline.
func (g *Gate) FlagDefault(name string, def bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v, ok := g.flags[name]; ok {
		return v
	}
	return def
}

// State returns the cached snapshot.
func (g *Gate) State() domain.SystemState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Pause writes the paused state through to the database and the cache.
func (g *Gate) Pause(ctx context.Context, by, reason string) error {
	now := time.Now()
	next := g.State()
	next.State = domain.StatePaused
	next.PausedAt = &now
	next.PausedBy = by
	next.Reason = reason
	if err := g.store.UpdateSystemState(ctx, next); err != nil {
		return err
	}
	g.mu.Lock()
	g.state = next
	g.mu.Unlock()
	g.log.Warn().Str("by", by).Str("reason", reason).Msg("system paused")
	return nil
}

// Resume writes the running state through to the database and the cache.
func (g *Gate) Resume(ctx context.Context, by string) error {
	next := g.State()
	next.State = domain.StateRunning
	next.PausedAt = nil
	next.PausedBy = by
	next.Reason = ""
	if err := g.store.UpdateSystemState(ctx, next); err != nil {
		return err
	}
	g.mu.Lock()
	g.state = next
	g.mu.Unlock()
	g.log.Info().Str("by", by).Msg("system resumed")
	return nil
}
