package workerreg

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// Store is the worker registry table surface.
type Store interface {
	RegisterWorker(ctx context.Context, w *domain.Worker) error
	Heartbeat(ctx context.Context, workerID string) (bool, error)
	ReapWorkers(ctx context.Context, staleAfter, deadAfter time.Duration) error
}

// Registry keeps this consumer instance's row alive and reaps dead peers.
type Registry struct {
	store  Store
	log    zerolog.Logger
	worker domain.Worker

	heartbeatEvery time.Duration
	cleanupEvery   time.Duration
	staleAfter     time.Duration
	deadAfter      time.Duration
}

func New(store Store, heartbeatEvery, cleanupEvery, staleAfter, deadAfter time.Duration, log zerolog.Logger) *Registry {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	pid := os.Getpid()
	return &Registry{
		store: store,
		log:   log.With().Str("component", "worker_registry").Logger(),
		worker: domain.Worker{
			ID:        fmt.Sprintf("%s-%d", hostname, pid),
			Hostname:  hostname,
			PID:       pid,
			StartedAt: time.Now(),
			Status:    domain.WorkerActive,
		},
		heartbeatEvery: heartbeatEvery,
		cleanupEvery:   cleanupEvery,
		staleAfter:     staleAfter,
		deadAfter:      deadAfter,
	}
}

// ID returns this instance's registry id (hostname-pid).
func (r *Registry) ID() string { return r.worker.ID }

// Register writes this instance's row.
func (r *Registry) Register(ctx context.Context) error {
	if err := r.store.RegisterWorker(ctx, &r.worker); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.log.Info().Str("worker_id", r.worker.ID).Msg("worker registered")
	return nil
}

// Run drives the heartbeat and cleanup timers until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.heartbeatEvery)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(r.cleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.beat(ctx)
		case <-cleanup.C:
			if err := r.store.ReapWorkers(ctx, r.staleAfter, r.deadAfter); err != nil {
				r.log.Warn().Err(err).Msg("worker reap failed")
			}
		}
	}
}

// beat refreshes the heartbeat; a vanished row (reaped while this instance
// was alive) triggers re-registration.
func (r *Registry) beat(ctx context.Context) {
	ok, err := r.store.Heartbeat(ctx, r.worker.ID)
	if err != nil {
		r.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	if !ok {
		r.log.Warn().Str("worker_id", r.worker.ID).Msg("registry row missing, re-registering")
		if err := r.store.RegisterWorker(ctx, &r.worker); err != nil {
			r.log.Error().Err(err).Msg("re-registration failed")
		}
	}
}
