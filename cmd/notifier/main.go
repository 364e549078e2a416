package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fleetwatch/alarm-notifier/internal/channel"
	"github.com/fleetwatch/alarm-notifier/internal/config"
	"github.com/fleetwatch/alarm-notifier/internal/consumer"
	"github.com/fleetwatch/alarm-notifier/internal/dlq"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
	"github.com/fleetwatch/alarm-notifier/internal/logger"
	"github.com/fleetwatch/alarm-notifier/internal/modempool"
	"github.com/fleetwatch/alarm-notifier/internal/processor"
	"github.com/fleetwatch/alarm-notifier/internal/storage/postgres"
	"github.com/fleetwatch/alarm-notifier/internal/systemstate"
	"github.com/fleetwatch/alarm-notifier/internal/web"
	"github.com/fleetwatch/alarm-notifier/internal/workerreg"
)

const (
	deliveryFenceTTL = time.Hour
	cleanupEvery     = 6 * time.Hour
	shutdownTimeout  = 30 * time.Second
)

func main() {
	logger.Init()
	log := logger.Logger

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()
	repo := postgres.New(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, delivery fence degraded")
	}

	gate := systemstate.New(repo, log)
	if err := gate.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial state refresh failed, starting as running")
	}
	go gate.Run(ctx, cfg.StateRefreshEvery)

	mock := channel.NewMockTransport()

	modems := modempool.New(repo, modempool.NewHTTPTransport(cfg.SMS.SendTimeout),
		domain.ServiceAlarms, gate.UseMockSMS, cfg.MockModemName, log)
	if err := modems.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("initial modem reload failed")
	}
	go modems.RunHealthChecks(ctx, cfg.ModemHealthEvery)

	adapters := []channel.Adapter{
		channel.NewEmailAdapter(channel.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
		}, gate.UseMockEmail, mock),
		channel.NewSMSAdapter(modems),
		channel.NewVoiceAdapter(channel.VoiceConfig{
			Endpoint: cfg.VoiceEndpoint,
			APIKey:   cfg.VoiceAPIKey,
			Timeout:  cfg.Voice.SendTimeout,
		}, gate.UseMockVoice, mock),
	}

	proc := processor.New(repo, gate, cfg, adapters, log)

	fence := consumer.NewFence(rdb, deliveryFenceTTL, log)
	cons := consumer.New(cfg, gate, proc, repo, fence, log)
	go cons.Run(ctx)

	reproc := dlq.New(repo, proc, proc, cfg, log)
	go reproc.Run(ctx)

	registry := workerreg.New(repo, cfg.HeartbeatEvery, cfg.RegistryCleanup, cfg.StaleAfter, cfg.DeadAfter, log)
	if err := registry.Register(ctx); err != nil {
		log.Warn().Err(err).Msg("worker registration failed")
	}
	go registry.Run(ctx)

	go runCleanup(ctx, repo, cfg, log)

	srv := web.NewServer(cfg.HTTPPort, pool, rdb, cons, gate, modems, reproc, repo, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("notifier stopped")
}

// runCleanup prunes old audit rows and terminal DLQ rows on a slow cadence.
func runCleanup(ctx context.Context, repo *postgres.Repository, cfg *config.Config, log zerolog.Logger) {
	clog := log.With().Str("component", "cleanup").Logger()
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := repo.CleanupOldAttempts(ctx, cfg.AuditRetention); err != nil {
				clog.Warn().Err(err).Msg("audit cleanup failed")
			} else if n > 0 {
				clog.Info().Int64("deleted", n).Msg("old audit rows removed")
			}
			if n, err := repo.CleanupOldDLQ(ctx, cfg.DLQRetention); err != nil {
				clog.Warn().Err(err).Msg("dlq cleanup failed")
			} else if n > 0 {
				clog.Info().Int64("deleted", n).Msg("old dlq rows removed")
			}
		}
	}
}
