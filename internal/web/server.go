package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
	"github.com/fleetwatch/alarm-notifier/internal/metrics"
	"github.com/fleetwatch/alarm-notifier/internal/modempool"
	"github.com/fleetwatch/alarm-notifier/internal/systemstate"
)

// DLQOps is the reprocessor surface exposed over HTTP.
type DLQOps interface {
	ReplayOne(ctx context.Context, id string, force bool) error
}

// DLQReader reads the DLQ summary and pending items.
type DLQReader interface {
	DLQSummary(ctx context.Context) (*domain.DLQSummary, error)
	PendingDLQ(ctx context.Context, ch domain.Channel, errorType string, limit int) ([]domain.DLQItem, error)
}

// BrokerStatus reports whether the AMQP subscription is live.
type BrokerStatus interface {
	Connected() bool
}

// Server is the health/metrics/ops HTTP surface.
type Server struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	broker BrokerStatus
	gate   *systemstate.Gate
	modems *modempool.Pool
	dlq    DLQOps
	dlqDB  DLQReader
	log    zerolog.Logger

	http *http.Server
}

func NewServer(port int, pool *pgxpool.Pool, rdb *redis.Client, broker BrokerStatus,
	gate *systemstate.Gate, modems *modempool.Pool, dlq DLQOps, dlqDB DLQReader, log zerolog.Logger) *Server {

	s := &Server{
		pool:   pool,
		rdb:    rdb,
		broker: broker,
		gate:   gate,
		modems: modems,
		dlq:    dlq,
		dlqDB:  dlqDB,
		log:    log.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/rabbitmq", s.handleHealthRabbit)
	r.Get("/health/db", s.handleHealthDB)
	r.Get("/health/redis", s.handleHealthRedis)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/ops", func(r chi.Router) {
		r.Get("/dlq", s.handleDLQSummary)
		r.Post("/dlq/{id}/reprocess", s.handleDLQReprocess)
		r.Get("/modems", s.handleModems)
		r.Get("/state", s.handleStateGet)
		r.Post("/state", s.handleStatePost)
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown; ErrServerClosed is swallowed.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.gate.State().State,
	})
}

func (s *Server) handleHealthRabbit(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil || !s.broker.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealthDB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.pool == nil || s.pool.Ping(ctx) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealthRedis(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.rdb == nil || s.rdb.Ping(ctx).Err() != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDLQSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dlqDB.DLQSummary(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("dlq summary failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "summary failed"})
		return
	}
	items, err := s.dlqDB.PendingDLQ(r.Context(), domain.Channel(r.URL.Query().Get("channel")), r.URL.Query().Get("error_type"), 50)
	if err != nil {
		s.log.Error().Err(err).Msg("dlq listing failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "listing failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"items":   items,
	})
}

func (s *Server) handleDLQReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	if err := s.dlq.ReplayOne(r.Context(), id, force); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("manual dlq replay failed")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reprocessed", "id": id})
}

func (s *Server) handleModems(w http.ResponseWriter, r *http.Request) {
	if s.modems == nil {
		writeJSON(w, http.StatusOK, map[string]any{"modems": []any{}})
		return
	}
	modems := s.modems.Snapshot()
	sort.Slice(modems, func(i, j int) bool { return modems[i].ID < modems[j].ID })

	type modemView struct {
		domain.Modem
		CostPerSMS float64 `json:"cost_per_sms"`
		Remaining  int64   `json:"remaining_quota"`
	}
	views := make([]modemView, 0, len(modems))
	for _, m := range modems {
		views = append(views, modemView{Modem: m, CostPerSMS: m.CostPerSMS(), Remaining: m.RemainingQuota()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modems":          views,
		"fleet_cost_avg":  s.modems.FleetCost(),
	})
}

func (s *Server) handleStateGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.State())
}

type stateRequest struct {
	Action string `json:"action"`
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleStatePost(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return
	}
	if req.By == "" {
		req.By = "ops"
	}

	var err error
	switch req.Action {
	case "pause":
		err = s.gate.Pause(r.Context(), req.By, req.Reason)
	case "resume":
		err = s.gate.Resume(r.Context(), req.By)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "action must be pause or resume"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("action", req.Action).Msg("state change failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "state change failed"})
		return
	}
	writeJSON(w, http.StatusOK, s.gate.State())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
