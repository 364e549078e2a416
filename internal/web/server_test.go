package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
	"github.com/fleetwatch/alarm-notifier/internal/systemstate"
)

type fakeDLQOps struct {
	replayed map[string]bool
	err      error
}

func (f *fakeDLQOps) ReplayOne(ctx context.Context, id string, force bool) error {
	if f.err != nil {
		return f.err
	}
	f.replayed[id] = force
	return nil
}

type fakeDLQReader struct{}

func (f *fakeDLQReader) DLQSummary(ctx context.Context) (*domain.DLQSummary, error) {
	return &domain.DLQSummary{
		Total:       2,
		ByChannel:   map[domain.Channel]int64{domain.ChannelSMS: 2},
		ByErrorType: map[string]int64{"RETRYABLE_ERROR": 2},
	}, nil
}

func (f *fakeDLQReader) PendingDLQ(ctx context.Context, ch domain.Channel, errorType string, limit int) ([]domain.DLQItem, error) {
	return []domain.DLQItem{{ID: "a"}, {ID: "b"}}, nil
}

type fakeBroker struct{ up bool }

func (f *fakeBroker) Connected() bool { return f.up }

type fakeStateStore struct {
	state domain.SystemState
	flags map[string]bool
}

func (f *fakeStateStore) GetSystemState(ctx context.Context) (domain.SystemState, error) {
	return f.state, nil
}
func (f *fakeStateStore) UpdateSystemState(ctx context.Context, s domain.SystemState) error {
	f.state = s
	return nil
}
func (f *fakeStateStore) GetFeatureFlags(ctx context.Context) (map[string]bool, error) {
	return f.flags, nil
}

func newTestServer(t *testing.T, broker BrokerStatus, ops DLQOps) *Server {
	t.Helper()
	gate := systemstate.New(&fakeStateStore{state: domain.SystemState{State: domain.StateRunning}}, zerolog.Nop())
	require.NoError(t, gate.Refresh(context.Background()))
	return NewServer(0, nil, nil, broker, gate, nil, ops, &fakeDLQReader{}, zerolog.Nop())
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeBroker{up: true}, &fakeDLQOps{replayed: map[string]bool{}})

	rec := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/health/rabbitmq", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// nil pool / redis client reads as down
	rec = do(s, http.MethodGet, "/health/db", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(s, http.MethodGet, "/health/redis", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthRabbitDown(t *testing.T) {
	s := newTestServer(t, &fakeBroker{up: false}, &fakeDLQOps{replayed: map[string]bool{}})
	rec := do(s, http.MethodGet, "/health/rabbitmq", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDLQSummaryEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeBroker{up: true}, &fakeDLQOps{replayed: map[string]bool{}})

	rec := do(s, http.MethodGet, "/ops/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Summary domain.DLQSummary `json:"summary"`
		Items   []domain.DLQItem  `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Summary.Total)
	assert.Len(t, resp.Items, 2)
}

func TestDLQReprocessEndpoint(t *testing.T) {
	ops := &fakeDLQOps{replayed: map[string]bool{}}
	s := newTestServer(t, &fakeBroker{up: true}, ops)

	rec := do(s, http.MethodPost, "/ops/dlq/item-1/reprocess?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ops.replayed["item-1"])

	ops.err = errors.New("already reprocessed")
	rec = do(s, http.MethodPost, "/ops/dlq/item-2/reprocess", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStatePauseResume(t *testing.T) {
	s := newTestServer(t, &fakeBroker{up: true}, &fakeDLQOps{replayed: map[string]bool{}})

	rec := do(s, http.MethodPost, "/ops/state", `{"action":"pause","by":"alice","reason":"maintenance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.gate.IsPaused())

	rec = do(s, http.MethodPost, "/ops/state", `{"action":"resume","by":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.gate.IsPaused())

	rec = do(s, http.MethodPost, "/ops/state", `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
