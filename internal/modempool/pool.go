package modempool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/channel"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
	"github.com/fleetwatch/alarm-notifier/internal/metrics"
)

// Selection tiers, recorded on every send for observability.
const (
	TierDevice   = "device"
	TierService  = "service"
	TierFallback = "fallback"
	TierMock     = "mock"
)

// serviceTierMaxTries bounds how many modems a tier walks before giving up.
const serviceTierMaxTries = 3

// Store is the database side of the pool: authoritative modem rows, the
// device→modem mapping and quota/usage counters.
type Store interface {
	ListModems(ctx context.Context) ([]domain.Modem, error)
	DeviceModemID(ctx context.Context, imei string) (int64, bool, error)
	IncrementUsage(ctx context.Context, modemID int64, day time.Time) error
	UpdateModemHealth(ctx context.Context, modemID int64, health domain.ModemHealth) error
	ResetModemPackage(ctx context.Context, modemID int64) error
}

// Transport is the modem-facing protocol client.
type Transport interface {
	SendSMS(ctx context.Context, modem *domain.Modem, to, text string) (providerID string, err error)
	Probe(ctx context.Context, modem *domain.Modem) error
}

// modemState is the in-memory cache entry: last-known config plus the
// process-local in-flight counter.
type modemState struct {
	modem    domain.Modem
	inFlight int
}

// Pool selects a modem for each SMS across three tiers (device-specific,
// service-scoped, fallback) and accounts quota. The cache is refreshed on
// Reload and after health checks; the database row stays authoritative.
type Pool struct {
	store     Store
	transport Transport
	service   domain.ModemService
	useMock   func() bool
	mockName  string
	log       zerolog.Logger

	mu     sync.Mutex
	modems map[int64]*modemState
}

func New(store Store, transport Transport, service domain.ModemService, useMock func() bool, mockName string, log zerolog.Logger) *Pool {
	if service == "" {
		service = domain.ServiceAlarms
	}
	return &Pool{
		store:     store,
		transport: transport,
		service:   service,
		useMock:   useMock,
		mockName:  mockName,
		log:       log.With().Str("component", "modem_pool").Logger(),
		modems:    map[int64]*modemState{},
	}
}

// Reload refreshes the cache from the database, preserving in-flight
// counters for modems that survive the reload.
func (p *Pool) Reload(ctx context.Context) error {
	modems, err := p.store.ListModems(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[int64]*modemState, len(modems))
	for _, m := range modems {
		st := &modemState{modem: m}
		if prev, ok := p.modems[m.ID]; ok {
			st.inFlight = prev.inFlight
		}
		next[m.ID] = st
	}
	p.modems = next
	return nil
}

// Ready reports whether at least one modem is selectable (or the mock route
// is active).
func (p *Pool) Ready() bool {
	if p.useMock != nil && p.useMock() {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.modems {
		if st.modem.Selectable() {
			return true
		}
	}
	return false
}

// Send delivers one SMS, walking the selection tiers in order. The first
// tier that produces a successful send wins.
func (p *Pool) Send(ctx context.Context, imei, phone, text string) (*channel.SMSOutcome, error) {
	if p.useMock != nil && p.useMock() {
		return p.sendMock(ctx, phone, text)
	}

	// Tier 1: device-specific modem.
	if id, ok, err := p.store.DeviceModemID(ctx, imei); err != nil {
		p.log.Warn().Err(err).Str("imei", imei).Msg("device modem lookup failed")
	} else if ok {
		if out, err := p.trySend(ctx, id, phone, text, TierDevice); err == nil {
			return out, nil
		}
	}

	// Tier 2: service-scoped candidates.
	if out, err := p.tryTier(ctx, phone, text, TierService, true); err == nil {
		return out, nil
	}

	// Tier 3: any available modem.
	if out, err := p.tryTier(ctx, phone, text, TierFallback, false); err == nil {
		return out, nil
	}

	return nil, apperr.New(apperr.CodeQuotaExhausted, "no modem available on any tier")
}

// tryTier walks the ranked candidates of one tier, marking failed modems
// degraded and advancing.
func (p *Pool) tryTier(ctx context.Context, phone, text, tier string, scoped bool) (*channel.SMSOutcome, error) {
	candidates := p.rankedCandidates(scoped)
	if len(candidates) == 0 {
		return nil, apperr.New(apperr.CodeQuotaExhausted, "no candidates in tier "+tier)
	}
	if len(candidates) > serviceTierMaxTries {
		candidates = candidates[:serviceTierMaxTries]
	}

	var lastErr error
	for _, id := range candidates {
		out, err := p.trySend(ctx, id, phone, text, tier)
		if err == nil {
			return out, nil
		}
		lastErr = err
		p.markDegraded(ctx, id)
	}
	return nil, lastErr
}

// rankedCandidates orders selectable modems by health (healthy before
// degraded before unknown) and then remaining quota descending.
func (p *Pool) rankedCandidates(scoped bool) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	type cand struct {
		id        int64
		rank      int
		remaining int64
	}
	var cands []cand
	for id, st := range p.modems {
		m := &st.modem
		if !m.Selectable() {
			continue
		}
		if scoped && !m.AllowsService(p.service) {
			continue
		}
		if st.inFlight >= m.MaxConcurrent {
			continue
		}
		cands = append(cands, cand{id: id, rank: healthRank(m.Health), remaining: m.RemainingQuota()})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].rank != cands[j].rank {
			return cands[i].rank < cands[j].rank
		}
		if cands[i].remaining != cands[j].remaining {
			return cands[i].remaining > cands[j].remaining
		}
		return cands[i].id < cands[j].id
	})

	out := make([]int64, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func healthRank(h domain.ModemHealth) int {
	switch h {
	case domain.ModemHealthy:
		return 0
	case domain.ModemDegraded:
		return 1
	default: // unknown
		return 2
	}
}

// trySend acquires the modem's concurrency slot, sends, and on success runs
// quota accounting.
func (p *Pool) trySend(ctx context.Context, id int64, phone, text, tier string) (*channel.SMSOutcome, error) {
	m, ok := p.acquire(id)
	if !ok {
		return nil, apperr.New(apperr.CodeQuotaExhausted, "modem unavailable")
	}
	defer p.release(id)

	providerID, err := p.transport.SendSMS(ctx, &m, phone, text)
	if err != nil {
		return nil, apperr.Provider("modem send failed", err)
	}

	p.accountSend(ctx, id, tier)
	return &channel.SMSOutcome{
		ModemID:    m.ID,
		ModemName:  m.Name,
		Tier:       tier,
		ProviderID: providerID,
	}, nil
}

// acquire checks availability and claims an in-flight slot under the lock.
func (p *Pool) acquire(id int64) (domain.Modem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.modems[id]
	if !ok {
		return domain.Modem{}, false
	}
	m := &st.modem
	if !m.Selectable() || st.inFlight >= m.MaxConcurrent {
		return domain.Modem{}, false
	}
	st.inFlight++
	return *m, true
}

func (p *Pool) release(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.modems[id]; ok && st.inFlight > 0 {
		st.inFlight--
	}
}

// accountSend increments the in-memory counter and the database row. The
// adapter is the authority on success: a failed database write is logged and
// the discrepancy heals on the next Reload.
func (p *Pool) accountSend(ctx context.Context, id int64, tier string) {
	p.mu.Lock()
	var name string
	exhausted := false
	if st, ok := p.modems[id]; ok {
		st.modem.SMSSentCount++
		name = st.modem.Name
		if st.modem.SMSSentCount >= st.modem.SMSLimit {
			st.modem.Health = domain.ModemQuotaExhausted
			exhausted = true
		}
	}
	p.mu.Unlock()

	metrics.RecordModemSend(name, tier)

	if err := p.store.IncrementUsage(ctx, id, time.Now().UTC()); err != nil {
		p.log.Warn().Err(err).Int64("modem_id", id).Msg("usage increment failed; will heal on reload")
	}
	if exhausted {
		if err := p.store.UpdateModemHealth(ctx, id, domain.ModemQuotaExhausted); err != nil {
			p.log.Warn().Err(err).Int64("modem_id", id).Msg("quota_exhausted flag write failed")
		}
		p.log.Warn().Int64("modem_id", id).Str("modem", name).Msg("modem quota exhausted")
	}
}

// markDegraded downgrades a modem after a failed send. quota_exhausted is
// never overwritten, in the cache or the database row.
func (p *Pool) markDegraded(ctx context.Context, id int64) {
	p.mu.Lock()
	write := false
	if st, ok := p.modems[id]; ok && st.modem.Health != domain.ModemQuotaExhausted {
		st.modem.Health = domain.ModemDegraded
		write = true
	}
	p.mu.Unlock()
	if !write {
		return
	}

	if err := p.store.UpdateModemHealth(ctx, id, domain.ModemDegraded); err != nil {
		p.log.Warn().Err(err).Int64("modem_id", id).Msg("degraded flag write failed")
	}
}

// sendMock routes the send to the designated mock modem so quota accounting
// and audit trails stay exercised in mock mode.
func (p *Pool) sendMock(ctx context.Context, phone, text string) (*channel.SMSOutcome, error) {
	p.mu.Lock()
	var mock *modemState
	for _, st := range p.modems {
		if st.modem.Name == p.mockName {
			mock = st
			break
		}
	}
	p.mu.Unlock()

	if mock == nil {
		// No configured mock modem row: still succeed, nothing to account.
		return &channel.SMSOutcome{ModemName: p.mockName, Tier: TierMock, ProviderID: "mock"}, nil
	}

	providerID, err := p.transport.SendSMS(ctx, &mock.modem, phone, text)
	if err != nil {
		return nil, apperr.Provider("mock modem send failed", err)
	}
	p.accountSend(ctx, mock.modem.ID, TierMock)
	return &channel.SMSOutcome{
		ModemID:    mock.modem.ID,
		ModemName:  mock.modem.Name,
		Tier:       TierMock,
		ProviderID: providerID,
	}, nil
}

// ResetPackage zeroes a modem's usage and restores it to healthy, in the
// database and the cache.
func (p *Pool) ResetPackage(ctx context.Context, id int64) error {
	if err := p.store.ResetModemPackage(ctx, id); err != nil {
		return err
	}
	p.mu.Lock()
	if st, ok := p.modems[id]; ok {
		st.modem.SMSSentCount = 0
		st.modem.Health = domain.ModemHealthy
	}
	p.mu.Unlock()
	return nil
}

// FleetCost reports the fleet-average cost per SMS over enabled modems with
// a configured limit.
func (p *Pool) FleetCost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var cost float64
	var limit int64
	for _, st := range p.modems {
		if st.modem.Enabled && st.modem.SMSLimit > 0 {
			cost += st.modem.PackageCost
			limit += st.modem.SMSLimit
		}
	}
	if limit == 0 {
		return 0
	}
	return cost / float64(limit)
}

// Snapshot returns a copy of the cached fleet for the ops endpoint.
func (p *Pool) Snapshot() []domain.Modem {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.Modem, 0, len(p.modems))
	for _, st := range p.modems {
		out = append(out, st.modem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
