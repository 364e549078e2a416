package modempool

import (
	"context"
	"time"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// RunHealthChecks probes every enabled modem on the given cadence until ctx
// is done. Transitions are written through to the database; quota_exhausted
// is never overwritten by a probe (package reset is an explicit operation).
func (p *Pool) RunHealthChecks(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("health checker stopped")
			return
		case <-ticker.C:
			p.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs a single probe pass over the cached fleet.
func (p *Pool) CheckOnce(ctx context.Context) {
	p.mu.Lock()
	ids := make([]int64, 0, len(p.modems))
	for id, st := range p.modems {
		if st.modem.Enabled {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.probeOne(ctx, id)
	}
}

func (p *Pool) probeOne(ctx context.Context, id int64) {
	p.mu.Lock()
	st, ok := p.modems[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	m := st.modem
	p.mu.Unlock()

	if m.Health == domain.ModemQuotaExhausted {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := p.transport.Probe(probeCtx, &m)
	cancel()

	next := domain.ModemHealthy
	if err != nil {
		next = domain.ModemUnhealthy
	}
	if next == m.Health {
		p.touchCheck(id)
		return
	}

	p.mu.Lock()
	if st, ok := p.modems[id]; ok && st.modem.Health != domain.ModemQuotaExhausted {
		st.modem.Health = next
		st.modem.LastCheck = time.Now()
	}
	p.mu.Unlock()

	if err := p.store.UpdateModemHealth(ctx, id, next); err != nil {
		p.log.Warn().Err(err).Int64("modem_id", id).Msg("health write failed")
	}
	if next == domain.ModemUnhealthy {
		p.log.Warn().Int64("modem_id", id).Str("modem", m.Name).Msg("modem unhealthy")
	} else {
		p.log.Info().Int64("modem_id", id).Str("modem", m.Name).Msg("modem recovered")
	}
}

func (p *Pool) touchCheck(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.modems[id]; ok {
		st.modem.LastCheck = time.Now()
	}
}
