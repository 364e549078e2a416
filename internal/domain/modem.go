package domain

import "time"

// ModemHealth is the observed state of an SMS modem.
type ModemHealth string

const (
	ModemHealthy        ModemHealth = "healthy"
	ModemDegraded       ModemHealth = "degraded"
	ModemUnhealthy      ModemHealth = "unhealthy"
	ModemUnknown        ModemHealth = "unknown"
	ModemQuotaExhausted ModemHealth = "quota_exhausted"
)

// ModemService tags what a modem is allowed to send.
type ModemService string

const (
	ServiceAlarms    ModemService = "alarms"
	ServiceCommands  ModemService = "commands"
	ServiceOTP       ModemService = "otp"
	ServiceMarketing ModemService = "marketing"
)

// Modem is one SMS transport in the pool, physical or mock.
type Modem struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	Endpoint      string         `json:"endpoint"`
	Credentials   string         `json:"-"`
	ModemHWID     string         `json:"modem_hw_id"`
	Enabled       bool           `json:"enabled"`
	Priority      int            `json:"priority"`
	MaxConcurrent int            `json:"max_concurrent"`
	Health        ModemHealth    `json:"health"`
	LastCheck     time.Time      `json:"last_health_check"`
	SMSSentCount  int64          `json:"sms_sent_count"`
	SMSLimit      int64          `json:"sms_limit"`
	PackageCost   float64        `json:"package_cost"`
	Currency      string         `json:"package_currency"`
	PackageEnd    time.Time      `json:"package_end_date"`
	Services      []ModemService `json:"allowed_services"`
}

// Selectable reports whether the modem may be handed a send right now.
// unknown and degraded remain selectable; only unhealthy and quota_exhausted
// are blocked.
func (m *Modem) Selectable() bool {
	if !m.Enabled {
		return false
	}
	if m.Health == ModemUnhealthy || m.Health == ModemQuotaExhausted {
		return false
	}
	return m.SMSSentCount < m.SMSLimit
}

// AllowsService reports whether svc is in the modem's allowed service set.
func (m *Modem) AllowsService(svc ModemService) bool {
	for _, s := range m.Services {
		if s == svc {
			return true
		}
	}
	return false
}

// RemainingQuota is how many sends are left on the current package.
func (m *Modem) RemainingQuota() int64 {
	if m.SMSSentCount >= m.SMSLimit {
		return 0
	}
	return m.SMSLimit - m.SMSSentCount
}

// CostPerSMS reports the package-amortised cost of a single send.
func (m *Modem) CostPerSMS() float64 {
	if m.SMSLimit <= 0 {
		return 0
	}
	return m.PackageCost / float64(m.SMSLimit)
}
