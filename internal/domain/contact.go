package domain

import "time"

// ContactType ranks a recipient's relationship to the device.
type ContactType string

const (
	ContactPrimary   ContactType = "primary"
	ContactSecondary ContactType = "secondary"
	ContactEmergency ContactType = "emergency"
)

// Contact is a per-device notification recipient. A contact carries at least
// one of Email/Phone; inactive contacts are never selected.
type Contact struct {
	ID          int64       `json:"id"`
	IMEI        string      `json:"imei"`
	Name        string      `json:"name"`
	Email       string      `json:"email,omitempty"`
	Phone       string      `json:"phone,omitempty"`
	ContactType ContactType `json:"contact_type"`
	Priority    int         `json:"priority"` // lower = higher
	Active      bool        `json:"active"`

	QuietStart string `json:"quiet_start,omitempty"` // "HH:MM", empty = no window
	QuietEnd   string `json:"quiet_end,omitempty"`
	Timezone   string `json:"timezone,omitempty"`

	BounceCount  int        `json:"bounce_count"`
	LastBounceAt *time.Time `json:"last_bounce_at,omitempty"`
}

// InQuietHours reports whether now falls inside the contact's quiet window,
// evaluated in the contact's timezone. Windows may wrap midnight.
func (c *Contact) InQuietHours(now time.Time) bool {
	if c.QuietStart == "" || c.QuietEnd == "" {
		return false
	}
	loc := time.UTC
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	start, ok := parseClock(c.QuietStart)
	if !ok {
		return false
	}
	end, ok := parseClock(c.QuietEnd)
	if !ok {
		return false
	}
	if start <= end {
		return cur >= start && cur < end
	}
	// wraps midnight, e.g. 22:00-06:00
	return cur >= start || cur < end
}

func parseClock(s string) (minutes int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
