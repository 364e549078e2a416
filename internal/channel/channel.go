package channel

import (
	"context"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// RecipientResult is the per-recipient outcome of a send.
type RecipientResult struct {
	Recipient  string
	Success    bool
	ProviderID string
	ModemID    int64
	ModemName  string
}

// SendResult is the uniform adapter outcome consumed by the processor.
type SendResult struct {
	Success    bool
	Provider   string
	MessageID  string
	ModemID    int64
	ModemName  string
	Recipients []RecipientResult
}

// Adapter is the uniform send contract over one delivery channel. Adapters
// must be safe under concurrent callers up to the channel's concurrency bound.
type Adapter interface {
	Name() domain.Channel
	IsReady() bool
	Send(ctx context.Context, alarm *domain.Alarm, recipients []domain.Contact) (*SendResult, error)
}

// Recipients projects the contacts reachable on ch, preserving contact
// priority order.
func Recipients(ch domain.Channel, contacts []domain.Contact) []domain.Contact {
	out := make([]domain.Contact, 0, len(contacts))
	for _, c := range contacts {
		if !c.Active {
			continue
		}
		switch ch {
		case domain.ChannelEmail:
			if c.Email != "" {
				out = append(out, c)
			}
		case domain.ChannelSMS, domain.ChannelVoice:
			if c.Phone != "" {
				out = append(out, c)
			}
		}
	}
	return out
}
