package channel

import (
	"context"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// SMSOutcome is what the modem pool reports for one delivered message.
type SMSOutcome struct {
	ModemID    int64
	ModemName  string
	Tier       string
	ProviderID string
}

// SMSSender is the modem-pool contract the SMS adapter depends on. The pool
// owns tier selection, quota accounting and mock routing.
type SMSSender interface {
	Send(ctx context.Context, imei, phone, text string) (*SMSOutcome, error)
	Ready() bool
}

// SMSAdapter fans an alarm out to phone contacts through the modem pool.
type SMSAdapter struct {
	pool SMSSender
}

func NewSMSAdapter(pool SMSSender) *SMSAdapter {
	return &SMSAdapter{pool: pool}
}

func (a *SMSAdapter) Name() domain.Channel { return domain.ChannelSMS }

func (a *SMSAdapter) IsReady() bool { return a.pool != nil && a.pool.Ready() }

func (a *SMSAdapter) Send(ctx context.Context, alarm *domain.Alarm, recipients []domain.Contact) (*SendResult, error) {
	if len(recipients) == 0 {
		return nil, apperr.Validation("no sms recipients")
	}

	text := SMSText(alarm)
	result := &SendResult{}
	var firstErr error

	for _, c := range recipients {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		out, err := a.pool.Send(ctx, alarm.IMEI, c.Phone, text)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			result.Recipients = append(result.Recipients, RecipientResult{Recipient: c.Phone})
			continue
		}
		result.Success = true
		result.Provider = "modem"
		result.ModemID = out.ModemID
		result.ModemName = out.ModemName
		result.Recipients = append(result.Recipients, RecipientResult{
			Recipient:  c.Phone,
			Success:    true,
			ProviderID: out.ProviderID,
			ModemID:    out.ModemID,
			ModemName:  out.ModemName,
		})
	}

	if result.Success {
		return result, nil
	}
	if firstErr == nil {
		firstErr = apperr.Provider("sms send failed for all recipients", nil)
	}
	return result, firstErr
}
