package channel

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// SMTPConfig configures the real email transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailAdapter sends alarm notifications over SMTP, or over a mock transport
// when the system-state gate selects mock mode.
type EmailAdapter struct {
	cfg     SMTPConfig
	useMock func() bool
	mock    *MockTransport
	send    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailAdapter builds the email channel. useMock is consulted per send so
// mock mode can be toggled at runtime.
func NewEmailAdapter(cfg SMTPConfig, useMock func() bool, mock *MockTransport) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, useMock: useMock, mock: mock, send: smtp.SendMail}
}

func (a *EmailAdapter) Name() domain.Channel { return domain.ChannelEmail }

func (a *EmailAdapter) IsReady() bool {
	if a.useMock != nil && a.useMock() {
		return a.mock != nil
	}
	return a.cfg.Host != ""
}

func (a *EmailAdapter) Send(ctx context.Context, alarm *domain.Alarm, recipients []domain.Contact) (*SendResult, error) {
	if len(recipients) == 0 {
		return nil, apperr.Validation("no email recipients")
	}

	if a.useMock != nil && a.useMock() {
		return a.mock.Send(ctx, domain.ChannelEmail, alarm, recipients)
	}

	subject := Subject(alarm)
	body := Body(alarm)
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	result := &SendResult{Provider: "smtp"}
	var firstErr error
	for _, c := range recipients {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		msg := []byte("From: " + a.cfg.From + "\r\n" +
			"To: " + c.Email + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n" +
			"\r\n" +
			body + "\r\n")
		err := a.send(addr, auth, a.cfg.From, []string{c.Email}, msg)
		if err != nil {
			if firstErr == nil {
				firstErr = apperr.Provider("smtp send failed", err)
			}
			result.Recipients = append(result.Recipients, RecipientResult{Recipient: c.Email})
			continue
		}
		result.Recipients = append(result.Recipients, RecipientResult{Recipient: c.Email, Success: true})
	}

	// The send is successful when at least one recipient was reached.
	for _, r := range result.Recipients {
		if r.Success {
			result.Success = true
			return result, nil
		}
	}
	if firstErr == nil {
		firstErr = apperr.Provider("smtp send failed for all recipients", nil)
	}
	return result, firstErr
}
