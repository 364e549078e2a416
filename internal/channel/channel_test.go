package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

func testAlarm() *domain.Alarm {
	return &domain.Alarm{
		ID:       1,
		IMEI:     "358901000000001",
		Status:   "SOS",
		Priority: 9,
		GPSTime:  time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		Latitude: 42.697708, Longitude: 23.321867,
		Speed: 63.5,
	}
}

func contactsWith(email, phone string) []domain.Contact {
	return []domain.Contact{{ID: 1, Name: "Ops", Email: email, Phone: phone, Active: true}}
}

func TestRecipientsProjection(t *testing.T) {
	contacts := []domain.Contact{
		{ID: 1, Email: "a@example.com", Phone: "+111", Active: true},
		{ID: 2, Email: "b@example.com", Active: true},
		{ID: 3, Phone: "+333", Active: true},
		{ID: 4, Email: "d@example.com", Phone: "+444", Active: false},
	}

	emails := Recipients(domain.ChannelEmail, contacts)
	require.Len(t, emails, 2)
	assert.Equal(t, int64(1), emails[0].ID)
	assert.Equal(t, int64(2), emails[1].ID)

	phones := Recipients(domain.ChannelSMS, contacts)
	require.Len(t, phones, 2)
	assert.Equal(t, int64(1), phones[0].ID)
	assert.Equal(t, int64(3), phones[1].ID)

	assert.Len(t, Recipients(domain.ChannelVoice, contacts), 2)
}

func TestSubjectAndBody(t *testing.T) {
	a := testAlarm()
	subject := Subject(a)
	assert.Contains(t, subject, "CRITICAL")
	assert.Contains(t, subject, "SOS")
	assert.Contains(t, subject, a.IMEI)

	body := Body(a)
	assert.Contains(t, body, "42.697708")
	assert.Contains(t, body, "maps.google.com")
	assert.Contains(t, body, "Speed: 63.5")
	assert.Contains(t, body, "Priority: 9/10")

	a.Priority = 5
	assert.Contains(t, Subject(a), "ALERT")
	a.Priority = 2
	assert.Contains(t, Subject(a), "NOTICE")
}

func TestSMSTextTruncation(t *testing.T) {
	a := testAlarm()
	a.Status = strings.Repeat("VERY_LONG_ALARM_TYPE_", 10)
	text := SMSText(a)
	assert.LessOrEqual(t, len(text), 160)
	assert.True(t, strings.HasSuffix(text, "..."))

	short := SMSText(testAlarm())
	assert.LessOrEqual(t, len(short), 160)
	assert.Contains(t, short, "maps.google.com")
}

func TestEmailAdapterSendsPerRecipient(t *testing.T) {
	var sent []string
	ad := NewEmailAdapter(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "alerts@fleetwatch.io"}, nil, nil)
	ad.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, to...)
		assert.Equal(t, "smtp.example.com:587", addr)
		assert.Contains(t, string(msg), "Subject:")
		return nil
	}

	res, err := ad.Send(context.Background(), testAlarm(),
		append(contactsWith("a@example.com", ""), contactsWith("b@example.com", "")...))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "smtp", res.Provider)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, sent)
}

func TestEmailAdapterPartialFailureStillSucceeds(t *testing.T) {
	ad := NewEmailAdapter(SMTPConfig{Host: "smtp.example.com", Port: 587}, nil, nil)
	calls := 0
	ad.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		calls++
		if calls == 1 {
			return errors.New("mailbox full")
		}
		return nil
	}

	res, err := ad.Send(context.Background(), testAlarm(),
		append(contactsWith("a@example.com", ""), contactsWith("b@example.com", "")...))
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Recipients, 2)
	assert.False(t, res.Recipients[0].Success)
	assert.True(t, res.Recipients[1].Success)
}

func TestEmailAdapterAllRecipientsFail(t *testing.T) {
	ad := NewEmailAdapter(SMTPConfig{Host: "smtp.example.com", Port: 587}, nil, nil)
	ad.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return errors.New("connection refused")
	}

	res, err := ad.Send(context.Background(), testAlarm(), contactsWith("a@example.com", ""))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeProvider, apperr.CodeOf(err))
	assert.False(t, res.Success)
}

func TestEmailAdapterMockMode(t *testing.T) {
	mock := NewMockTransport()
	ad := NewEmailAdapter(SMTPConfig{}, func() bool { return true }, mock)
	require.True(t, ad.IsReady())

	res, err := ad.Send(context.Background(), testAlarm(), contactsWith("a@example.com", ""))
	require.NoError(t, err)
	assert.Equal(t, "mock", res.Provider)
	require.Len(t, mock.Sends(), 1)
	assert.Equal(t, []string{"a@example.com"}, mock.Sends()[0].Recipients)
}

func TestEmailAdapterReadiness(t *testing.T) {
	assert.False(t, NewEmailAdapter(SMTPConfig{}, nil, nil).IsReady())
	assert.True(t, NewEmailAdapter(SMTPConfig{Host: "h"}, nil, nil).IsReady())
	assert.False(t, NewEmailAdapter(SMTPConfig{}, func() bool { return true }, nil).IsReady())
}

type fakeSMSSender struct {
	ready    bool
	err      error
	sent     []string
	outcomes *SMSOutcome
}

func (f *fakeSMSSender) Send(ctx context.Context, imei, phone, text string) (*SMSOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, phone)
	if f.outcomes != nil {
		return f.outcomes, nil
	}
	return &SMSOutcome{ModemID: 3, ModemName: "gsm-1", Tier: "service", ProviderID: "ref-1"}, nil
}

func (f *fakeSMSSender) Ready() bool { return f.ready }

func TestSMSAdapterSuccess(t *testing.T) {
	pool := &fakeSMSSender{ready: true}
	ad := NewSMSAdapter(pool)
	require.True(t, ad.IsReady())

	res, err := ad.Send(context.Background(), testAlarm(), contactsWith("", "+35599111222"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "modem", res.Provider)
	assert.Equal(t, int64(3), res.ModemID)
	assert.Equal(t, "gsm-1", res.ModemName)
	assert.Equal(t, []string{"+35599111222"}, pool.sent)
}

func TestSMSAdapterPoolErrorPropagates(t *testing.T) {
	pool := &fakeSMSSender{ready: true, err: apperr.New(apperr.CodeQuotaExhausted, "all tiers exhausted")}
	ad := NewSMSAdapter(pool)

	_, err := ad.Send(context.Background(), testAlarm(), contactsWith("", "+35599111222"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeQuotaExhausted, apperr.CodeOf(err))
}

func TestVoiceAdapterPlacesCalls(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/calls", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"call_id": "call-77", "status": "queued"}`))
	}))
	defer srv.Close()

	ad := NewVoiceAdapter(VoiceConfig{Endpoint: srv.URL, APIKey: "secret"}, nil, nil)
	res, err := ad.Send(context.Background(), testAlarm(), contactsWith("", "+35599111222"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Bearer secret", gotAuth)
	require.Len(t, res.Recipients, 1)
	assert.Equal(t, "call-77", res.Recipients[0].ProviderID)
}

func TestVoiceAdapterErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	ad := NewVoiceAdapter(VoiceConfig{Endpoint: srv.URL}, nil, nil)

	_, err := ad.Send(context.Background(), testAlarm(), contactsWith("", "+111"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRetryable, apperr.CodeOf(err))

	status = http.StatusTooManyRequests
	_, err = ad.Send(context.Background(), testAlarm(), contactsWith("", "+111"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRetryable, apperr.CodeOf(err))

	status = http.StatusBadRequest
	_, err = ad.Send(context.Background(), testAlarm(), contactsWith("", "+111"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermanent, apperr.CodeOf(err))
}

func TestMockTransportFaultInjection(t *testing.T) {
	mock := NewMockTransport()
	mock.FailNext(1)

	_, err := mock.Send(context.Background(), domain.ChannelSMS, testAlarm(), contactsWith("", "+111"))
	require.Error(t, err)

	res, err := mock.Send(context.Background(), domain.ChannelSMS, testAlarm(), contactsWith("", "+111"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, mock.Sends(), 1)
}

func TestAdaptersRejectEmptyRecipients(t *testing.T) {
	email := NewEmailAdapter(SMTPConfig{Host: "h"}, nil, nil)
	_, err := email.Send(context.Background(), testAlarm(), nil)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	sms := NewSMSAdapter(&fakeSMSSender{ready: true})
	_, err = sms.Send(context.Background(), testAlarm(), nil)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	voice := NewVoiceAdapter(VoiceConfig{Endpoint: "http://x"}, nil, nil)
	_, err = voice.Send(context.Background(), testAlarm(), nil)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}
