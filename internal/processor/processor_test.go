package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/channel"
	"github.com/fleetwatch/alarm-notifier/internal/config"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
	"github.com/fleetwatch/alarm-notifier/internal/systemstate"
)

type fakeStore struct {
	mu sync.Mutex

	contacts      []domain.Contact
	dedupSuppress bool
	dedupChecks   int
	dedupNotified int
	hasSuccess    map[domain.Channel]bool

	attempts  []domain.NotificationAttempt
	sentFlags []domain.Channel
	dlq       []domain.DLQItem
}

func (f *fakeStore) ActiveContacts(ctx context.Context, imei string) ([]domain.Contact, error) {
	return f.contacts, nil
}

func (f *fakeStore) CheckDedup(ctx context.Context, imei, alarmType string, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dedupChecks++
	return f.dedupSuppress, nil
}

func (f *fakeStore) MarkDedupNotified(ctx context.Context, imei, alarmType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dedupNotified++
	return nil
}

func (f *fakeStore) HasSuccessfulSend(ctx context.Context, alarmID int64, ch domain.Channel) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasSuccess[ch], nil
}

func (f *fakeStore) RecordAttempt(ctx context.Context, a *domain.NotificationAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeStore) MarkChannelSent(ctx context.Context, alarmID int64, ch domain.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentFlags = append(f.sentFlags, ch)
	return nil
}

func (f *fakeStore) EnqueueDLQ(ctx context.Context, item *domain.DLQItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, *item)
	return nil
}

func (f *fakeStore) successRows(ch domain.Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		if a.Channel == ch && a.Status == domain.AttemptSuccess {
			n++
		}
	}
	return n
}

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

type fakeAdapter struct {
	mu    sync.Mutex
	name  domain.Channel
	ready bool
	err   error
	calls int
}

func (f *fakeAdapter) Name() domain.Channel { return f.name }
func (f *fakeAdapter) IsReady() bool        { return f.ready }

func (f *fakeAdapter) Send(ctx context.Context, alarm *domain.Alarm, recipients []domain.Contact) (*channel.SendResult, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	res := &channel.SendResult{Success: true, Provider: string(f.name) + "-provider"}
	for _, c := range recipients {
		recipient := c.Email
		if f.name != domain.ChannelEmail {
			recipient = c.Phone
		}
		res.Recipients = append(res.Recipients, channel.RecipientResult{Recipient: recipient, Success: true, ProviderID: "msg-1"})
	}
	return res, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	cc := config.ChannelConfig{
		MaxConcurrency: 2,
		MaxRetries:     0,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		SendTimeout:    time.Second,
	}
	return &config.Config{
		BreakerFailureThreshold: 3,
		BreakerSuccessThreshold: 1,
		BreakerOpenTimeout:      time.Minute,
		Email:                   cc,
		SMS:                     cc,
		Voice:                   cc,
		DedupWindow:             time.Hour,
	}
}

func newTestGate(t *testing.T, flags map[string]bool) *systemstate.Gate {
	t.Helper()
	gate := systemstate.New(&fakeStateStore{
		state: domain.SystemState{State: domain.StateRunning},
		flags: flags,
	}, zerolog.Nop())
	require.NoError(t, gate.Refresh(context.Background()))
	return gate
}

func testAlarm() *domain.Alarm {
	return &domain.Alarm{
		ID:           1,
		IMEI:         "100",
		Status:       "SOS",
		Priority:     9,
		GPSTime:      time.Now(),
		EmailEnabled: true,
		SMSEnabled:   true,
		IsValid:      true,
	}
}

func testContacts() []domain.Contact {
	return []domain.Contact{
		{ID: 1, IMEI: "100", Name: "Ops", Email: "ops@example.com", Phone: "+35599111222", Active: true, Priority: 1},
	}
}

func TestProcessAlarmHappyPath(t *testing.T) {
	store := &fakeStore{contacts: testContacts(), hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true}
	sms := &fakeAdapter{name: domain.ChannelSMS, ready: true}
	p := New(store, newTestGate(t, nil), testConfig(), []channel.Adapter{email, sms}, zerolog.Nop())

	err := p.ProcessAlarm(context.Background(), testAlarm(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, email.callCount())
	assert.Equal(t, 1, sms.callCount())
	assert.Equal(t, 1, store.successRows(domain.ChannelEmail))
	assert.Equal(t, 1, store.successRows(domain.ChannelSMS))
	assert.ElementsMatch(t, []domain.Channel{domain.ChannelEmail, domain.ChannelSMS}, store.sentFlags)
	assert.Empty(t, store.dlq)
	assert.Equal(t, 1, store.dedupNotified)
}

func TestProcessAlarmDedupSuppression(t *testing.T) {
	store := &fakeStore{contacts: testContacts(), dedupSuppress: true, hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true}
	p := New(store, newTestGate(t, nil), testConfig(), []channel.Adapter{email}, zerolog.Nop())

	err := p.ProcessAlarm(context.Background(), testAlarm(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, store.dedupChecks)
	assert.Zero(t, email.callCount())
	assert.Empty(t, store.attempts)
	assert.Empty(t, store.dlq)
}

func TestProcessAlarmValidationFailureToDLQ(t *testing.T) {
	store := &fakeStore{contacts: testContacts(), hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true}
	p := New(store, newTestGate(t, nil), testConfig(), []channel.Adapter{email}, zerolog.Nop())

	bad := testAlarm()
	bad.IMEI = ""
	err := p.ProcessAlarm(context.Background(), bad, []byte(`{"id":1}`))
	require.NoError(t, err)

	require.Len(t, store.dlq, 1)
	assert.Equal(t, string(apperr.CodeValidation), store.dlq[0].ErrorType)
	assert.Equal(t, 0, store.dlq[0].Attempts)
	assert.Equal(t, []byte(`{"id":1}`), store.dlq[0].Payload)
	assert.Zero(t, email.callCount())
}

func TestProcessAlarmIdempotencySkip(t *testing.T) {
	store := &fakeStore{
		contacts:   testContacts(),
		hasSuccess: map[domain.Channel]bool{domain.ChannelEmail: true},
	}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true}
	p := New(store, newTestGate(t, nil), testConfig(), []channel.Adapter{email}, zerolog.Nop())

	alarm := testAlarm()
	alarm.SMSEnabled = false
	err := p.ProcessAlarm(context.Background(), alarm, nil)
	require.NoError(t, err)

	assert.Zero(t, email.callCount())
	assert.Empty(t, store.attempts)
	assert.Empty(t, store.sentFlags)
}

func TestProcessAlarmQuietHoursSkip(t *testing.T) {
	contacts := testContacts()
	contacts[0].QuietStart = "00:00"
	contacts[0].QuietEnd = "23:59"
	contacts[0].Timezone = "UTC"
	store := &fakeStore{contacts: contacts, hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true}
	p := New(store, newTestGate(t, nil), testConfig(), []channel.Adapter{email}, zerolog.Nop())

	err := p.ProcessAlarm(context.Background(), testAlarm(), nil)
	require.NoError(t, err)

	assert.Zero(t, email.callCount())
	assert.Empty(t, store.attempts)
}

func TestProcessAlarmBreakerOpensAndSMSUnaffected(t *testing.T) {
	store := &fakeStore{contacts: testContacts(), hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true, err: apperr.Permanent("smtp rejected", errors.New("550"))}
	sms := &fakeAdapter{name: domain.ChannelSMS, ready: true}
	p := New(store, newTestGate(t, nil), testConfig(), []channel.Adapter{email, sms}, zerolog.Nop())

	// Three failing alarms trip the email breaker (failure threshold 3).
	for i := int64(1); i <= 3; i++ {
		alarm := testAlarm()
		alarm.ID = i
		alarm.SMSEnabled = false
		_ = p.ProcessAlarm(context.Background(), alarm, nil)
	}
	assert.Equal(t, 3, email.callCount())

	store.mu.Lock()
	store.dlq = nil
	store.mu.Unlock()

	fourth := testAlarm()
	fourth.ID = 4
	err := p.ProcessAlarm(context.Background(), fourth, nil)
	require.Error(t, err)

	// Breaker rejected the call before the adapter ran.
	assert.Equal(t, 3, email.callCount())
	assert.Equal(t, 1, sms.callCount())
	assert.Contains(t, store.sentFlags, domain.ChannelSMS)

	require.Len(t, store.dlq, 1)
	assert.Equal(t, domain.ChannelEmail, store.dlq[0].Channel)
	assert.Equal(t, string(apperr.CodeBreakerOpen), store.dlq[0].ErrorType)
	assert.Equal(t, 1, store.dlq[0].Attempts)
}

func TestProcessAlarmFallbackFlagAbsorbsErrors(t *testing.T) {
	store := &fakeStore{contacts: testContacts(), hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true, err: apperr.Permanent("smtp rejected", errors.New("550"))}
	flags := map[string]bool{systemstate.FlagChannelFallback: true}
	p := New(store, newTestGate(t, flags), testConfig(), []channel.Adapter{email}, zerolog.Nop())

	alarm := testAlarm()
	alarm.SMSEnabled = false
	err := p.ProcessAlarm(context.Background(), alarm, nil)
	require.NoError(t, err)
	// The failure is still audited and parked on the DLQ.
	require.Len(t, store.dlq, 1)
}

func TestProcessAlarmChannelDisabledByFlag(t *testing.T) {
	store := &fakeStore{contacts: testContacts(), hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true}
	sms := &fakeAdapter{name: domain.ChannelSMS, ready: true}
	flags := map[string]bool{systemstate.FlagEmailEnabled: false}
	p := New(store, newTestGate(t, flags), testConfig(), []channel.Adapter{email, sms}, zerolog.Nop())

	err := p.ProcessAlarm(context.Background(), testAlarm(), nil)
	require.NoError(t, err)

	assert.Zero(t, email.callCount())
	assert.Equal(t, 1, sms.callCount())
}

func TestProcessAlarmSkipsAlreadySentChannels(t *testing.T) {
	store := &fakeStore{contacts: testContacts(), hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true}
	sms := &fakeAdapter{name: domain.ChannelSMS, ready: true}
	p := New(store, newTestGate(t, nil), testConfig(), []channel.Adapter{email, sms}, zerolog.Nop())

	alarm := testAlarm()
	alarm.EmailSent = true
	err := p.ProcessAlarm(context.Background(), alarm, nil)
	require.NoError(t, err)

	assert.Zero(t, email.callCount())
	assert.Equal(t, 1, sms.callCount())
}

func TestProcessAlarmNoRecipientsSkipsChannel(t *testing.T) {
	contacts := []domain.Contact{{ID: 1, IMEI: "100", Phone: "+35599111222", Active: true}}
	store := &fakeStore{contacts: contacts, hasSuccess: map[domain.Channel]bool{}}
	email := &fakeAdapter{name: domain.ChannelEmail, ready: true}
	sms := &fakeAdapter{name: domain.ChannelSMS, ready: true}
	p := New(store, newTestGate(t, nil), testConfig(), []channel.Adapter{email, sms}, zerolog.Nop())

	err := p.ProcessAlarm(context.Background(), testAlarm(), nil)
	require.NoError(t, err)

	assert.Zero(t, email.callCount())
	assert.Equal(t, 1, sms.callCount())
	assert.Empty(t, store.dlq)
}
