package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// MockSend is one record captured by the mock transport.
type MockSend struct {
	Channel    domain.Channel
	AlarmID    int64
	Recipients []string
	SentAt     time.Time
}

// MockTransport records sends instead of delivering them. Shared by the mock
// variants of every adapter; used when the system-state gate selects mock
// mode and throughout the test suite.
type MockTransport struct {
	mu    sync.Mutex
	sends []MockSend

	// FailNext makes the next n sends fail; used to exercise retry paths.
	failNext int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Send(ctx context.Context, ch domain.Channel, alarm *domain.Alarm, recipients []domain.Contact) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return nil, fmt.Errorf("mock transport: injected failure")
	}

	rec := MockSend{Channel: ch, SentAt: time.Now()}
	if alarm != nil {
		rec.AlarmID = alarm.ID
	}
	result := &SendResult{Success: true, Provider: "mock", MessageID: fmt.Sprintf("mock-%d-%d", rec.AlarmID, len(m.sends))}
	for _, c := range recipients {
		addr := c.Email
		if ch != domain.ChannelEmail {
			addr = c.Phone
		}
		rec.Recipients = append(rec.Recipients, addr)
		result.Recipients = append(result.Recipients, RecipientResult{Recipient: addr, Success: true, ProviderID: result.MessageID})
	}
	m.sends = append(m.sends, rec)
	return result, nil
}

// Sends returns a copy of everything recorded so far.
func (m *MockTransport) Sends() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sends))
	copy(out, m.sends)
	return out
}

// FailNext arranges for the next n sends to fail.
func (m *MockTransport) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}
