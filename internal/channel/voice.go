package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// VoiceConfig configures the voice-provider HTTP client.
type VoiceConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// VoiceAdapter places automated calls through the voice provider's HTTP API,
// or records them on the mock transport in mock mode.
type VoiceAdapter struct {
	cfg     VoiceConfig
	client  *http.Client
	useMock func() bool
	mock    *MockTransport
}

func NewVoiceAdapter(cfg VoiceConfig, useMock func() bool, mock *MockTransport) *VoiceAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &VoiceAdapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		useMock: useMock,
		mock:    mock,
	}
}

func (a *VoiceAdapter) Name() domain.Channel { return domain.ChannelVoice }

func (a *VoiceAdapter) IsReady() bool {
	if a.useMock != nil && a.useMock() {
		return a.mock != nil
	}
	return a.cfg.Endpoint != ""
}

type voiceCallRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Ref     string `json:"reference,omitempty"`
}

type voiceCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (a *VoiceAdapter) Send(ctx context.Context, alarm *domain.Alarm, recipients []domain.Contact) (*SendResult, error) {
	if len(recipients) == 0 {
		return nil, apperr.Validation("no voice recipients")
	}

	if a.useMock != nil && a.useMock() {
		return a.mock.Send(ctx, domain.ChannelVoice, alarm, recipients)
	}

	message := Subject(alarm)
	result := &SendResult{Provider: "voice"}
	var firstErr error

	for _, c := range recipients {
		callID, err := a.placeCall(ctx, c.Phone, message, alarm.ReferenceID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			result.Recipients = append(result.Recipients, RecipientResult{Recipient: c.Phone})
			continue
		}
		result.Success = true
		result.Recipients = append(result.Recipients, RecipientResult{Recipient: c.Phone, Success: true, ProviderID: callID})
	}

	if result.Success {
		return result, nil
	}
	if firstErr == nil {
		firstErr = apperr.Provider("voice call failed for all recipients", nil)
	}
	return result, firstErr
}

func (a *VoiceAdapter) placeCall(ctx context.Context, phone, message, ref string) (string, error) {
	payload, err := json.Marshal(voiceCallRequest{To: phone, Message: message, Ref: ref})
	if err != nil {
		return "", apperr.Permanent("encode voice request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"/calls", bytes.NewReader(payload))
	if err != nil {
		return "", apperr.Permanent("build voice request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", apperr.Provider("voice provider unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out voiceCallResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return "", apperr.Provider("decode voice response", err)
		}
		return out.CallID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", apperr.Retryable(fmt.Sprintf("voice provider returned %d", resp.StatusCode), nil)
	default:
		return "", apperr.Permanent(fmt.Sprintf("voice provider rejected call (%d): %s", resp.StatusCode, string(body)), nil)
	}
}
