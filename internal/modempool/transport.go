package modempool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// HTTPTransport talks to modem gateway boxes over their HTTP API.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

type modemSendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
	Port string `json:"port,omitempty"`
}

type modemSendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func (t *HTTPTransport) SendSMS(ctx context.Context, modem *domain.Modem, to, text string) (string, error) {
	payload, err := json.Marshal(modemSendRequest{To: to, Text: text, Port: modem.ModemHWID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, modem.Endpoint+"/sms/send", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if modem.Credentials != "" {
		req.Header.Set("Authorization", "Bearer "+modem.Credentials)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("modem %s: %w", modem.Name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("modem %s returned %d: %s", modem.Name, resp.StatusCode, string(body))
	}

	var out modemSendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("modem %s: decode response: %w", modem.Name, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("modem %s: %s", modem.Name, out.Error)
	}
	return out.MessageID, nil
}

func (t *HTTPTransport) Probe(ctx context.Context, modem *domain.Modem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modem.Endpoint+"/status", nil)
	if err != nil {
		return err
	}
	if modem.Credentials != "" {
		req.Header.Set("Authorization", "Bearer "+modem.Credentials)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modem %s status %d", modem.Name, resp.StatusCode)
	}
	return nil
}
