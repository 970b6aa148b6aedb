package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowpilot/internal/services"
)

// GatewaySender delivers replies through an HTTP mail gateway. The gateway
// owns the provider-specific sending; this client just posts the envelope
// with the user's bearer token.
type GatewaySender struct {
	url        string
	httpClient *http.Client
}

func NewGatewaySender(url string, timeout time.Duration) *GatewaySender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewaySender{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type gatewayEnvelope struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type gatewayReceipt struct {
	MessageID string `json:"message_id"`
}

func (s *GatewaySender) SendReply(ctx context.Context, token, to, subject, body string) (string, error) {
	if s.url == "" {
		return "", services.Permanent(fmt.Errorf("mail gateway url not configured"))
	}

	raw, err := json.Marshal(gatewayEnvelope{To: to, Subject: subject, Body: body})
	if err != nil {
		return "", services.Permanent(fmt.Errorf("encode envelope: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return "", services.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mail gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("mail gateway returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", services.Permanent(err)
		}
		return "", err
	}

	var receipt gatewayReceipt
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&receipt); err != nil {
		return "", fmt.Errorf("decode receipt: %w", err)
	}
	return receipt.MessageID, nil
}
