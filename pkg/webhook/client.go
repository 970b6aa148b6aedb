// Package webhook delivers automation payloads to user-configured HTTP
// endpoints. It reports status-class information so callers can decide
// between retrying and giving up.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusError is returned for non-2xx responses. 4xx responses are permanent;
// everything else is worth retrying.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether the failure should not be retried.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Config controls delivery behavior.
type Config struct {
	Timeout       time.Duration
	MaxBodyBytes  int64
	SigningHeader string // header carrying the bearer token, if any
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:       10 * time.Second,
		MaxBodyBytes:  1 << 20,
		SigningHeader: "Authorization",
	}
}

// Client posts JSON payloads to webhook targets.
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		config:     config,
	}
}

// Response is the parsed outcome of a delivery.
type Response struct {
	StatusCode int
	Body       map[string]any
}

// Deliver posts payload to url. token, when non-empty, is sent as a bearer
// credential. The ctx deadline cancels the request in flight.
func (c *Client) Deliver(ctx context.Context, url, token string, payload any) (*Response, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Flowpilot-Webhook/1.0")
	if token != "" {
		req.Header.Set(c.config.SigningHeader, "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("webhook: POST %s -> %d", url, resp.StatusCode)

	if resp.StatusCode >= 400 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 256)}
	}

	out := &Response{StatusCode: resp.StatusCode}
	if len(raw) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			out.Body = parsed
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
