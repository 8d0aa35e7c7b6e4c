// Package forwarder delivers high severity IDS alerts to an external HTTP
// collector.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
	"github.com/invisible-tech/tiered-ids/internal/version"
)

// ErrNotConfigured is returned when endpoint or API key is missing.
var ErrNotConfigured = errors.New("alert forwarder not configured")

// Client posts alerts as JSON with a Bearer token.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Logger
}

// Config for the forwarding client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// NewClient creates a forwarding client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

// Payload is the forwarded alert document.
type Payload struct {
	*types.Alert
	Source string `json:"source"`
}

func (c *Client) configured() bool {
	return c.endpoint != "" && c.apiKey != ""
}

// SendAlert posts one alert to <endpoint>/api/v1/alerts.
func (c *Client) SendAlert(ctx context.Context, alert *types.Alert) error {
	if !c.configured() {
		return ErrNotConfigured
	}
	return c.sendJSON(ctx, c.endpoint+"/api/v1/alerts", Payload{Alert: alert, Source: "tiered-ids"})
}

// SendBatch posts several alerts to <endpoint>/api/v1/alerts/batch.
func (c *Client) SendBatch(ctx context.Context, alerts []*types.Alert) error {
	if !c.configured() {
		return ErrNotConfigured
	}
	payloads := make([]Payload, len(alerts))
	for i, a := range alerts {
		payloads[i] = Payload{Alert: a, Source: "tiered-ids"}
	}
	return c.sendJSON(ctx, c.endpoint+"/api/v1/alerts/batch", map[string]interface{}{"alerts": payloads})
}

// Notify forwards HIGH and CRITICAL alerts and ignores the rest.
func (c *Client) Notify(ctx context.Context, alert *types.Alert) error {
	if !forwarded(alert) {
		return nil
	}
	return c.SendAlert(ctx, alert)
}

// NotifyBatch forwards the HIGH and CRITICAL alerts of a batch in one
// request, or with SendAlert when only one qualifies.
func (c *Client) NotifyBatch(ctx context.Context, alerts []*types.Alert) error {
	var forward []*types.Alert
	for _, a := range alerts {
		if forwarded(a) {
			forward = append(forward, a)
		}
	}
	switch len(forward) {
	case 0:
		return nil
	case 1:
		return c.SendAlert(ctx, forward[0])
	}
	return c.SendBatch(ctx, forward)
}

func forwarded(a *types.Alert) bool {
	return a.Severity == types.SeverityHigh || a.Severity == types.SeverityCritical
}

func (c *Client) sendJSON(ctx context.Context, url string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	c.log.WithFields(logrus.Fields{"url": url, "status": resp.StatusCode}).Debug("Alert forwarded")
	return nil
}

// HealthCheck checks that the collector answers on /health.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.configured() {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}
