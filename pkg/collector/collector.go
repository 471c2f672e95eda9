// Package collector is the agent's HTTP client for the SIEM server: status
// heartbeats and telemetry snapshots, authenticated with the agent token.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/version"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

const maxErrorBody = 512

// Agent statuses reported in heartbeats.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// ErrUnauthorized is returned when the server rejects the agent token.
var ErrUnauthorized = errors.New("agent token rejected")

// Config for the server client.
type Config struct {
	ServerURL string
	AgentID   string
	Token     string
	Timeout   time.Duration
}

// Heartbeat is the body of a status update.
type Heartbeat struct {
	Status     string                `json:"status"`
	SystemInfo *telemetry.SystemInfo `json:"systemInfo,omitempty"`
	LastActive time.Time             `json:"lastActive"`
}

// Snapshot is the body of a telemetry push.
type Snapshot struct {
	Processes []telemetry.ProcessEntry `json:"processes"`
	Network   []telemetry.NetworkEntry `json:"network"`
}

// IngestResult is the server's reply to a telemetry push.
type IngestResult struct {
	Success     bool                  `json:"success"`
	Alerts      int                   `json:"alerts"`
	Suppressed  int                   `json:"suppressed"`
	Quarantined []telemetry.Rejection `json:"quarantined"`
}

// Client talks to one SIEM server on behalf of one agent.
type Client struct {
	cfg        Config
	log        *logrus.Logger
	httpClient *http.Client

	sent   atomic.Int64
	failed atomic.Int64
}

// New creates a Client.
func New(cfg Config, log *logrus.Logger) (*Client, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id not configured")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("agent token not configured")
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return &Client{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// SendHeartbeat posts the agent status and host summary.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.LastActive.IsZero() {
		hb.LastActive = time.Now().UTC()
	}
	return c.post(ctx, "status", hb, nil)
}

// SendSnapshot posts a process/network snapshot and returns what the server
// made of it.
func (c *Client) SendSnapshot(ctx context.Context, snap Snapshot) (*IngestResult, error) {
	if snap.Processes == nil {
		snap.Processes = []telemetry.ProcessEntry{}
	}
	if snap.Network == nil {
		snap.Network = []telemetry.NetworkEntry{}
	}
	var res IngestResult
	if err := c.post(ctx, "osquery", snap, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stats returns how many requests succeeded and failed.
func (c *Client) Stats() (sent, failed int64) {
	return c.sent.Load(), c.failed.Load()
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	err := c.do(ctx, endpoint, payload, out)
	if err != nil {
		c.failed.Add(1)
		c.log.WithError(err).WithField("endpoint", endpoint).Debug("Request to SIEM server failed")
		return err
	}
	c.sent.Add(1)
	return nil
}

func (c *Client) do(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s body: %w", endpoint, err)
	}

	u := fmt.Sprintf("%s/api/agents/%s/%s", c.cfg.ServerURL, url.PathEscape(c.cfg.AgentID), endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("User-Agent", version.UserAgent("agent"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
