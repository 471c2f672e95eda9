// Package monitor drives the reference agent: a heartbeat loop and a
// telemetry loop against the SIEM server.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/pkg/collector"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

// Sender delivers heartbeats and snapshots. *collector.Client implements it.
type Sender interface {
	SendHeartbeat(ctx context.Context, hb collector.Heartbeat) error
	SendSnapshot(ctx context.Context, snap collector.Snapshot) (*collector.IngestResult, error)
}

// Sources produce what the agent reports. A nil function is skipped.
type Sources struct {
	SystemInfo func(ctx context.Context) (*telemetry.SystemInfo, error)
	Processes  func() ([]telemetry.ProcessEntry, error)
	Network    func() ([]telemetry.NetworkEntry, error)
}

// Config holds the loop intervals.
type Config struct {
	HeartbeatInterval time.Duration
	TelemetryInterval time.Duration
	// ShutdownTimeout bounds the final "stopped" heartbeat.
	ShutdownTimeout time.Duration
}

// Monitor runs the agent loops.
type Monitor struct {
	cfg    Config
	sender Sender
	src    Sources
	log    *logrus.Logger
}

// New creates a Monitor.
func New(cfg Config, sender Sender, src Sources, log *logrus.Logger) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Monitor{cfg: cfg, sender: sender, src: src, log: log}
}

// Run sends a heartbeat and a snapshot immediately, then repeats each on its
// interval until ctx is cancelled. On the way out it reports the agent as
// stopped.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithFields(logrus.Fields{
		"heartbeat_interval": m.cfg.HeartbeatInterval,
		"telemetry_interval": m.cfg.TelemetryInterval,
	}).Info("Starting agent loops")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop(ctx, m.cfg.HeartbeatInterval, m.Heartbeat)
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, m.cfg.TelemetryInterval, m.Telemetry)
	}()
	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := m.sender.SendHeartbeat(stopCtx, collector.Heartbeat{Status: collector.StatusStopped}); err != nil {
		m.log.WithError(err).Warn("Failed to report agent stopped")
		return err
	}
	m.log.Info("Agent reported stopped")
	return nil
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, tick func(context.Context) error) {
	if err := tick(ctx); err != nil && ctx.Err() == nil {
		m.logTickError(err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil && ctx.Err() == nil {
				m.logTickError(err)
			}
		}
	}
}

func (m *Monitor) logTickError(err error) {
	if errors.Is(err, collector.ErrUnauthorized) {
		m.log.WithError(err).Error("Server rejected the agent token; redeploy the agent to get a new one")
		return
	}
	m.log.WithError(err).Warn("Agent report failed")
}

// Heartbeat reports the agent as running with the current host summary.
func (m *Monitor) Heartbeat(ctx context.Context) error {
	hb := collector.Heartbeat{Status: collector.StatusRunning}
	if m.src.SystemInfo != nil {
		info, err := m.src.SystemInfo(ctx)
		if err != nil {
			m.log.WithError(err).Warn("Failed to collect system info")
		} else {
			hb.SystemInfo = info
		}
	}
	if err := m.sender.SendHeartbeat(ctx, hb); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Telemetry scans processes and listening sockets and pushes the snapshot.
func (m *Monitor) Telemetry(ctx context.Context) error {
	var snap collector.Snapshot
	if m.src.Processes != nil {
		procs, err := m.src.Processes()
		if err != nil {
			m.log.WithError(err).Warn("Process scan failed")
		}
		snap.Processes = procs
	}
	if m.src.Network != nil {
		conns, err := m.src.Network()
		if err != nil {
			m.log.WithError(err).Warn("Network scan failed")
		}
		snap.Network = conns
	}

	res, err := m.sender.SendSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	fields := logrus.Fields{
		"processes":   len(snap.Processes),
		"network":     len(snap.Network),
		"alerts":      res.Alerts,
		"suppressed":  res.Suppressed,
		"quarantined": len(res.Quarantined),
	}
	if len(res.Quarantined) > 0 {
		m.log.WithFields(fields).Warn("Server quarantined telemetry entries")
		return nil
	}
	m.log.WithFields(fields).Debug("Telemetry delivered")
	return nil
}
