package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/pkg/collector"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

type fakeSender struct {
	mu         sync.Mutex
	heartbeats []collector.Heartbeat
	snapshots  []collector.Snapshot
	hbErr      error
	snapErr    error
}

func (f *fakeSender) SendHeartbeat(_ context.Context, hb collector.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return f.hbErr
}

func (f *fakeSender) SendSnapshot(_ context.Context, snap collector.Snapshot) (*collector.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snap)
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return &collector.IngestResult{Success: true}, nil
}

func (f *fakeSender) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats), len(f.snapshots)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testSources() Sources {
	return Sources{
		SystemInfo: func(context.Context) (*telemetry.SystemInfo, error) {
			return &telemetry.SystemInfo{Hostname: "web-01"}, nil
		},
		Processes: func() ([]telemetry.ProcessEntry, error) {
			return []telemetry.ProcessEntry{{Type: telemetry.TypeProcess, Data: &telemetry.ProcessData{PID: 1, Name: "init"}}}, nil
		},
		Network: func() ([]telemetry.NetworkEntry, error) {
			return []telemetry.NetworkEntry{{Type: telemetry.TypeNetworkConnection, Data: &telemetry.NetworkData{LocalPort: telemetry.NewPort(22)}}}, nil
		},
	}
}

func TestNew_Defaults(t *testing.T) {
	m := New(Config{}, &fakeSender{}, Sources{}, quietLogger())
	if m.cfg.HeartbeatInterval != 30*time.Second || m.cfg.TelemetryInterval != 60*time.Second || m.cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("defaults = %+v", m.cfg)
	}
}

func TestMonitor_Heartbeat(t *testing.T) {
	fs := &fakeSender{}
	m := New(Config{}, fs, testSources(), quietLogger())
	if err := m.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	hb := fs.heartbeats[0]
	if hb.Status != collector.StatusRunning || hb.SystemInfo == nil || hb.SystemInfo.Hostname != "web-01" {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestMonitor_HeartbeatWithoutSystemInfo(t *testing.T) {
	fs := &fakeSender{}
	src := testSources()
	src.SystemInfo = func(context.Context) (*telemetry.SystemInfo, error) { return nil, errors.New("denied") }
	m := New(Config{}, fs, src, quietLogger())
	if err := m.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if fs.heartbeats[0].SystemInfo != nil {
		t.Error("system info should be omitted when collection fails")
	}
}

func TestMonitor_Telemetry(t *testing.T) {
	fs := &fakeSender{}
	src := testSources()
	src.Network = func() ([]telemetry.NetworkEntry, error) { return nil, errors.New("no tables") }
	m := New(Config{}, fs, src, quietLogger())
	if err := m.Telemetry(context.Background()); err != nil {
		t.Fatalf("Telemetry: %v", err)
	}
	snap := fs.snapshots[0]
	if len(snap.Processes) != 1 || len(snap.Network) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	fs.snapErr = collector.ErrUnauthorized
	if err := m.Telemetry(context.Background()); !errors.Is(err, collector.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestMonitor_RunReportsStopped(t *testing.T) {
	fs := &fakeSender{}
	m := New(Config{HeartbeatInterval: 10 * time.Millisecond, TelemetryInterval: 10 * time.Millisecond}, fs, testSources(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		hbs, snaps := fs.counts()
		if hbs >= 2 && snaps >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loops did not tick: %d heartbeats, %d snapshots", hbs, snaps)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	last := fs.heartbeats[len(fs.heartbeats)-1]
	if last.Status != collector.StatusStopped {
		t.Errorf("final heartbeat status = %q, want stopped", last.Status)
	}
	for _, hb := range fs.heartbeats[:len(fs.heartbeats)-1] {
		if hb.Status != collector.StatusRunning {
			t.Errorf("loop heartbeat status = %q", hb.Status)
		}
	}
}

func TestMonitor_RunStopFailure(t *testing.T) {
	fs := &fakeSender{hbErr: errors.New("connection refused")}
	m := New(Config{}, fs, Sources{}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err == nil {
		t.Fatal("expected error when the stopped heartbeat cannot be delivered")
	}
}
