package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/version"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

func canListen(t *testing.T) bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind for test: %v", err)
		return false
	}
	ln.Close()
	return true
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type recorded struct {
	method string
	path   string
	auth   string
	ua     string
	body   []byte
}

type recorder struct {
	mu   sync.Mutex
	reqs []recorded
}

func (rc *recorder) handler(status int, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.reqs = append(rc.reqs, recorded{r.Method, r.URL.Path, r.Header.Get("Authorization"), r.Header.Get("User-Agent"), body})
		rc.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}
}

func (rc *recorder) last(t *testing.T) recorded {
	t.Helper()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.reqs) == 0 {
		t.Fatal("server received no request")
	}
	return rc.reqs[len(rc.reqs)-1]
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing agent", Config{ServerURL: "http://localhost:3000", Token: "t"}},
		{"missing token", Config{ServerURL: "http://localhost:3000", AgentID: "a"}},
		{"bad url", Config{ServerURL: "localhost 3000", AgentID: "a", Token: "t"}},
	}
	for _, tt := range tests {
		if _, err := New(tt.cfg, quietLogger()); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	c, err := New(Config{ServerURL: "http://localhost:3000/", AgentID: "a", Token: "t"}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.cfg.ServerURL != "http://localhost:3000" || c.cfg.Timeout != 30*time.Second {
		t.Errorf("defaults not applied: %+v", c.cfg)
	}
}

func TestClient_SendHeartbeat(t *testing.T) {
	if !canListen(t) {
		return
	}
	rc := &recorder{}
	srv := httptest.NewServer(rc.handler(http.StatusOK, `{"id":"agent-1","status":"running"}`))
	defer srv.Close()

	c, err := New(Config{ServerURL: srv.URL, AgentID: "agent-1", Token: "tok"}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.SendHeartbeat(context.Background(), Heartbeat{
		Status:     StatusRunning,
		SystemInfo: &telemetry.SystemInfo{Hostname: "web-01", CPUUsage: 12.5},
	})
	if err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}

	req := rc.last(t)
	if req.method != http.MethodPost || req.path != "/api/agents/agent-1/status" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.auth != "Bearer tok" {
		t.Errorf("Authorization = %q", req.auth)
	}
	if req.ua != version.UserAgent("agent") {
		t.Errorf("User-Agent = %q", req.ua)
	}
	var body map[string]any
	if err := json.Unmarshal(req.body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "running" || body["lastActive"] == nil {
		t.Errorf("body = %v", body)
	}
	si, _ := body["systemInfo"].(map[string]any)
	if si["hostname"] != "web-01" {
		t.Errorf("systemInfo = %v", si)
	}
	if sent, failed := c.Stats(); sent != 1 || failed != 0 {
		t.Errorf("stats = %d/%d", sent, failed)
	}
}

func TestClient_SendSnapshot(t *testing.T) {
	if !canListen(t) {
		return
	}
	rc := &recorder{}
	srv := httptest.NewServer(rc.handler(http.StatusOK,
		`{"success":true,"alerts":2,"suppressed":1,"quarantined":[{"kind":"process","index":3,"reason":"missing data"}]}`))
	defer srv.Close()

	c, err := New(Config{ServerURL: srv.URL, AgentID: "agent-1", Token: "tok"}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	res, err := c.SendSnapshot(context.Background(), Snapshot{
		Processes: []telemetry.ProcessEntry{{
			Type: telemetry.TypeProcess, Timestamp: ts,
			Data: &telemetry.ProcessData{PID: 42, Name: "nc", Command: "nc -l 4444"},
		}},
	})
	if err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}
	if !res.Success || res.Alerts != 2 || res.Suppressed != 1 || len(res.Quarantined) != 1 {
		t.Errorf("result = %+v", res)
	}

	req := rc.last(t)
	if req.path != "/api/agents/agent-1/osquery" {
		t.Errorf("path = %s", req.path)
	}
	// Empty tables go out as arrays, not null.
	if !strings.Contains(string(req.body), `"network":[]`) {
		t.Errorf("empty network array not sent: %s", req.body)
	}
	snap, rejected, err := telemetry.ParseSnapshot(req.body)
	if err != nil || len(rejected) != 0 {
		t.Fatalf("server-side parse: %v %v", err, rejected)
	}
	if len(snap.Processes) != 1 || snap.Processes[0].Data.Name != "nc" {
		t.Errorf("parsed snapshot = %+v", snap)
	}
}

func TestClient_Errors(t *testing.T) {
	if !canListen(t) {
		return
	}
	tests := []struct {
		name    string
		status  int
		reply   string
		wantErr string
		unauth  bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"Invalid token"}`, "", true},
		{"server error", http.StatusInternalServerError, `{"error":"Internal server error"}`, "unexpected status code: 500", false},
		{"bad json", http.StatusOK, `not json`, "failed to decode osquery response", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &recorder{}
			srv := httptest.NewServer(rc.handler(tt.status, tt.reply))
			defer srv.Close()

			c, err := New(Config{ServerURL: srv.URL, AgentID: "a", Token: "t"}, quietLogger())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.SendSnapshot(context.Background(), Snapshot{})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.unauth && !errors.Is(err, ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
			if _, failed := c.Stats(); failed != 1 {
				t.Errorf("failed = %d, want 1", failed)
			}
		})
	}
}
