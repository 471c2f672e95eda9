package live

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/models"
)

type fakeLookup struct {
	mu    sync.Mutex
	calls map[string]int
	users map[string]bool
}

func (f *fakeLookup) LiveSummary(_ context.Context, userID, agentName string) (*models.AgentAlertSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
		f.users = make(map[string]bool)
	}
	f.calls[agentName]++
	f.users[userID] = true
	if agentName == "ghost" {
		return nil, errors.New("agent not found")
	}
	return &models.AgentAlertSummary{
		Total:    2,
		Critical: 1,
		Info:     1,
		Alerts:   []models.Alert{{ID: "a1", Source: agentName, Severity: models.SeverityCritical}, {ID: "a2", Source: agentName, Severity: models.SeverityLow}},
	}, nil
}

func (f *fakeLookup) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func newTestHub(t *testing.T, lookup Lookup, interval time.Duration) (*Hub, *httptest.Server) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	hub := NewHub(lookup, Config{SubscriptionInterval: interval, HeartbeatInterval: time.Hour}, log)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "u1")
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type string                   `json:"type"`
	Data *models.AgentAlertSummary `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		if f := readFrame(t, conn); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame received", typ)
	return frame{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func subscribe(t *testing.T, conn *websocket.Conn, agent string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"type": MsgSubscribeAgentAlerts, "agentName": agent}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHub_HeartbeatOnConnect(t *testing.T) {
	hub, srv := newTestHub(t, &fakeLookup{}, time.Hour)
	conn := dial(t, srv)
	if f := readFrame(t, conn); f.Type != MsgHeartbeat {
		t.Fatalf("first frame = %q, want heartbeat", f.Type)
	}
	waitFor(t, "registration", func() bool { return hub.Connections() == 1 })
}

func TestHub_SubscribePushesImmediatelyAndRepeats(t *testing.T) {
	lookup := &fakeLookup{}
	_, srv := newTestHub(t, lookup, 30*time.Millisecond)
	conn := dial(t, srv)
	subscribe(t, conn, "web-01")

	f := readUntil(t, conn, MsgAgentAlerts)
	if f.Data == nil || f.Data.Total != 2 || f.Data.Critical != 1 || len(f.Data.Alerts) != 2 {
		t.Fatalf("push = %+v", f.Data)
	}
	readUntil(t, conn, MsgAgentAlerts)
	waitFor(t, "repeated lookups", func() bool { return lookup.count("web-01") >= 2 })

	lookup.mu.Lock()
	scoped := lookup.users["u1"] && len(lookup.users) == 1
	lookup.mu.Unlock()
	if !scoped {
		t.Error("lookups should run as the connection's user")
	}
}

func TestHub_ResubscribeKeepsOneTimer(t *testing.T) {
	hub, srv := newTestHub(t, &fakeLookup{}, 20*time.Millisecond)
	conn := dial(t, srv)
	for i := 0; i < 3; i++ {
		subscribe(t, conn, "web-01")
	}
	subscribe(t, conn, "db-01")
	waitFor(t, "subscriptions", func() bool { return hub.Subscriptions() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := hub.Subscriptions(); n != 2 {
		t.Errorf("subscriptions = %d, want 2 (one per agent)", n)
	}
}

func TestHub_LookupFailureKeepsSubscription(t *testing.T) {
	lookup := &fakeLookup{}
	hub, srv := newTestHub(t, lookup, 20*time.Millisecond)
	conn := dial(t, srv)
	readFrame(t, conn)
	subscribe(t, conn, "ghost")

	waitFor(t, "retries", func() bool { return lookup.count("ghost") >= 3 })
	if hub.Subscriptions() != 1 {
		t.Errorf("subscriptions = %d, want 1", hub.Subscriptions())
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil && strings.Contains(string(data), MsgAgentAlerts) {
		t.Errorf("failed lookup pushed %s", data)
	}
}

func TestHub_DisconnectCancelsSubscriptions(t *testing.T) {
	lookup := &fakeLookup{}
	hub, srv := newTestHub(t, lookup, 20*time.Millisecond)
	conn := dial(t, srv)
	subscribe(t, conn, "web-01")
	waitFor(t, "subscription", func() bool { return hub.Subscriptions() == 1 })

	conn.Close()
	waitFor(t, "unregister", func() bool { return hub.Connections() == 0 && hub.Subscriptions() == 0 })

	time.Sleep(40 * time.Millisecond)
	before := lookup.count("web-01")
	time.Sleep(80 * time.Millisecond)
	if after := lookup.count("web-01"); after != before {
		t.Errorf("lookups continued after disconnect: %d -> %d", before, after)
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub, srv := newTestHub(t, &fakeLookup{}, time.Hour)
	a := dial(t, srv)
	b := dial(t, srv)
	waitFor(t, "two clients", func() bool { return hub.Connections() == 2 })

	hub.Broadcast("vulnerability_update")
	for _, conn := range []*websocket.Conn{a, b} {
		f := readUntil(t, conn, "vulnerability_update")
		if f.Data != nil {
			t.Errorf("broadcast carried data: %+v", f.Data)
		}
	}
}

func TestHub_IgnoresUnknownMessages(t *testing.T) {
	hub, srv := newTestHub(t, &fakeLookup{}, time.Hour)
	conn := dial(t, srv)
	conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
	conn.WriteJSON(map[string]string{"type": "unsubscribe_everything"})
	conn.WriteJSON(map[string]string{"type": MsgSubscribeAgentAlerts})

	time.Sleep(50 * time.Millisecond)
	if hub.Connections() != 1 || hub.Subscriptions() != 0 {
		t.Errorf("connections=%d subscriptions=%d", hub.Connections(), hub.Subscriptions())
	}
}

func TestHub_CheckOrigin(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	hub := NewHub(&fakeLookup{}, Config{AllowedOrigins: []string{"https://dash.example.com"}}, log)
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://dash.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := hub.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
