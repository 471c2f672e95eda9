package insights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/store/memstore"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

type fakeAI struct {
	mu      sync.Mutex
	prompts []string
	keys    []string
	failOn  string
}

func (f *fakeAI) Complete(_ context.Context, provider, apiKey, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.keys = append(f.keys, provider+":"+apiKey)
	if f.failOn != "" && strings.Contains(prompt, f.failOn) {
		return "", errors.New("provider down")
	}
	return fmt.Sprintf("analysis %d", len(f.prompts)), nil
}

func (f *fakeAI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func newTestService(ai Completer) (*Service, *memstore.Store) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	st := memstore.New()
	return New(st, ai, time.Hour, log), st
}

func seed(t *testing.T, st *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	agents := []models.Agent{
		{AgentID: "a1", UserID: "u1", Name: "web-01", Status: models.AgentRunning, SystemInfo: &telemetry.SystemInfo{CPUUsage: 20, MemoryPercent: 40}},
		{AgentID: "a2", UserID: "u1", Name: "db-01", Status: models.AgentStopped},
	}
	for i := range agents {
		if err := st.CreateAgent(ctx, &agents[i]); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 12; i++ {
		sev := models.SeverityLow
		if i%4 == 0 {
			sev = models.SeverityCritical
		}
		a := models.Alert{ID: fmt.Sprintf("al-%02d", i), UserID: "u1", Title: fmt.Sprintf("incident-%02d", i), Severity: sev, Source: "web-01", Timestamp: now.Add(time.Duration(i) * time.Minute)}
		if err := st.InsertAlert(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGenerate_RequiresKey(t *testing.T) {
	ai := &fakeAI{}
	svc, _ := newTestService(ai)
	_, err := svc.Generate(context.Background(), "u1")
	var apiErr *apierrors.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierrors.KindValidation || apiErr.Message != "AI API key not configured" {
		t.Fatalf("err = %v", err)
	}
	if ai.calls() != 0 {
		t.Error("provider called without a key")
	}
}

func TestGenerate_ProducesAndCaches(t *testing.T) {
	ctx := context.Background()
	ai := &fakeAI{}
	svc, st := newTestService(ai)
	seed(t, st)
	if err := svc.UpdateSettings(ctx, "u1", "OpenAI", "sk-1"); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	got, err := svc.Generate(ctx, "u1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("insights = %d, want 3", len(got))
	}
	for i, typ := range models.InsightTypes {
		if got[i].Type != typ || got[i].Content == "" || !got[i].ExpiresAt.After(got[i].GeneratedAt) {
			t.Errorf("insight[%d] = %+v", i, got[i])
		}
	}
	if ai.keys[0] != "openai:sk-1" {
		t.Errorf("provider/key = %q", ai.keys[0])
	}

	posture := ai.prompts[0]
	for _, want := range []string{"Active Agents: 1", "System Health: 35%", "Critical Alerts: 3", "incident-11"} {
		if !strings.Contains(posture, want) {
			t.Errorf("posture prompt missing %q:\n%s", want, posture)
		}
	}
	if strings.Contains(posture, "incident-01") {
		t.Error("posture prompt should quote only the newest incidents")
	}
	if !strings.Contains(ai.prompts[1], `"name": "db-01"`) {
		t.Errorf("performance prompt = %s", ai.prompts[1])
	}

	again, err := svc.Generate(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 3 || ai.calls() != 3 {
		t.Errorf("second Generate made %d provider calls, want cached", ai.calls()-3)
	}

	listed, err := svc.List(ctx, "u1")
	if err != nil || len(listed) != 3 {
		t.Errorf("List = %d, %v", len(listed), err)
	}
}

func TestGenerate_RegeneratesAfterExpiry(t *testing.T) {
	ctx := context.Background()
	ai := &fakeAI{}
	svc, _ := newTestService(ai)
	svc.UpdateSettings(ctx, "u1", models.ProviderAnthropic, "ak")

	base := time.Now()
	svc.now = func() time.Time { return base }
	if _, err := svc.Generate(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	if listed, _ := svc.List(ctx, "u1"); len(listed) != 0 {
		t.Errorf("expired insights listed: %d", len(listed))
	}
	if _, err := svc.Generate(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if ai.calls() != 6 {
		t.Errorf("provider calls = %d, want 6", ai.calls())
	}
}

func TestGenerate_ProviderFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	ai := &fakeAI{failOn: "security events"}
	svc, _ := newTestService(ai)
	svc.UpdateSettings(ctx, "u1", models.ProviderOpenAI, "sk")

	_, err := svc.Generate(ctx, "u1")
	if apierrors.KindOf(err) != apierrors.KindInternal {
		t.Fatalf("err = %v, want internal", err)
	}
	if listed, _ := svc.List(ctx, "u1"); len(listed) != 0 {
		t.Errorf("partial insights stored: %d", len(listed))
	}
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(&fakeAI{})
	tests := []struct {
		name     string
		provider string
		key      string
		wantErr  bool
	}{
		{"openai", "openai", "sk", false},
		{"anthropic", "anthropic", "ak", false},
		{"unknown provider", "cohere", "k", true},
		{"empty key", "openai", "  ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.UpdateSettings(ctx, "u1", tt.provider, tt.key)
			if tt.wantErr {
				if apierrors.KindOf(err) != apierrors.KindValidation {
					t.Errorf("err = %v, want validation", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			p, err := st.GetPreferences(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if p.AIProvider != tt.provider || p.AIAPIKey != tt.key || p.Theme != "system" {
				t.Errorf("prefs = %+v", p)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name string
		info *telemetry.SystemInfo
		want float64
	}{
		{"no info", nil, 0},
		{"idle", &telemetry.SystemInfo{}, 100},
		{"busy", &telemetry.SystemInfo{CPUUsage: 80, MemoryPercent: 60}, 30},
		{"over", &telemetry.SystemInfo{CPUUsage: 250, MemoryPercent: 100}, 0},
	}
	for _, tt := range tests {
		if got := health(&models.Agent{SystemInfo: tt.info}); got != tt.want {
			t.Errorf("%s: health = %v, want %v", tt.name, got, tt.want)
		}
	}
}
