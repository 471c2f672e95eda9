package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/store"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

func TestAgents(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	a := &models.Agent{AgentID: "a1", UserID: "u1", Name: "web", Status: models.AgentRunning, DeployedAt: now}
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	dup := &models.Agent{AgentID: "a2", UserID: "u1", Name: "web"}
	if err := s.CreateAgent(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate name err = %v, want ErrDuplicate", err)
	}
	other := &models.Agent{AgentID: "a3", UserID: "u2", Name: "web"}
	if err := s.CreateAgent(ctx, other); err != nil {
		t.Errorf("same name for another user: %v", err)
	}

	if _, err := s.GetAgent(ctx, "u2", "a1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign agent err = %v, want ErrNotFound", err)
	}
	got, err := s.GetAgentByName(ctx, "u1", "web")
	if err != nil || got.AgentID != "a1" {
		t.Fatalf("GetAgentByName = %+v, %v", got, err)
	}

	stopped := models.AgentStopped
	info := telemetry.SystemInfo{Hostname: "host-1"}
	patched, err := s.PatchAgent(ctx, "u1", "a1", store.AgentPatch{Status: &stopped, SystemInfo: &info})
	if err != nil {
		t.Fatalf("PatchAgent: %v", err)
	}
	if patched.Status != models.AgentStopped || patched.Hostname() != "host-1" {
		t.Errorf("patched = %+v", patched)
	}
	if !patched.LastActive.IsZero() {
		t.Error("LastActive should be untouched when not patched")
	}
	if _, err := s.PatchAgent(ctx, "u2", "a1", store.AgentPatch{Status: &stopped}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign patch err = %v", err)
	}

	list, _ := s.ListAgents(ctx, "u1")
	if len(list) != 1 {
		t.Errorf("ListAgents = %d, want 1", len(list))
	}
}

func TestAlerts_ListFilterPaginate(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		sev := models.SeverityLow
		if i%5 == 0 {
			sev = models.SeverityCritical
		}
		s.InsertAlert(ctx, &models.Alert{
			ID: fmt.Sprintf("al-%02d", i), UserID: "u1", Severity: sev, Status: models.AlertNew,
			Source: "Web-Server", Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	s.InsertAlert(ctx, &models.Alert{ID: "foreign", UserID: "u2", Source: "web-server", Timestamp: base})

	page, total, err := s.ListAlerts(ctx, "u1", store.AlertFilter{}, store.Page{Skip: 20, Limit: 10})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if total != 25 || len(page) != 5 {
		t.Fatalf("total=%d len=%d, want 25/5", total, len(page))
	}
	if page[0].ID != "al-04" {
		t.Errorf("first of last page = %s, want al-04 (newest first)", page[0].ID)
	}

	crit, total, _ := s.ListAlerts(ctx, "u1", store.AlertFilter{Severity: models.SeverityCritical}, store.Page{})
	if total != 5 || len(crit) != 5 {
		t.Errorf("critical total=%d len=%d", total, len(crit))
	}

	_, total, _ = s.ListAlerts(ctx, "u1", store.AlertFilter{SourceContains: "web"}, store.Page{})
	if total != 25 {
		t.Errorf("substring match total = %d, want 25", total)
	}
	_, total, _ = s.ListAlerts(ctx, "u1", store.AlertFilter{SourceIn: []string{"web-server", "WEB-SERVER"}}, store.Page{})
	if total != 0 {
		t.Errorf("exact match total = %d, want 0", total)
	}

	empty, _, _ := s.ListAlerts(ctx, "u1", store.AlertFilter{}, store.Page{Skip: 100, Limit: 10})
	if empty == nil || len(empty) != 0 {
		t.Errorf("past-the-end page = %v, want empty non-nil", empty)
	}

	if err := s.DeleteAlert(ctx, "u1", "foreign"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign delete err = %v", err)
	}
	if err := s.DeleteAlert(ctx, "u2", "foreign"); err != nil {
		t.Errorf("DeleteAlert: %v", err)
	}
}

func TestAlerts_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.InsertAlert(ctx, &models.Alert{ID: "a", UserID: "u", Tags: []string{"x"}})
	got, _ := s.GetAlert(ctx, "u", "a")
	got.Tags[0] = "mutated"
	again, _ := s.GetAlert(ctx, "u", "a")
	if again.Tags[0] != "x" {
		t.Error("store leaked its internal slice")
	}
}

func TestVulnerabilities(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i, score := range []float64{5.0, 9.8, 7.5} {
		s.InsertVulnerability(ctx, &models.Vulnerability{
			ID: fmt.Sprintf("v%d", i), UserID: "u1", CVSSScore: score,
			Severity: models.SeverityHigh, Status: models.VulnOpen, AssetID: "host-a",
		})
	}
	list, total, _ := s.ListVulnerabilities(ctx, "u1", store.VulnerabilityFilter{Status: []string{models.VulnOpen}}, store.Page{Limit: 2})
	if total != 3 || len(list) != 2 || list[0].CVSSScore != 9.8 || list[1].CVSSScore != 7.5 {
		t.Errorf("list = %+v total=%d", list, total)
	}
	v, err := s.UpdateVulnerabilityStatus(ctx, "u1", "v0", models.VulnResolved, time.Now())
	if err != nil || v.Status != models.VulnResolved {
		t.Errorf("UpdateVulnerabilityStatus = %+v, %v", v, err)
	}
	if _, err := s.UpdateVulnerabilityStatus(ctx, "u2", "v0", models.VulnResolved, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign update err = %v", err)
	}
}

func TestCompliance_UpsertAndSort(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()
	later := now.Add(48 * time.Hour)
	sooner := now.Add(24 * time.Hour)

	first, _ := s.UpsertCompliance(ctx, &models.Compliance{
		ID: "c1", UserID: "u1", Framework: models.FrameworkSOC2, ControlID: "CC6.1",
		ControlName: "Logical Access", Status: models.NonCompliant, Hostname: "h1", NextCheck: &later, CreatedAt: now,
	})
	second, _ := s.UpsertCompliance(ctx, &models.Compliance{
		ID: "c-new", UserID: "u1", Framework: models.FrameworkSOC2, ControlID: "CC6.1",
		ControlName: "Logical Access", Status: models.Compliant, Hostname: "h1", NextCheck: &later,
	})
	if second.ID != first.ID || !second.CreatedAt.Equal(now) {
		t.Errorf("upsert replaced identity: first=%s second=%s", first.ID, second.ID)
	}
	s.UpsertCompliance(ctx, &models.Compliance{
		ID: "c2", UserID: "u1", Framework: models.FrameworkGDPR, ControlID: "Art.32",
		ControlName: "Security of processing (a.b)", Status: models.PartiallyCompliant, Hostname: "h1", NextCheck: &sooner,
	})

	list, total, _ := s.ListCompliance(ctx, "u1", store.ComplianceFilter{}, store.Page{})
	if total != 2 || list[0].ID != "c2" {
		t.Fatalf("list = %+v", list)
	}
	if list[1].Status != models.Compliant {
		t.Errorf("upserted status = %q", list[1].Status)
	}

	_, total, _ = s.ListCompliance(ctx, "u1", store.ComplianceFilter{Search: "(A.B)"}, store.Page{})
	if total != 1 {
		t.Errorf("literal search total = %d, want 1", total)
	}
	_, total, _ = s.ListCompliance(ctx, "u1", store.ComplianceFilter{Framework: []string{"SOC2", "ISO27001"}}, store.Page{})
	if total != 1 {
		t.Errorf("framework filter total = %d, want 1", total)
	}
}

func TestPreferencesAndInsights(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.GetPreferences(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing prefs err = %v", err)
	}
	p := models.DefaultPreferences("u1")
	p.Theme = "dark"
	s.SavePreferences(ctx, &p)
	got, err := s.GetPreferences(ctx, "u1")
	if err != nil || got.Theme != "dark" {
		t.Errorf("GetPreferences = %+v, %v", got, err)
	}

	now := time.Now()
	s.InsertInsight(ctx, &models.Insight{ID: "old", UserID: "u1", GeneratedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(time.Hour)})
	s.InsertInsight(ctx, &models.Insight{ID: "new", UserID: "u1", GeneratedAt: now, ExpiresAt: now.Add(time.Hour)})
	s.InsertInsight(ctx, &models.Insight{ID: "expired", UserID: "u1", GeneratedAt: now, ExpiresAt: now.Add(-time.Minute)})
	list, _ := s.ListInsights(ctx, "u1", now)
	if len(list) != 2 || list[0].ID != "new" {
		t.Errorf("ListInsights = %+v", list)
	}
}
