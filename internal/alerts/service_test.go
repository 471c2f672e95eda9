package alerts

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/store/memstore"
)

func newTestService() *Service {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(memstore.New(), log)
}

func validInput() CreateInput {
	return CreateInput{Title: "Brute force", Description: "many failed logins", Severity: "high", Source: "web-01"}
}

func TestCreate(t *testing.T) {
	svc := newTestService()
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	a, err := svc.Create(context.Background(), "u1", validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" || a.Status != models.AlertNew || !a.Timestamp.Equal(fixed) || a.UserID != "u1" {
		t.Errorf("alert = %+v", a)
	}
	if a.Tags == nil || a.AffectedAssets == nil {
		t.Error("list fields should default to empty, not nil")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService()
	tests := []struct {
		name   string
		mutate func(*CreateInput)
		want   apierrors.Kind
	}{
		{"missing title", func(in *CreateInput) { in.Title = "" }, apierrors.KindValidation},
		{"missing source", func(in *CreateInput) { in.Source = " " }, apierrors.KindValidation},
		{"bad severity", func(in *CreateInput) { in.Severity = "catastrophic" }, apierrors.KindValidation},
		{"bad status", func(in *CreateInput) { in.Status = "open" }, apierrors.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := svc.Create(context.Background(), "u1", in)
			if apierrors.KindOf(err) != tt.want {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreate_LegacySeverity(t *testing.T) {
	in := validInput()
	in.Severity = "Warning"
	a, err := newTestService().Create(context.Background(), "u1", in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Severity != models.SeverityMedium {
		t.Errorf("severity = %q, want medium", a.Severity)
	}
}

func TestList_Pagination(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 23; i++ {
		in := validInput()
		ts := base.Add(time.Duration(i) * time.Minute)
		in.Timestamp = &ts
		in.Title = fmt.Sprintf("alert-%02d", i)
		if i%2 == 0 {
			in.Severity = "critical"
		}
		if _, err := svc.Create(ctx, "u1", in); err != nil {
			t.Fatal(err)
		}
	}
	svc.Create(ctx, "u2", validInput())

	p, err := svc.List(ctx, "u1", Filter{}, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if p.Total != 23 || p.Page != 1 || p.TotalPages != 3 || len(p.Alerts) != 10 {
		t.Errorf("page = total %d page %d pages %d len %d", p.Total, p.Page, p.TotalPages, len(p.Alerts))
	}
	if p.Alerts[0].Title != "alert-22" {
		t.Errorf("first alert = %s, want newest", p.Alerts[0].Title)
	}

	last, _ := svc.List(ctx, "u1", Filter{}, 3, 10)
	if len(last.Alerts) != 3 || last.Alerts[2].Title != "alert-00" {
		t.Errorf("last page = %d alerts", len(last.Alerts))
	}

	crit, _ := svc.List(ctx, "u1", Filter{Severity: "CRITICAL"}, 1, 50)
	if crit.Total != 12 {
		t.Errorf("critical total = %d, want 12", crit.Total)
	}

	since := base.Add(20 * time.Minute)
	recent, _ := svc.List(ctx, "u1", Filter{Since: &since}, 1, 10)
	if recent.Total != 3 {
		t.Errorf("since total = %d, want 3", recent.Total)
	}

	if _, err := svc.List(ctx, "u1", Filter{Status: "bogus"}, 1, 10); apierrors.KindOf(err) != apierrors.KindValidation {
		t.Errorf("bad status filter err = %v", err)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	a, _ := svc.Create(ctx, "u1", validInput())

	resolved := models.AlertResolved
	note := "blocked the ip"
	got, err := svc.Update(ctx, "u1", a.ID, Patch{Status: &resolved, Resolution: &note})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.ResolvedAt == nil || got.ResolvedBy != "u1" || got.Resolution != note {
		t.Errorf("resolved alert = %+v", got)
	}

	reopen := models.AlertInProgress
	got, _ = svc.Update(ctx, "u1", a.ID, Patch{Status: &reopen})
	if got.ResolvedAt != nil || got.ResolvedBy != "" {
		t.Error("reopening should clear resolution stamps")
	}

	if _, err := svc.Update(ctx, "u2", a.ID, Patch{Status: &resolved}); apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Errorf("foreign alert err = %v", err)
	}
	bad := "nope"
	if _, err := svc.Update(ctx, "u1", a.ID, Patch{Severity: &bad}); apierrors.KindOf(err) != apierrors.KindValidation {
		t.Errorf("bad severity err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	a, _ := svc.Create(ctx, "u1", validInput())

	if err := svc.Delete(ctx, "u2", a.ID); apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Errorf("foreign delete err = %v", err)
	}
	if err := svc.Delete(ctx, "u1", a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, "u1", a.ID); apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Errorf("second delete err = %v", err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	for _, sev := range []string{"critical", "critical", "low", "info"} {
		in := validInput()
		in.Severity = sev
		svc.Create(ctx, "u1", in)
	}
	st, err := svc.Stats(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 4 || st.BySeverity["critical"] != 2 || st.BySeverity["low"] != 2 || st.ByStatus["new"] != 4 {
		t.Errorf("stats = %+v", st)
	}
}
