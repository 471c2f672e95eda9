// Package alerts implements listing, creation, update, deletion and
// statistics over a user's alerts.
package alerts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/stats"
	"github.com/invisible-tech/sentinel-siem/internal/store"
)

// Filter narrows a listing. Empty fields do not filter.
type Filter struct {
	Severity string
	Status   string
	Since    *time.Time
	Until    *time.Time
}

// Page is one page of a listing.
type Page struct {
	Alerts     []models.Alert `json:"alerts"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	TotalPages int            `json:"totalPages"`
}

// CreateInput is the body of a manually created alert.
type CreateInput struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	Source         string     `json:"source"`
	SourceIP       string     `json:"sourceIp"`
	Type           string     `json:"type"`
	Timestamp      *time.Time `json:"timestamp"`
	Tags           []string   `json:"tags"`
	AffectedAssets []string   `json:"affectedAssets"`
	AssignedTo     string     `json:"assignedTo"`
}

// Patch sets the non-nil fields of an alert.
type Patch struct {
	Title          *string   `json:"title"`
	Description    *string   `json:"description"`
	Severity       *string   `json:"severity"`
	Status         *string   `json:"status"`
	AssignedTo     *string   `json:"assignedTo"`
	Resolution     *string   `json:"resolution"`
	Tags           *[]string `json:"tags"`
	AffectedAssets *[]string `json:"affectedAssets"`
}

// Service serves alert operations from a store.
type Service struct {
	store store.Alerts
	log   *logrus.Logger
	now   func() time.Time
}

// New creates a Service.
func New(st store.Alerts, log *logrus.Logger) *Service {
	return &Service{store: st, log: log, now: time.Now}
}

func storeError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierrors.NotFound("Alert not found")
	}
	return apierrors.Internal("alert store operation failed", err)
}

// List returns a page of the user's alerts, newest first.
func (s *Service) List(ctx context.Context, userID string, f Filter, page, limit int) (*Page, error) {
	filter := store.AlertFilter{Status: f.Status, Since: f.Since, Until: f.Until}
	if f.Severity != "" {
		sev, ok := models.NormalizeSeverity(f.Severity)
		if !ok {
			return nil, apierrors.Validation("Invalid severity")
		}
		filter.Severity = sev
	}
	if f.Status != "" && !models.ValidAlertStatus(f.Status) {
		return nil, apierrors.Validation("Invalid status")
	}

	p, page, limit := store.PageOf(page, limit)
	alerts, total, err := s.store.ListAlerts(ctx, userID, filter, p)
	if err != nil {
		return nil, storeError(err)
	}
	return &Page{Alerts: alerts, Total: total, Page: page, TotalPages: store.TotalPages(total, limit)}, nil
}

// Create validates and stores a new alert.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*models.Alert, error) {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"title", in.Title}, {"description", in.Description}, {"severity", in.Severity}, {"source", in.Source},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, apierrors.Validation("Missing required fields: " + strings.Join(missing, ", "))
	}
	sev, ok := models.NormalizeSeverity(in.Severity)
	if !ok {
		return nil, apierrors.Validation("Invalid severity")
	}
	status := in.Status
	if status == "" {
		status = models.AlertNew
	}
	if !models.ValidAlertStatus(status) {
		return nil, apierrors.Validation("Invalid status")
	}

	now := s.now().UTC()
	ts := now
	if in.Timestamp != nil && !in.Timestamp.IsZero() {
		ts = in.Timestamp.UTC()
	}
	alert := &models.Alert{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          in.Title,
		Description:    in.Description,
		Severity:       sev,
		Status:         status,
		Source:         in.Source,
		SourceIP:       in.SourceIP,
		Type:           in.Type,
		Timestamp:      ts,
		Tags:           nonNil(in.Tags),
		AffectedAssets: nonNil(in.AffectedAssets),
		AssignedTo:     in.AssignedTo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status == models.AlertResolved {
		alert.ResolvedAt = &now
		alert.ResolvedBy = userID
	}
	if err := s.store.InsertAlert(ctx, alert); err != nil {
		return nil, storeError(err)
	}
	s.log.WithFields(logrus.Fields{"alert_id": alert.ID, "severity": alert.Severity, "source": alert.Source}).Info("Alert created")
	return alert, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Update applies a patch. Moving to resolved stamps resolvedAt and resolvedBy;
// moving away from resolved clears them.
func (s *Service) Update(ctx context.Context, userID, id string, p Patch) (*models.Alert, error) {
	alert, err := s.store.GetAlert(ctx, userID, id)
	if err != nil {
		return nil, storeError(err)
	}
	if p.Severity != nil {
		sev, ok := models.NormalizeSeverity(*p.Severity)
		if !ok {
			return nil, apierrors.Validation("Invalid severity")
		}
		alert.Severity = sev
	}
	now := s.now().UTC()
	if p.Status != nil {
		if !models.ValidAlertStatus(*p.Status) {
			return nil, apierrors.Validation("Invalid status")
		}
		switch {
		case *p.Status == models.AlertResolved && alert.Status != models.AlertResolved:
			alert.ResolvedAt = &now
			alert.ResolvedBy = userID
		case *p.Status != models.AlertResolved:
			alert.ResolvedAt = nil
			alert.ResolvedBy = ""
		}
		alert.Status = *p.Status
	}
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return nil, apierrors.Validation("Title cannot be empty")
		}
		alert.Title = *p.Title
	}
	if p.Description != nil {
		alert.Description = *p.Description
	}
	if p.AssignedTo != nil {
		alert.AssignedTo = *p.AssignedTo
	}
	if p.Resolution != nil {
		alert.Resolution = *p.Resolution
	}
	if p.Tags != nil {
		alert.Tags = nonNil(*p.Tags)
	}
	if p.AffectedAssets != nil {
		alert.AffectedAssets = nonNil(*p.AffectedAssets)
	}
	alert.UpdatedAt = now

	if err := s.store.ReplaceAlert(ctx, alert); err != nil {
		return nil, storeError(err)
	}
	return alert, nil
}

// Delete removes an alert.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteAlert(ctx, userID, id); err != nil {
		return storeError(err)
	}
	s.log.WithField("alert_id", id).Info("Alert deleted")
	return nil
}

// Stats counts the user's alerts by severity and status.
func (s *Service) Stats(ctx context.Context, userID string) (*stats.AlertStats, error) {
	alerts, _, err := s.store.ListAlerts(ctx, userID, store.AlertFilter{}, store.Page{})
	if err != nil {
		return nil, storeError(err)
	}
	out := stats.Alerts(alerts)
	return &out, nil
}
