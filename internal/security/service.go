// Package security serves vulnerability and compliance records: listings,
// statistics, status changes and the batch ingest endpoints agents report to.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/stats"
	"github.com/invisible-tech/sentinel-siem/internal/store"
)

// Live channel message types.
const (
	MsgVulnerabilityUpdate = "vulnerability_update"
	MsgComplianceUpdate    = "compliance_update"
)

// Broadcaster notifies every live client of a change.
type Broadcaster interface {
	Broadcast(msgType string)
}

// Store is the persistence the service needs.
type Store interface {
	store.Vulnerabilities
	store.Compliance
}

// VulnerabilityFilter narrows a vulnerability listing.
type VulnerabilityFilter struct {
	Severity []string
	Status   []string
	AssetID  string
}

// ComplianceFilter narrows a compliance listing.
type ComplianceFilter struct {
	Framework []string
	Status    []string
	RiskLevel []string
	Search    string
}

// VulnerabilityPage is one page of vulnerabilities.
type VulnerabilityPage struct {
	Vulnerabilities []models.Vulnerability `json:"vulnerabilities"`
	Total           int64                  `json:"total"`
	Page            int                    `json:"page"`
	TotalPages      int                    `json:"totalPages"`
}

// CompliancePage is one page of compliance records.
type CompliancePage struct {
	Compliance []models.Compliance `json:"compliance"`
	Total      int64               `json:"total"`
	Page       int                 `json:"page"`
	TotalPages int                 `json:"totalPages"`
}

// ItemRejection explains why a batch item was skipped.
type ItemRejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult reports a batch ingest.
type BatchResult struct {
	Accepted int             `json:"accepted"`
	Rejected []ItemRejection `json:"rejected"`
}

// VulnerabilityInput is one finding of a vulnerability scan.
type VulnerabilityInput struct {
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Severity          string     `json:"severity"`
	CVSSScore         *float64   `json:"cvss_score"`
	CVEID             string     `json:"cve_id"`
	AffectedComponent string     `json:"affected_component"`
	AffectedVersions  []string   `json:"affected_versions"`
	Remediation       string     `json:"remediation"`
	DiscoveredAt      *time.Time `json:"discovered_at"`
	Status            string     `json:"status"`
	ScanSource        string     `json:"scan_source"`
	AssetID           string     `json:"asset_id"`
	AssetType         string     `json:"asset_type"`
	Tags              []string   `json:"tags"`
}

// ComplianceInput is one control result of a compliance check.
type ComplianceInput struct {
	Framework       string     `json:"framework"`
	ControlID       string     `json:"control_id"`
	ControlName     string     `json:"control_name"`
	Description     string     `json:"description"`
	Status          string     `json:"status"`
	Evidence        string     `json:"evidence"`
	LastChecked     *time.Time `json:"last_checked"`
	NextCheck       *time.Time `json:"next_check"`
	RiskLevel       string     `json:"risk_level"`
	RemediationPlan string     `json:"remediation_plan"`
	Comments        string     `json:"comments"`
	Attachments     []string   `json:"attachments"`
	Tags            []string   `json:"tags"`
	Hostname        string     `json:"hostname"`
}

// Service serves security records.
type Service struct {
	store Store
	hub   Broadcaster
	log   *logrus.Logger
	now   func() time.Time
}

// New creates a Service. hub may be nil.
func New(st Store, hub Broadcaster, log *logrus.Logger) *Service {
	return &Service{store: st, hub: hub, log: log, now: time.Now}
}

func (s *Service) broadcast(msgType string) {
	if s.hub != nil {
		s.hub.Broadcast(msgType)
	}
}

func storeError(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierrors.NotFound(what + " not found")
	}
	return apierrors.Internal(strings.ToLower(what)+" store operation failed", err)
}

func checkAll(values []string, valid func(string) bool, field string) error {
	for _, v := range values {
		if !valid(v) {
			return apierrors.Validation(fmt.Sprintf("Invalid %s: %s", field, v))
		}
	}
	return nil
}

// ListVulnerabilities returns a page of vulnerabilities, highest CVSS first.
func (s *Service) ListVulnerabilities(ctx context.Context, userID string, f VulnerabilityFilter, page, limit int) (*VulnerabilityPage, error) {
	sev := make([]string, 0, len(f.Severity))
	for _, v := range f.Severity {
		n, ok := models.NormalizeSeverity(v)
		if !ok {
			return nil, apierrors.Validation("Invalid severity: " + v)
		}
		sev = append(sev, n)
	}
	if err := checkAll(f.Status, models.ValidVulnerabilityStatus, "status"); err != nil {
		return nil, err
	}
	filter := store.VulnerabilityFilter{Severity: sev, Status: f.Status}
	if f.AssetID != "" {
		filter.AssetIDs = []string{f.AssetID}
	}

	p, page, limit := store.PageOf(page, limit)
	vulns, total, err := s.store.ListVulnerabilities(ctx, userID, filter, p)
	if err != nil {
		return nil, storeError(err, "Vulnerability")
	}
	return &VulnerabilityPage{Vulnerabilities: vulns, Total: total, Page: page, TotalPages: store.TotalPages(total, limit)}, nil
}

// VulnerabilityStats summarizes the user's vulnerabilities.
func (s *Service) VulnerabilityStats(ctx context.Context, userID string) (*stats.VulnerabilityStats, error) {
	vulns, _, err := s.store.ListVulnerabilities(ctx, userID, store.VulnerabilityFilter{}, store.Page{})
	if err != nil {
		return nil, storeError(err, "Vulnerability")
	}
	out := stats.Vulnerabilities(vulns)
	return &out, nil
}

// UpdateVulnerabilityStatus changes a vulnerability's status and notifies live clients.
func (s *Service) UpdateVulnerabilityStatus(ctx context.Context, userID, id, status string) (*models.Vulnerability, error) {
	if !models.ValidVulnerabilityStatus(status) {
		return nil, apierrors.Validation("Invalid status")
	}
	v, err := s.store.UpdateVulnerabilityStatus(ctx, userID, id, status, s.now().UTC())
	if err != nil {
		return nil, storeError(err, "Vulnerability")
	}
	s.broadcast(MsgVulnerabilityUpdate)
	return v, nil
}

// ListCompliance returns a page of compliance records, soonest next check first.
func (s *Service) ListCompliance(ctx context.Context, userID string, f ComplianceFilter, page, limit int) (*CompliancePage, error) {
	if err := checkAll(f.Framework, models.ValidFramework, "framework"); err != nil {
		return nil, err
	}
	if err := checkAll(f.Status, models.ValidComplianceStatus, "status"); err != nil {
		return nil, err
	}
	if err := checkAll(f.RiskLevel, models.ValidRiskLevel, "risk level"); err != nil {
		return nil, err
	}
	filter := store.ComplianceFilter{Framework: f.Framework, Status: f.Status, RiskLevel: f.RiskLevel, Search: strings.TrimSpace(f.Search)}

	p, page, limit := store.PageOf(page, limit)
	records, total, err := s.store.ListCompliance(ctx, userID, filter, p)
	if err != nil {
		return nil, storeError(err, "Compliance record")
	}
	return &CompliancePage{Compliance: records, Total: total, Page: page, TotalPages: store.TotalPages(total, limit)}, nil
}

// ComplianceStats summarizes the user's compliance records.
func (s *Service) ComplianceStats(ctx context.Context, userID string) (*stats.ComplianceStats, error) {
	records, _, err := s.store.ListCompliance(ctx, userID, store.ComplianceFilter{}, store.Page{})
	if err != nil {
		return nil, storeError(err, "Compliance record")
	}
	out := stats.Compliance(records, s.now().UTC())
	return &out, nil
}

// UpdateComplianceStatus changes a compliance record's status and notifies live clients.
func (s *Service) UpdateComplianceStatus(ctx context.Context, userID, id, status string) (*models.Compliance, error) {
	if !models.ValidComplianceStatus(status) {
		return nil, apierrors.Validation("Invalid status")
	}
	c, err := s.store.UpdateComplianceStatus(ctx, userID, id, status, s.now().UTC())
	if err != nil {
		return nil, storeError(err, "Compliance record")
	}
	s.broadcast(MsgComplianceUpdate)
	return c, nil
}

// IngestVulnerabilityScan stores each valid finding of a scan. Items that do
// not decode, validate or store are skipped and reported.
func (s *Service) IngestVulnerabilityScan(ctx context.Context, userID string, items []json.RawMessage) (*BatchResult, error) {
	res := &BatchResult{Rejected: []ItemRejection{}}
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "items": len(items)})
	for i, raw := range items {
		v, err := s.vulnerabilityFromInput(userID, raw)
		if err == nil {
			err = s.store.InsertVulnerability(ctx, v)
		}
		if err != nil {
			log.WithError(err).WithField("index", i).Warn("Vulnerability scan item rejected")
			res.Rejected = append(res.Rejected, ItemRejection{Index: i, Reason: rejectionReason(err)})
			continue
		}
		res.Accepted++
	}
	log.WithFields(logrus.Fields{"accepted": res.Accepted, "rejected": len(res.Rejected)}).Info("Vulnerability scan received")
	if res.Accepted > 0 {
		s.broadcast(MsgVulnerabilityUpdate)
	}
	return res, nil
}

func (s *Service) vulnerabilityFromInput(userID string, raw json.RawMessage) (*models.Vulnerability, error) {
	var in VulnerabilityInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, apierrors.Validation("malformed item")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, apierrors.Validation("title is required")
	}
	if strings.TrimSpace(in.AssetID) == "" {
		return nil, apierrors.Validation("asset_id is required")
	}
	sev, ok := models.NormalizeSeverity(in.Severity)
	if !ok {
		return nil, apierrors.Validation(fmt.Sprintf("invalid severity %q", in.Severity))
	}
	var score float64
	if in.CVSSScore != nil {
		score = *in.CVSSScore
		if score < 0 || score > 10 {
			return nil, apierrors.Validation(fmt.Sprintf("cvss_score %.1f out of range", score))
		}
	}
	status := in.Status
	if status == "" {
		status = models.VulnOpen
	}
	if !models.ValidVulnerabilityStatus(status) {
		return nil, apierrors.Validation(fmt.Sprintf("invalid status %q", status))
	}

	now := s.now().UTC()
	discovered := now
	if in.DiscoveredAt != nil && !in.DiscoveredAt.IsZero() {
		discovered = in.DiscoveredAt.UTC()
	}
	scanSource := in.ScanSource
	if scanSource == "" {
		scanSource = "agent"
	}
	return &models.Vulnerability{
		ID:                uuid.NewString(),
		UserID:            userID,
		Title:             in.Title,
		Description:       in.Description,
		Severity:          sev,
		CVSSScore:         score,
		CVEID:             in.CVEID,
		AffectedComponent: in.AffectedComponent,
		AffectedVersions:  in.AffectedVersions,
		Remediation:       in.Remediation,
		DiscoveredAt:      discovered,
		Status:            status,
		ScanSource:        scanSource,
		AssetID:           in.AssetID,
		AssetType:         in.AssetType,
		Tags:              in.Tags,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// IngestComplianceCheck upserts each valid control result keyed by
// (framework, control, hostname). hostname fills items that carry none.
func (s *Service) IngestComplianceCheck(ctx context.Context, userID, hostname string, items []json.RawMessage) (*BatchResult, error) {
	res := &BatchResult{Rejected: []ItemRejection{}}
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "hostname": hostname, "items": len(items)})
	for i, raw := range items {
		c, err := s.complianceFromInput(userID, hostname, raw)
		if err == nil {
			_, err = s.store.UpsertCompliance(ctx, c)
		}
		if err != nil {
			log.WithError(err).WithField("index", i).Warn("Compliance check item rejected")
			res.Rejected = append(res.Rejected, ItemRejection{Index: i, Reason: rejectionReason(err)})
			continue
		}
		res.Accepted++
	}
	log.WithFields(logrus.Fields{"accepted": res.Accepted, "rejected": len(res.Rejected)}).Info("Compliance check received")
	if res.Accepted > 0 {
		s.broadcast(MsgComplianceUpdate)
	}
	return res, nil
}

func (s *Service) complianceFromInput(userID, hostname string, raw json.RawMessage) (*models.Compliance, error) {
	var in ComplianceInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, apierrors.Validation("malformed item")
	}
	if in.Hostname == "" {
		in.Hostname = hostname
	}
	switch {
	case !models.ValidFramework(in.Framework):
		return nil, apierrors.Validation(fmt.Sprintf("invalid framework %q", in.Framework))
	case strings.TrimSpace(in.ControlID) == "":
		return nil, apierrors.Validation("control_id is required")
	case strings.TrimSpace(in.ControlName) == "":
		return nil, apierrors.Validation("control_name is required")
	case strings.TrimSpace(in.Hostname) == "":
		return nil, apierrors.Validation("hostname is required")
	case !models.ValidComplianceStatus(in.Status):
		return nil, apierrors.Validation(fmt.Sprintf("invalid status %q", in.Status))
	}
	risk := in.RiskLevel
	if risk == "" {
		risk = models.RiskMedium
	}
	if !models.ValidRiskLevel(risk) {
		return nil, apierrors.Validation(fmt.Sprintf("invalid risk_level %q", risk))
	}

	now := s.now().UTC()
	checked := now
	if in.LastChecked != nil && !in.LastChecked.IsZero() {
		checked = in.LastChecked.UTC()
	}
	var next *time.Time
	if in.NextCheck != nil && !in.NextCheck.IsZero() {
		n := in.NextCheck.UTC()
		next = &n
	}
	return &models.Compliance{
		ID:              uuid.NewString(),
		UserID:          userID,
		Framework:       in.Framework,
		ControlID:       in.ControlID,
		ControlName:     in.ControlName,
		Description:     in.Description,
		Status:          in.Status,
		Evidence:        in.Evidence,
		LastChecked:     checked,
		NextCheck:       next,
		RiskLevel:       risk,
		RemediationPlan: in.RemediationPlan,
		Comments:        in.Comments,
		Attachments:     in.Attachments,
		Tags:            in.Tags,
		Hostname:        in.Hostname,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// rejectionReason is the client-safe reason for a skipped item.
func rejectionReason(err error) string {
	var e *apierrors.Error
	if errors.As(err, &e) && e.Kind == apierrors.KindValidation {
		return e.Message
	}
	return "storage error"
}
