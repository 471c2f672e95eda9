// Package store defines the persistence contracts of the SIEM backend. Every
// read and write is scoped by the owning user id; a record owned by another
// user behaves exactly like a missing one.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

var (
	// ErrNotFound is returned when no record matches for the user.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate record")
)

// Listing page defaults.
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Page selects a window of a sorted result. Limit <= 0 means no limit.
type Page struct {
	Skip  int64
	Limit int64
}

// PageOf converts a 1-based page number and page size into a Page. Page
// values below 1 become 1; limits below 1 get the default and large ones
// are capped. The normalized page number and limit are returned too.
func PageOf(page, limit int) (Page, int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return Page{Skip: int64(page-1) * int64(limit), Limit: int64(limit)}, page, limit
}

// TotalPages is ceil(total/limit).
func TotalPages(total int64, limit int) int {
	if limit < 1 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

// AgentPatch sets the non-nil fields of an agent.
type AgentPatch struct {
	Status      *string
	SystemInfo  *telemetry.SystemInfo
	LastActive  *time.Time
	OSQueryData *telemetry.Snapshot
}

// AlertFilter narrows an alert listing. Zero fields do not filter.
type AlertFilter struct {
	Severity string
	Status   string
	Since    *time.Time
	Until    *time.Time
	// SourceIn matches sources exactly.
	SourceIn []string
	// SourceContains matches sources by case-insensitive substring.
	SourceContains string
}

// VulnerabilityFilter narrows a vulnerability listing.
type VulnerabilityFilter struct {
	Severity []string
	Status   []string
	AssetIDs []string
}

// ComplianceFilter narrows a compliance listing. Search is a case-insensitive
// substring of the control name.
type ComplianceFilter struct {
	Framework []string
	Status    []string
	RiskLevel []string
	Hostnames []string
	Search    string
}

// Agents persists agents. (user_id, name) and (user_id, agent_id) are unique.
type Agents interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, userID, agentID string) (*models.Agent, error)
	GetAgentByName(ctx context.Context, userID, name string) (*models.Agent, error)
	ListAgents(ctx context.Context, userID string) ([]models.Agent, error)
	PatchAgent(ctx context.Context, userID, agentID string, patch AgentPatch) (*models.Agent, error)
}

// Alerts persists alerts. Listings are newest first by timestamp.
type Alerts interface {
	InsertAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, userID, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, userID string, filter AlertFilter, page Page) ([]models.Alert, int64, error)
	ReplaceAlert(ctx context.Context, alert *models.Alert) error
	DeleteAlert(ctx context.Context, userID, id string) error
}

// Vulnerabilities persists vulnerabilities. Listings are sorted by CVSS score, highest first.
type Vulnerabilities interface {
	InsertVulnerability(ctx context.Context, v *models.Vulnerability) error
	ListVulnerabilities(ctx context.Context, userID string, filter VulnerabilityFilter, page Page) ([]models.Vulnerability, int64, error)
	UpdateVulnerabilityStatus(ctx context.Context, userID, id, status string, now time.Time) (*models.Vulnerability, error)
}

// Compliance persists compliance records. Listings are sorted by next check, soonest first.
type Compliance interface {
	UpsertCompliance(ctx context.Context, c *models.Compliance) (*models.Compliance, error)
	ListCompliance(ctx context.Context, userID string, filter ComplianceFilter, page Page) ([]models.Compliance, int64, error)
	UpdateComplianceStatus(ctx context.Context, userID, id, status string, now time.Time) (*models.Compliance, error)
}

// Preferences persists per-user settings.
type Preferences interface {
	GetPreferences(ctx context.Context, userID string) (*models.Preferences, error)
	SavePreferences(ctx context.Context, prefs *models.Preferences) error
}

// Insights persists generated AI insights.
type Insights interface {
	InsertInsight(ctx context.Context, insight *models.Insight) error
	// ListInsights returns insights expiring after now, newest first.
	ListInsights(ctx context.Context, userID string, now time.Time) ([]models.Insight, error)
}

// Store is the full persistence surface.
type Store interface {
	Agents
	Alerts
	Vulnerabilities
	Compliance
	Preferences
	Insights
}
