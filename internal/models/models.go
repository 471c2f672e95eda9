// Package models defines the persisted records of the SIEM backend and the
// enumerations they use.
package models

import (
	"strings"
	"time"

	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

// Agent statuses.
const (
	AgentRunning = "running"
	AgentStopped = "stopped"
)

// Severities. Warning and Info are legacy inputs, see NormalizeSeverity.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	legacyWarning = "warning"
	legacyInfo    = "info"
)

// Alert statuses.
const (
	AlertNew        = "new"
	AlertInProgress = "in_progress"
	AlertResolved   = "resolved"
	AlertDismissed  = "dismissed"
)

// Vulnerability statuses.
const (
	VulnOpen          = "open"
	VulnInProgress    = "in_progress"
	VulnResolved      = "resolved"
	VulnFalsePositive = "false_positive"
)

// Compliance frameworks, statuses and risk levels.
const (
	FrameworkISO27001 = "ISO27001"
	FrameworkSOC2     = "SOC2"
	FrameworkGDPR     = "GDPR"

	Compliant          = "compliant"
	NonCompliant       = "non_compliant"
	PartiallyCompliant = "partially_compliant"

	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

// Agent is a deployed telemetry collector owned by one user.
type Agent struct {
	AgentID     string                `json:"agentId" bson:"agent_id"`
	UserID      string                `json:"userId" bson:"user_id"`
	Name        string                `json:"name" bson:"name"`
	Status      string                `json:"status" bson:"status"`
	DeployedAt  time.Time             `json:"deployedAt" bson:"deployed_at"`
	LastActive  time.Time             `json:"lastActive" bson:"last_active"`
	SystemInfo  *telemetry.SystemInfo `json:"systemInfo,omitempty" bson:"system_info,omitempty"`
	OSQueryData *telemetry.Snapshot   `json:"osqueryData,omitempty" bson:"osquery_data,omitempty"`
	CreatedAt   time.Time             `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time             `json:"updatedAt" bson:"updated_at"`
}

// Hostname returns the reported hostname, or "" when no system info arrived yet.
func (a *Agent) Hostname() string {
	if a == nil || a.SystemInfo == nil {
		return ""
	}
	return a.SystemInfo.Hostname
}

// AssetName is the name findings attach to: hostname when known, else agent name.
func (a *Agent) AssetName() string {
	if h := a.Hostname(); h != "" {
		return h
	}
	return a.Name
}

// Alert is a security finding.
type Alert struct {
	ID             string     `json:"id" bson:"_id"`
	UserID         string     `json:"userId" bson:"user_id"`
	Title          string     `json:"title" bson:"title"`
	Description    string     `json:"description" bson:"description"`
	Severity       string     `json:"severity" bson:"severity"`
	Status         string     `json:"status" bson:"status"`
	Source         string     `json:"source" bson:"source"`
	SourceIP       string     `json:"sourceIp,omitempty" bson:"source_ip,omitempty"`
	Type           string     `json:"type,omitempty" bson:"type,omitempty"`
	SourceID       string     `json:"sourceId,omitempty" bson:"source_id,omitempty"`
	Timestamp      time.Time  `json:"timestamp" bson:"timestamp"`
	Tags           []string   `json:"tags" bson:"tags"`
	AffectedAssets []string   `json:"affectedAssets" bson:"affected_assets"`
	AssignedTo     string     `json:"assignedTo,omitempty" bson:"assigned_to,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty" bson:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty" bson:"resolved_by,omitempty"`
	Resolution     string     `json:"resolution,omitempty" bson:"resolution,omitempty"`
	CreatedAt      time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" bson:"updated_at"`
}

// Vulnerability is a weakness reported by a scan.
type Vulnerability struct {
	ID                string    `json:"id" bson:"_id"`
	UserID            string    `json:"userId" bson:"user_id"`
	Title             string    `json:"title" bson:"title"`
	Description       string    `json:"description" bson:"description"`
	Severity          string    `json:"severity" bson:"severity"`
	CVSSScore         float64   `json:"cvss_score" bson:"cvss_score"`
	CVEID             string    `json:"cve_id,omitempty" bson:"cve_id,omitempty"`
	AffectedComponent string    `json:"affected_component" bson:"affected_component"`
	AffectedVersions  []string  `json:"affected_versions,omitempty" bson:"affected_versions,omitempty"`
	Remediation       string    `json:"remediation,omitempty" bson:"remediation,omitempty"`
	DiscoveredAt      time.Time `json:"discovered_at" bson:"discovered_at"`
	Status            string    `json:"status" bson:"status"`
	ScanSource        string    `json:"scan_source" bson:"scan_source"`
	AssetID           string    `json:"asset_id" bson:"asset_id"`
	AssetType         string    `json:"asset_type" bson:"asset_type"`
	Tags              []string  `json:"tags,omitempty" bson:"tags,omitempty"`
	CreatedAt         time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" bson:"updated_at"`
}

// Compliance is the latest result of one control check on one host.
type Compliance struct {
	ID              string     `json:"id" bson:"_id"`
	UserID          string     `json:"userId" bson:"user_id"`
	Framework       string     `json:"framework" bson:"framework"`
	ControlID       string     `json:"control_id" bson:"control_id"`
	ControlName     string     `json:"control_name" bson:"control_name"`
	Description     string     `json:"description" bson:"description"`
	Status          string     `json:"status" bson:"status"`
	Evidence        string     `json:"evidence,omitempty" bson:"evidence,omitempty"`
	LastChecked     time.Time  `json:"last_checked" bson:"last_checked"`
	NextCheck       *time.Time `json:"next_check,omitempty" bson:"next_check,omitempty"`
	RiskLevel       string     `json:"risk_level" bson:"risk_level"`
	RemediationPlan string     `json:"remediation_plan,omitempty" bson:"remediation_plan,omitempty"`
	Comments        string     `json:"comments,omitempty" bson:"comments,omitempty"`
	Attachments     []string   `json:"attachments,omitempty" bson:"attachments,omitempty"`
	Tags            []string   `json:"tags,omitempty" bson:"tags,omitempty"`
	Hostname        string     `json:"hostname,omitempty" bson:"hostname,omitempty"`
	CreatedAt       time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" bson:"updated_at"`
}

// AgentAlertSummary is the per-agent alert view shared by the REST endpoint
// and the live channel.
type AgentAlertSummary struct {
	Total    int     `json:"total"`
	Critical int     `json:"critical"`
	Warning  int     `json:"warning"`
	Info     int     `json:"info"`
	Alerts   []Alert `json:"alerts"`
}

// AgentVulnerabilitySummary counts an agent's vulnerabilities by severity.
type AgentVulnerabilitySummary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// ComplianceCategory scores one framework for an agent.
type ComplianceCategory struct {
	Name   string `json:"name"`
	Total  int    `json:"total"`
	Passed int    `json:"passed"`
	Score  int    `json:"score"`
}

// AgentComplianceSummary scores an agent's compliance checks.
type AgentComplianceSummary struct {
	Score      int                  `json:"score"`
	Categories []ComplianceCategory `json:"categories"`
	Checks     []Compliance         `json:"checks"`
}

// NormalizeSeverity maps an input severity onto the canonical vocabulary.
// The legacy warning and info levels become medium and low.
func NormalizeSeverity(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SeverityLow, legacyInfo:
		return SeverityLow, true
	case SeverityMedium, legacyWarning:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// Bucket folds a severity into the critical/warning/info triple used by agent
// summaries.
func Bucket(severity string) string {
	switch severity {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh, SeverityMedium, legacyWarning:
		return legacyWarning
	default:
		return legacyInfo
	}
}

// ValidAlertStatus reports whether s is an alert status.
func ValidAlertStatus(s string) bool {
	switch s {
	case AlertNew, AlertInProgress, AlertResolved, AlertDismissed:
		return true
	}
	return false
}

// ValidAgentStatus reports whether s is an agent status.
func ValidAgentStatus(s string) bool {
	return s == AgentRunning || s == AgentStopped
}

// ValidVulnerabilityStatus reports whether s is a vulnerability status.
func ValidVulnerabilityStatus(s string) bool {
	switch s {
	case VulnOpen, VulnInProgress, VulnResolved, VulnFalsePositive:
		return true
	}
	return false
}

// ValidVulnerabilitySeverity accepts only the four canonical severities.
func ValidVulnerabilitySeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ValidFramework reports whether s is a supported compliance framework.
func ValidFramework(s string) bool {
	return s == FrameworkISO27001 || s == FrameworkSOC2 || s == FrameworkGDPR
}

// ValidComplianceStatus reports whether s is a compliance status.
func ValidComplianceStatus(s string) bool {
	return s == Compliant || s == NonCompliant || s == PartiallyCompliant
}

// ValidRiskLevel reports whether s is a risk level.
func ValidRiskLevel(s string) bool {
	return s == RiskHigh || s == RiskMedium || s == RiskLow
}
