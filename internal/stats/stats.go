// Package stats aggregates alert, vulnerability and compliance records into
// dashboard summaries. All functions are pure and single-pass over their input.
package stats

import (
	"sort"
	"time"

	"github.com/invisible-tech/sentinel-siem/internal/models"
)

const (
	topAssetsLimit         = 5
	upcomingDeadlinesLimit = 5
)

// AlertStats groups alerts by severity and status.
type AlertStats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity"`
	ByStatus   map[string]int `json:"byStatus"`
}

// Alerts counts alerts by severity and by status.
func Alerts(alerts []models.Alert) AlertStats {
	out := AlertStats{
		Total:      len(alerts),
		BySeverity: make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	for _, a := range alerts {
		out.BySeverity[a.Severity]++
		out.ByStatus[a.Status]++
	}
	return out
}

// AssetCount is one entry of the most affected assets.
type AssetCount struct {
	AssetID  string `json:"_id"`
	Count    int    `json:"count"`
	Critical int    `json:"critical"`
}

// VulnerabilityStats summarizes vulnerabilities.
type VulnerabilityStats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity"`
	ByStatus   map[string]int `json:"byStatus"`
	TopAssets  []AssetCount   `json:"topAssets"`
}

// Vulnerabilities counts vulnerabilities by severity and status and ranks the
// five most affected assets by critical count, then total count, then asset id.
func Vulnerabilities(vulns []models.Vulnerability) VulnerabilityStats {
	out := VulnerabilityStats{
		Total:      len(vulns),
		BySeverity: make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	assets := make(map[string]*AssetCount)
	for _, v := range vulns {
		out.BySeverity[v.Severity]++
		out.ByStatus[v.Status]++
		ac, ok := assets[v.AssetID]
		if !ok {
			ac = &AssetCount{AssetID: v.AssetID}
			assets[v.AssetID] = ac
		}
		ac.Count++
		if v.Severity == models.SeverityCritical {
			ac.Critical++
		}
	}

	top := make([]AssetCount, 0, len(assets))
	for _, ac := range assets {
		top = append(top, *ac)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Critical != top[j].Critical {
			return top[i].Critical > top[j].Critical
		}
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].AssetID < top[j].AssetID
	})
	if len(top) > topAssetsLimit {
		top = top[:topAssetsLimit]
	}
	out.TopAssets = top
	return out
}

// FrameworkCounts summarizes one compliance framework.
type FrameworkCounts struct {
	Total        int `json:"total"`
	Compliant    int `json:"compliant"`
	Partial      int `json:"partial"`
	NonCompliant int `json:"nonCompliant"`
}

// Deadline is an upcoming check on a control that is not yet compliant.
type Deadline struct {
	ID          string    `json:"id"`
	Framework   string    `json:"framework"`
	ControlID   string    `json:"control_id"`
	ControlName string    `json:"control_name"`
	Status      string    `json:"status"`
	RiskLevel   string    `json:"risk_level"`
	Hostname    string    `json:"hostname,omitempty"`
	NextCheck   time.Time `json:"next_check"`
}

// ComplianceStats summarizes compliance records.
type ComplianceStats struct {
	ByFramework       map[string]FrameworkCounts `json:"byFramework"`
	ByRiskLevel       map[string]int             `json:"byRiskLevel"`
	UpcomingDeadlines []Deadline                 `json:"upcomingDeadlines"`
}

// Compliance groups records by framework and risk level and lists the five
// soonest checks at or after now on controls that are not compliant.
func Compliance(records []models.Compliance, now time.Time) ComplianceStats {
	out := ComplianceStats{
		ByFramework: make(map[string]FrameworkCounts),
		ByRiskLevel: make(map[string]int),
	}
	upcoming := make([]Deadline, 0)
	for _, c := range records {
		fc := out.ByFramework[c.Framework]
		fc.Total++
		switch c.Status {
		case models.Compliant:
			fc.Compliant++
		case models.PartiallyCompliant:
			fc.Partial++
		case models.NonCompliant:
			fc.NonCompliant++
		}
		out.ByFramework[c.Framework] = fc
		out.ByRiskLevel[c.RiskLevel]++

		if c.Status != models.Compliant && c.NextCheck != nil && !c.NextCheck.Before(now) {
			upcoming = append(upcoming, Deadline{
				ID:          c.ID,
				Framework:   c.Framework,
				ControlID:   c.ControlID,
				ControlName: c.ControlName,
				Status:      c.Status,
				RiskLevel:   c.RiskLevel,
				Hostname:    c.Hostname,
				NextCheck:   *c.NextCheck,
			})
		}
	}
	sort.SliceStable(upcoming, func(i, j int) bool { return upcoming[i].NextCheck.Before(upcoming[j].NextCheck) })
	if len(upcoming) > upcomingDeadlinesLimit {
		upcoming = upcoming[:upcomingDeadlinesLimit]
	}
	out.UpcomingDeadlines = upcoming
	return out
}

// AgentAlerts buckets alerts into the critical/warning/info summary.
// The summary carries the alerts it was computed over.
func AgentAlerts(alerts []models.Alert) models.AgentAlertSummary {
	out := models.AgentAlertSummary{Total: len(alerts), Alerts: alerts}
	if out.Alerts == nil {
		out.Alerts = []models.Alert{}
	}
	for _, a := range alerts {
		switch models.Bucket(a.Severity) {
		case models.SeverityCritical:
			out.Critical++
		case "warning":
			out.Warning++
		default:
			out.Info++
		}
	}
	return out
}

// AgentVulnerabilities counts vulnerabilities by severity.
func AgentVulnerabilities(vulns []models.Vulnerability) models.AgentVulnerabilitySummary {
	out := models.AgentVulnerabilitySummary{Total: len(vulns)}
	for _, v := range vulns {
		switch v.Severity {
		case models.SeverityCritical:
			out.Critical++
		case models.SeverityHigh:
			out.High++
		case models.SeverityMedium:
			out.Medium++
		case models.SeverityLow:
			out.Low++
		}
	}
	return out
}

// AgentCompliance scores checks per framework. A partially compliant check
// counts as half a pass; scores are whole percentages.
func AgentCompliance(checks []models.Compliance) models.AgentComplianceSummary {
	out := models.AgentComplianceSummary{Checks: checks, Categories: []models.ComplianceCategory{}}
	if out.Checks == nil {
		out.Checks = []models.Compliance{}
	}
	type acc struct {
		total  int
		passed int
		points float64
	}
	byFramework := make(map[string]*acc)
	var order []string
	var totalPoints float64
	for _, c := range checks {
		a, ok := byFramework[c.Framework]
		if !ok {
			a = &acc{}
			byFramework[c.Framework] = a
			order = append(order, c.Framework)
		}
		a.total++
		switch c.Status {
		case models.Compliant:
			a.passed++
			a.points++
			totalPoints++
		case models.PartiallyCompliant:
			a.points += 0.5
			totalPoints += 0.5
		}
	}
	sort.Strings(order)
	for _, name := range order {
		a := byFramework[name]
		out.Categories = append(out.Categories, models.ComplianceCategory{
			Name:   name,
			Total:  a.total,
			Passed: a.passed,
			Score:  percent(a.points, a.total),
		})
	}
	out.Score = percent(totalPoints, len(checks))
	return out
}

func percent(points float64, total int) int {
	if total == 0 {
		return 0
	}
	return int(points*100/float64(total) + 0.5)
}
