// Package memstore is an in-process implementation of store.Store. It backs
// tests and single-node development runs (STORE_BACKEND=memory).
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/store"
)

// Store keeps every collection in maps guarded by one RWMutex.
type Store struct {
	mu          sync.RWMutex
	agents      map[string]*models.Agent // keyed by user id + agent id
	alerts      map[string]*models.Alert
	vulns       map[string]*models.Vulnerability
	compliance  map[string]*models.Compliance
	preferences map[string]*models.Preferences
	insights    map[string]*models.Insight
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		agents:      make(map[string]*models.Agent),
		alerts:      make(map[string]*models.Alert),
		vulns:       make(map[string]*models.Vulnerability),
		compliance:  make(map[string]*models.Compliance),
		preferences: make(map[string]*models.Preferences),
		insights:    make(map[string]*models.Insight),
	}
}

func agentKey(userID, agentID string) string { return userID + "\x00" + agentID }

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.UserID == agent.UserID && (a.Name == agent.Name || a.AgentID == agent.AgentID) {
			return fmt.Errorf("agent %q: %w", agent.Name, store.ErrDuplicate)
		}
	}
	cp := *agent
	s.agents[agentKey(agent.UserID, agent.AgentID)] = &cp
	return nil
}

// GetAgent returns the user's agent by id.
func (s *Store) GetAgent(_ context.Context, userID, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentKey(userID, agentID)]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// GetAgentByName returns the user's agent by name.
func (s *Store) GetAgentByName(_ context.Context, userID, name string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.UserID == userID && a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("agent %q: %w", name, store.ErrNotFound)
}

// ListAgents returns the user's agents, most recently deployed first.
func (s *Store) ListAgents(_ context.Context, userID string) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Agent, 0)
	for _, a := range s.agents {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeployedAt.After(out[j].DeployedAt) })
	return out, nil
}

// PatchAgent applies the non-nil fields of patch and returns the result.
func (s *Store) PatchAgent(_ context.Context, userID, agentID string, patch store.AgentPatch) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentKey(userID, agentID)]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	if patch.Status != nil {
		a.Status = *patch.Status
	}
	if patch.SystemInfo != nil {
		info := *patch.SystemInfo
		a.SystemInfo = &info
	}
	if patch.LastActive != nil {
		a.LastActive = *patch.LastActive
	}
	if patch.OSQueryData != nil {
		snap := *patch.OSQueryData
		a.OSQueryData = &snap
	}
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	return &cp, nil
}

func cloneAlert(a *models.Alert) *models.Alert {
	cp := *a
	cp.Tags = slices.Clone(a.Tags)
	cp.AffectedAssets = slices.Clone(a.AffectedAssets)
	return &cp
}

// InsertAlert stores a new alert.
func (s *Store) InsertAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; ok {
		return fmt.Errorf("alert %s: %w", alert.ID, store.ErrDuplicate)
	}
	s.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

// GetAlert returns the user's alert by id.
func (s *Store) GetAlert(_ context.Context, userID, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok || a.UserID != userID {
		return nil, fmt.Errorf("alert %s: %w", id, store.ErrNotFound)
	}
	return cloneAlert(a), nil
}

func matchAlert(a *models.Alert, f store.AlertFilter) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Since != nil && a.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && a.Timestamp.After(*f.Until) {
		return false
	}
	if len(f.SourceIn) > 0 && !slices.Contains(f.SourceIn, a.Source) {
		return false
	}
	if f.SourceContains != "" && !strings.Contains(strings.ToLower(a.Source), strings.ToLower(f.SourceContains)) {
		return false
	}
	return true
}

// ListAlerts returns a page of the user's matching alerts, newest first, and the total match count.
func (s *Store) ListAlerts(_ context.Context, userID string, filter store.AlertFilter, page store.Page) ([]models.Alert, int64, error) {
	s.mu.RLock()
	var matched []models.Alert
	for _, a := range s.alerts {
		if a.UserID == userID && matchAlert(a, filter) {
			matched = append(matched, *cloneAlert(a))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return paginate(matched, page), int64(len(matched)), nil
}

// ReplaceAlert overwrites an existing alert.
func (s *Store) ReplaceAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[alert.ID]
	if !ok || cur.UserID != alert.UserID {
		return fmt.Errorf("alert %s: %w", alert.ID, store.ErrNotFound)
	}
	s.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

// DeleteAlert removes the user's alert.
func (s *Store) DeleteAlert(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.UserID != userID {
		return fmt.Errorf("alert %s: %w", id, store.ErrNotFound)
	}
	delete(s.alerts, id)
	return nil
}

// InsertVulnerability stores a new vulnerability.
func (s *Store) InsertVulnerability(_ context.Context, v *models.Vulnerability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vulns[v.ID]; ok {
		return fmt.Errorf("vulnerability %s: %w", v.ID, store.ErrDuplicate)
	}
	cp := *v
	cp.Tags = slices.Clone(v.Tags)
	cp.AffectedVersions = slices.Clone(v.AffectedVersions)
	s.vulns[v.ID] = &cp
	return nil
}

func inOrEmpty(set []string, v string) bool {
	return len(set) == 0 || slices.Contains(set, v)
}

// ListVulnerabilities returns a page of matching vulnerabilities by CVSS score, highest first.
func (s *Store) ListVulnerabilities(_ context.Context, userID string, filter store.VulnerabilityFilter, page store.Page) ([]models.Vulnerability, int64, error) {
	s.mu.RLock()
	var matched []models.Vulnerability
	for _, v := range s.vulns {
		if v.UserID != userID {
			continue
		}
		if inOrEmpty(filter.Severity, v.Severity) && inOrEmpty(filter.Status, v.Status) && inOrEmpty(filter.AssetIDs, v.AssetID) {
			matched = append(matched, *v)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CVSSScore == matched[j].CVSSScore {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CVSSScore > matched[j].CVSSScore
	})
	return paginate(matched, page), int64(len(matched)), nil
}

// UpdateVulnerabilityStatus sets the status of the user's vulnerability.
func (s *Store) UpdateVulnerabilityStatus(_ context.Context, userID, id, status string, now time.Time) (*models.Vulnerability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vulns[id]
	if !ok || v.UserID != userID {
		return nil, fmt.Errorf("vulnerability %s: %w", id, store.ErrNotFound)
	}
	v.Status = status
	v.UpdatedAt = now
	cp := *v
	return &cp, nil
}

func complianceKey(c *models.Compliance) string {
	return strings.Join([]string{c.UserID, c.Framework, c.ControlID, c.Hostname}, "\x00")
}

// UpsertCompliance inserts or replaces the record keyed by
// (user, framework, control, hostname). The existing id and creation time are kept.
func (s *Store) UpsertCompliance(_ context.Context, c *models.Compliance) (*models.Compliance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := complianceKey(c)
	cp := *c
	for _, cur := range s.compliance {
		if complianceKey(cur) == key {
			cp.ID = cur.ID
			cp.CreatedAt = cur.CreatedAt
			break
		}
	}
	s.compliance[cp.ID] = &cp
	out := cp
	return &out, nil
}

// ListCompliance returns a page of matching records by next check, soonest first.
// Records without a next check sort first.
func (s *Store) ListCompliance(_ context.Context, userID string, filter store.ComplianceFilter, page store.Page) ([]models.Compliance, int64, error) {
	search := strings.ToLower(filter.Search)
	s.mu.RLock()
	var matched []models.Compliance
	for _, c := range s.compliance {
		if c.UserID != userID {
			continue
		}
		if !inOrEmpty(filter.Framework, c.Framework) || !inOrEmpty(filter.Status, c.Status) ||
			!inOrEmpty(filter.RiskLevel, c.RiskLevel) || !inOrEmpty(filter.Hostnames, c.Hostname) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(c.ControlName), search) {
			continue
		}
		matched = append(matched, *c)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].NextCheck, matched[j].NextCheck
		switch {
		case a == nil && b == nil:
			return matched[i].ID < matched[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return matched[i].ID < matched[j].ID
		}
		return a.Before(*b)
	})
	return paginate(matched, page), int64(len(matched)), nil
}

// UpdateComplianceStatus sets the status of the user's compliance record and stamps last_checked.
func (s *Store) UpdateComplianceStatus(_ context.Context, userID, id, status string, now time.Time) (*models.Compliance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.compliance[id]
	if !ok || c.UserID != userID {
		return nil, fmt.Errorf("compliance %s: %w", id, store.ErrNotFound)
	}
	c.Status = status
	c.LastChecked = now
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

// GetPreferences returns the user's stored preferences.
func (s *Store) GetPreferences(_ context.Context, userID string) (*models.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.preferences[userID]
	if !ok {
		return nil, fmt.Errorf("preferences %s: %w", userID, store.ErrNotFound)
	}
	cp := *p
	cp.Notifications.Channels = slices.Clone(p.Notifications.Channels)
	return &cp, nil
}

// SavePreferences upserts the user's preferences.
func (s *Store) SavePreferences(_ context.Context, prefs *models.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *prefs
	cp.Notifications.Channels = slices.Clone(prefs.Notifications.Channels)
	s.preferences[prefs.UserID] = &cp
	return nil
}

// InsertInsight stores a generated insight.
func (s *Store) InsertInsight(_ context.Context, insight *models.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *insight
	s.insights[insight.ID] = &cp
	return nil
}

// ListInsights returns the user's unexpired insights, newest first.
func (s *Store) ListInsights(_ context.Context, userID string, now time.Time) ([]models.Insight, error) {
	s.mu.RLock()
	out := make([]models.Insight, 0)
	for _, in := range s.insights {
		if in.UserID == userID && in.ExpiresAt.After(now) {
			out = append(out, *in)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].GeneratedAt.After(out[j].GeneratedAt) })
	return out, nil
}

func paginate[T any](items []T, page store.Page) []T {
	if items == nil {
		items = []T{}
	}
	start := page.Skip
	if start < 0 {
		start = 0
	}
	if start >= int64(len(items)) {
		return []T{}
	}
	end := int64(len(items))
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}
	return items[start:end]
}
