// Package agents implements agent deployment, status tracking and the
// telemetry ingestion pipeline: validate a snapshot, store it, run detection
// and persist the resulting alerts.
package agents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/apierrors"
	"github.com/invisible-tech/sentinel-siem/internal/dedup"
	"github.com/invisible-tech/sentinel-siem/internal/detection"
	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/internal/stats"
	"github.com/invisible-tech/sentinel-siem/internal/store"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

// liveWindow caps the alerts returned to live subscribers.
const liveWindow = 100

// Prometheus metrics (registered once).
var (
	snapshotsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_telemetry_snapshots_total",
			Help: "Telemetry snapshots received, by result",
		},
		[]string{"result"},
	)
	alertsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_alerts_generated_total",
			Help: "Alerts synthesized from telemetry",
		},
		[]string{"rule", "severity"},
	)
	entriesQuarantined = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siem_telemetry_quarantined_total",
			Help: "Telemetry entries dropped by validation",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(snapshotsReceived)
	prometheus.MustRegister(alertsGenerated)
	prometheus.MustRegister(entriesQuarantined)
}

// TokenIssuer signs agent credentials.
type TokenIssuer interface {
	IssueAgentToken(userID, agentID string) (string, error)
}

// DeployResult is a deployed agent plus the credential it reports with.
type DeployResult struct {
	models.Agent
	AgentToken string `json:"agentToken"`
}

// StatusUpdate sets the non-nil fields of an agent.
type StatusUpdate struct {
	Status     *string               `json:"status"`
	SystemInfo *telemetry.SystemInfo `json:"systemInfo"`
	LastActive *time.Time            `json:"lastActive"`
}

// IngestResult reports what a telemetry snapshot produced.
type IngestResult struct {
	Alerts      int                   `json:"alerts"`
	Suppressed  int                   `json:"suppressed"`
	Quarantined []telemetry.Rejection `json:"quarantined"`
}

// Service owns the agent lifecycle and telemetry ingestion.
type Service struct {
	store  store.Store
	engine *detection.Engine
	dedup  dedup.Deduper
	tokens TokenIssuer
	log    *logrus.Logger
	now    func() time.Time
}

// New creates a Service. A nil deduper disables suppression.
func New(st store.Store, engine *detection.Engine, dd dedup.Deduper, tokens TokenIssuer, log *logrus.Logger) *Service {
	if dd == nil {
		dd = dedup.Noop{}
	}
	return &Service{store: st, engine: engine, dedup: dd, tokens: tokens, log: log, now: time.Now}
}

func storeError(err error, notFound string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierrors.NotFound(notFound)
	}
	return apierrors.Internal("store operation failed", err)
}

// Deploy registers an agent by name, or brings an existing stopped one back
// to running. A running agent is returned unchanged.
func (s *Service) Deploy(ctx context.Context, userID, name string) (*DeployResult, error) {
	name = strings.TrimSpace(name)
	if userID == "" {
		return nil, apierrors.Validation("User ID is required")
	}
	if name == "" {
		return nil, apierrors.Validation("Agent name is required")
	}

	agent, err := s.store.GetAgentByName(ctx, userID, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		agent, err = s.create(ctx, userID, name)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, storeError(err, "Agent not found")
	case agent.Status == models.AgentStopped:
		now := s.now().UTC()
		running := models.AgentRunning
		agent, err = s.store.PatchAgent(ctx, userID, agent.AgentID, store.AgentPatch{Status: &running, LastActive: &now})
		if err != nil {
			return nil, storeError(err, "Agent not found")
		}
		s.log.WithFields(logrus.Fields{"agent_id": agent.AgentID, "name": name}).Info("Agent restarted")
	}

	token, err := s.tokens.IssueAgentToken(userID, agent.AgentID)
	if err != nil {
		return nil, apierrors.Internal("issue agent token", err)
	}
	return &DeployResult{Agent: *agent, AgentToken: token}, nil
}

func (s *Service) create(ctx context.Context, userID, name string) (*models.Agent, error) {
	now := s.now().UTC()
	agent := &models.Agent{
		AgentID:    uuid.NewString(),
		UserID:     userID,
		Name:       name,
		Status:     models.AgentRunning,
		DeployedAt: now,
		LastActive: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.store.CreateAgent(ctx, agent)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a concurrent deploy of the same name; the winner is the agent.
		winner, gerr := s.store.GetAgentByName(ctx, userID, name)
		if gerr != nil {
			return nil, storeError(gerr, "Agent not found")
		}
		return winner, nil
	}
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	s.log.WithFields(logrus.Fields{"agent_id": agent.AgentID, "user_id": userID, "name": name}).Info("Agent deployed")
	return agent, nil
}

// List returns the user's agents, most recently deployed first.
func (s *Service) List(ctx context.Context, userID string) ([]models.Agent, error) {
	agents, err := s.store.ListAgents(ctx, userID)
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	return agents, nil
}

// Get returns one agent.
func (s *Service) Get(ctx context.Context, userID, agentID string) (*models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, userID, agentID)
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	return agent, nil
}

// Status returns an agent's status.
func (s *Service) Status(ctx context.Context, userID, agentID string) (string, error) {
	agent, err := s.Get(ctx, userID, agentID)
	if err != nil {
		return "", err
	}
	return agent.Status, nil
}

// UpdateStatus applies a heartbeat or status change. LastActive defaults to now.
func (s *Service) UpdateStatus(ctx context.Context, userID, agentID string, upd StatusUpdate) (*models.Agent, error) {
	if upd.Status != nil && !models.ValidAgentStatus(*upd.Status) {
		return nil, apierrors.Validation("Invalid agent status")
	}
	lastActive := s.now().UTC()
	if upd.LastActive != nil && !upd.LastActive.IsZero() {
		lastActive = upd.LastActive.UTC()
	}
	agent, err := s.store.PatchAgent(ctx, userID, agentID, store.AgentPatch{
		Status:     upd.Status,
		SystemInfo: upd.SystemInfo,
		LastActive: &lastActive,
	})
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	return agent, nil
}

// Stop marks an agent stopped.
func (s *Service) Stop(ctx context.Context, userID, agentID string) (*models.Agent, error) {
	stopped := models.AgentStopped
	agent, err := s.store.PatchAgent(ctx, userID, agentID, store.AgentPatch{Status: &stopped})
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	s.log.WithField("agent_id", agentID).Info("Agent stopped")
	return agent, nil
}

// IngestTelemetry stores a snapshot as the agent's latest telemetry and
// raises alerts for every suspicious entry. Malformed entries are quarantined
// and reported; a failed alert write is logged and does not fail the request.
func (s *Service) IngestTelemetry(ctx context.Context, userID, agentID string, body []byte) (*IngestResult, error) {
	agent, err := s.store.GetAgent(ctx, userID, agentID)
	if err != nil {
		snapshotsReceived.WithLabelValues("rejected").Inc()
		return nil, storeError(err, "Agent not found")
	}

	snap, rejected, err := telemetry.ParseSnapshot(body)
	if err != nil {
		snapshotsReceived.WithLabelValues("invalid").Inc()
		return nil, apierrors.Validation("Invalid telemetry payload")
	}
	log := s.log.WithFields(logrus.Fields{"agent_id": agentID, "user_id": userID})
	for _, r := range rejected {
		entriesQuarantined.WithLabelValues(r.Kind).Inc()
		log.WithFields(logrus.Fields{"kind": r.Kind, "index": r.Index, "reason": r.Reason}).Warn("Telemetry entry quarantined")
	}

	now := s.now().UTC()
	snap.ReceivedAt = now
	if _, err := s.store.PatchAgent(ctx, userID, agentID, store.AgentPatch{OSQueryData: snap, LastActive: &now}); err != nil {
		snapshotsReceived.WithLabelValues("error").Inc()
		return nil, storeError(err, "Agent not found")
	}

	var detections []detection.Detection
	for i := range snap.Processes {
		detections = append(detections, s.engine.EvaluateProcess(agent, &snap.Processes[i])...)
	}
	for i := range snap.Network {
		detections = append(detections, s.engine.EvaluateNetwork(agent, &snap.Network[i])...)
	}

	res := &IngestResult{Quarantined: rejected}
	if res.Quarantined == nil {
		res.Quarantined = []telemetry.Rejection{}
	}
	for i := range detections {
		d := &detections[i]
		first, err := s.dedup.FirstSeen(ctx, dedup.Key(agentID, d.RuleID, d.Fingerprint))
		if err != nil {
			log.WithError(err).Warn("Alert dedup check failed, raising alert")
		}
		if !first {
			res.Suppressed++
			continue
		}
		if err := s.store.InsertAlert(ctx, &d.Alert); err != nil {
			log.WithError(err).WithField("rule_id", d.RuleID).Error("Failed to store alert")
			continue
		}
		res.Alerts++
		alertsGenerated.WithLabelValues(d.RuleID, d.Alert.Severity).Inc()
		log.WithFields(logrus.Fields{
			"alert_id": d.Alert.ID, "rule_id": d.RuleID, "severity": d.Alert.Severity, "title": d.Alert.Title,
		}).Warn("SECURITY ALERT")
	}

	result := "ok"
	if len(rejected) > 0 {
		result = "partial"
	}
	snapshotsReceived.WithLabelValues(result).Inc()
	log.WithFields(logrus.Fields{
		"processes": len(snap.Processes), "network": len(snap.Network),
		"alerts": res.Alerts, "suppressed": res.Suppressed, "quarantined": len(rejected),
	}).Debug("Telemetry ingested")
	return res, nil
}

// AgentAlerts summarizes alerts whose source contains the agent's name,
// newest first.
func (s *Service) AgentAlerts(ctx context.Context, userID, agentID string) (*models.AgentAlertSummary, error) {
	agent, err := s.Get(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	alerts, _, err := s.store.ListAlerts(ctx, userID, store.AlertFilter{SourceContains: agent.Name}, store.Page{})
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	sum := stats.AgentAlerts(alerts)
	return &sum, nil
}

// LiveSummary is the live channel lookup: the newest alerts whose source is
// exactly the agent name or hostname, in either original or upper case.
func (s *Service) LiveSummary(ctx context.Context, userID, agentName string) (*models.AgentAlertSummary, error) {
	agent, err := s.store.GetAgentByName(ctx, userID, agentName)
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	alerts, _, err := s.store.ListAlerts(ctx, userID,
		store.AlertFilter{SourceIn: sourceVariants(agentName, agent.Hostname())},
		store.Page{Limit: liveWindow})
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	sum := stats.AgentAlerts(alerts)
	return &sum, nil
}

func sourceVariants(names ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		for _, v := range []string{n, strings.ToUpper(n)} {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func (s *Service) assetNames(ctx context.Context, userID, agentID string) ([]string, error) {
	agent, err := s.Get(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	names := []string{agent.Name}
	if h := agent.Hostname(); h != "" && h != agent.Name {
		names = append(names, h)
	}
	return names, nil
}

// AgentVulnerabilities counts vulnerabilities on the agent's host by severity.
func (s *Service) AgentVulnerabilities(ctx context.Context, userID, agentID string) (*models.AgentVulnerabilitySummary, error) {
	assets, err := s.assetNames(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	vulns, _, err := s.store.ListVulnerabilities(ctx, userID, store.VulnerabilityFilter{AssetIDs: assets}, store.Page{})
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	sum := stats.AgentVulnerabilities(vulns)
	return &sum, nil
}

// AgentCompliance scores the compliance checks recorded for the agent's host.
func (s *Service) AgentCompliance(ctx context.Context, userID, agentID string) (*models.AgentComplianceSummary, error) {
	hosts, err := s.assetNames(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	checks, _, err := s.store.ListCompliance(ctx, userID, store.ComplianceFilter{Hostnames: hosts}, store.Page{})
	if err != nil {
		return nil, storeError(err, "Agent not found")
	}
	sum := stats.AgentCompliance(checks)
	return &sum, nil
}
