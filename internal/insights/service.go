// Package insights generates AI analyses of a user's agents and alerts and
// caches them until they expire.
package insights

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
	"github.com/invisible-tech/sentinel-siem/internal/store"
)

const (
	// recentAlerts is how many of the newest alerts feed the prompts.
	recentAlerts = 100
	// recentIncidents is how many of those are quoted in the posture prompt.
	recentIncidents = 10
)

// Completer turns a prompt into text using the named provider.
type Completer interface {
	Complete(ctx context.Context, provider, apiKey, prompt string) (string, error)
}

// Store is the persistence the service needs.
type Store interface {
	store.Agents
	store.Alerts
	store.Preferences
	store.Insights
}

// Service generates and lists insights.
type Service struct {
	store Store
	ai    Completer
	ttl   time.Duration
	log   *logrus.Logger
	now   func() time.Time
}

// New creates a Service. ttl is how long generated insights stay cached.
func New(st Store, ai Completer, ttl time.Duration, log *logrus.Logger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{store: st, ai: ai, ttl: ttl, log: log, now: time.Now}
}

// ValidProvider reports whether p names a supported AI provider.
func ValidProvider(p string) bool {
	return p == models.ProviderOpenAI || p == models.ProviderAnthropic
}

// Generate returns the user's cached insights, or produces a fresh set when
// none are left. It needs an AI provider and key in the user's settings.
func (s *Service) Generate(ctx context.Context, userID string) ([]models.Insight, error) {
	prefs, err := s.store.GetPreferences(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apierrors.Internal("failed to load settings", err)
	}
	if !prefs.HasAIKey() || !ValidProvider(prefs.AIProvider) {
		return nil, apierrors.Validation("AI API key not configured")
	}

	now := s.now()
	cached, err := s.store.ListInsights(ctx, userID, now)
	if err != nil {
		return nil, apierrors.Internal("failed to load insights", err)
	}
	if len(cached) > 0 {
		return cached, nil
	}

	prompts, err := s.prompts(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Insight, 0, len(models.InsightTypes))
	for _, typ := range models.InsightTypes {
		content, err := s.ai.Complete(ctx, prefs.AIProvider, prefs.AIAPIKey, prompts[typ])
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"user_id":  userID,
				"provider": prefs.AIProvider,
				"type":     typ,
			}).Error("AI insight generation failed")
			return nil, apierrors.Internal("Error generating AI insights", err)
		}
		out = append(out, models.Insight{
			ID:          uuid.NewString(),
			UserID:      userID,
			Type:        typ,
			Content:     content,
			GeneratedAt: now,
			ExpiresAt:   now.Add(s.ttl),
		})
	}

	// Nothing is stored unless every type was generated.
	for i := range out {
		if err := s.store.InsertInsight(ctx, &out[i]); err != nil {
			return nil, apierrors.Internal("failed to store insights", err)
		}
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "provider": prefs.AIProvider}).Info("AI insights generated")
	return out, nil
}

// List returns the user's unexpired insights, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]models.Insight, error) {
	out, err := s.store.ListInsights(ctx, userID, s.now())
	if err != nil {
		return nil, apierrors.Internal("failed to load insights", err)
	}
	return out, nil
}

// UpdateSettings stores the user's AI provider and key.
func (s *Service) UpdateSettings(ctx context.Context, userID, provider, apiKey string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !ValidProvider(provider) {
		return apierrors.Validation("provider must be one of: openai, anthropic")
	}
	if strings.TrimSpace(apiKey) == "" {
		return apierrors.Validation("apiKey is required")
	}

	prefs, err := s.store.GetPreferences(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d := models.DefaultPreferences(userID)
		d.CreatedAt = s.now()
		prefs = &d
	case err != nil:
		return apierrors.Internal("failed to load settings", err)
	}
	prefs.AIProvider = provider
	prefs.AIAPIKey = apiKey
	prefs.UpdatedAt = s.now()
	if err := s.store.SavePreferences(ctx, prefs); err != nil {
		return apierrors.Internal("failed to save settings", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "provider": provider}).Info("AI settings updated")
	return nil
}

type agentMetric struct {
	Name   string  `json:"name"`
	Status string  `json:"status"`
	Health float64 `json:"health"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

type incident struct {
	Title     string    `json:"title"`
	Severity  string    `json:"severity"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// health scores a host from its resource pressure: 100 at idle, 0 when CPU
// and memory are both saturated. Agents without system info score 0.
func health(a *models.Agent) float64 {
	if a.SystemInfo == nil {
		return 0
	}
	h := 100 - (a.SystemInfo.CPUUsage+a.SystemInfo.MemoryPercent)/2
	switch {
	case h < 0:
		return 0
	case h > 100:
		return 100
	}
	return h
}

func (s *Service) prompts(ctx context.Context, userID string) (map[string]string, error) {
	agents, err := s.store.ListAgents(ctx, userID)
	if err != nil {
		return nil, apierrors.Internal("failed to load agents", err)
	}
	alerts, _, err := s.store.ListAlerts(ctx, userID, store.AlertFilter{}, store.Page{Limit: recentAlerts})
	if err != nil {
		return nil, apierrors.Internal("failed to load alerts", err)
	}

	var active int
	var healthSum float64
	metrics := make([]agentMetric, 0, len(agents))
	for i := range agents {
		a := &agents[i]
		if a.Status == models.AgentRunning {
			active++
		}
		m := agentMetric{Name: a.Name, Status: a.Status, Health: health(a)}
		if a.SystemInfo != nil {
			m.CPU = a.SystemInfo.CPUUsage
			m.Memory = a.SystemInfo.MemoryPercent
		}
		healthSum += m.Health
		metrics = append(metrics, m)
	}
	var avgHealth float64
	if len(agents) > 0 {
		avgHealth = healthSum / float64(len(agents))
	}

	var critical int
	events := make([]incident, 0, len(alerts))
	for _, a := range alerts {
		if a.Severity == models.SeverityCritical {
			critical++
		}
		events = append(events, incident{Title: a.Title, Severity: a.Severity, Source: a.Source, Status: a.Status, Timestamp: a.Timestamp})
	}
	incidents := events
	if len(incidents) > recentIncidents {
		incidents = incidents[:recentIncidents]
	}

	return map[string]string{
		models.InsightSecurityPosture: fmt.Sprintf(`Analyze this security data and provide insights:
Active Agents: %d
System Health: %.0f%%
Critical Alerts: %d
Recent Incidents: %s

Provide:
1. Overall security status
2. Key risks and vulnerabilities
3. Specific recommendations for improvement
4. Trends and patterns in the data`, active, avgHealth, critical, mustJSON(incidents)),
		models.InsightAgentPerformance: fmt.Sprintf(`Analyze this agent performance data:
%s

Provide:
1. Agent health and efficiency
2. Resource utilization patterns
3. Optimization recommendations
4. Potential bottlenecks or issues`, mustJSON(metrics)),
		models.InsightThreatAnalysis: fmt.Sprintf(`Analyze these security events and alerts:
%s

Provide:
1. Threat patterns and trends
2. Risk assessment
3. Recommended security measures
4. Potential attack vectors to monitor`, mustJSON(events)),
	}, nil
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}
