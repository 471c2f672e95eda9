// Package detection provides the detection rules engine that turns agent
// telemetry entries into alerts.
package detection

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/sentinel-siem/internal/config"
	"github.com/invisible-tech/sentinel-siem/internal/models"
	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

// Alert types.
const (
	TypeProcess = "process"
	TypeNetwork = "network"
)

// Built-in rule IDs.
const (
	RuleSuspiciousProcess = "SIEM-PROC-001"
	RuleSuspiciousPort    = "SIEM-NET-001"
)

// Event is one telemetry entry under evaluation. Exactly one field is set.
type Event struct {
	Process *telemetry.ProcessEntry
	Network *telemetry.NetworkEntry
}

// Params are the tunable inputs of the built-in rules.
type Params struct {
	Ports       sets.Set[int]
	PathMarkers []string
	Disabled    sets.Set[string]
}

// NewParams compiles rule parameters from config.
func NewParams(cfg config.RulesConfig) *Params {
	markers := make([]string, 0, len(cfg.PathMarkers))
	for _, m := range cfg.PathMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	return &Params{
		Ports:       sets.New[int](cfg.SuspiciousPorts...),
		PathMarkers: markers,
		Disabled:    sets.New[string](cfg.Disabled...),
	}
}

// Rule defines a detection rule: condition and metadata.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    string
	Type        string
	MitreTactic string
	MitreID     string
	Condition   func(event *Event, params *Params) bool
	// Describe renders the alert description for a matching event.
	Describe func(event *Event) string
}

// Detection is a rule hit with the alert it produced.
type Detection struct {
	RuleID      string
	Fingerprint string
	Alert       models.Alert
}

// Engine evaluates telemetry entries against rules and produces alerts.
type Engine struct {
	log    *logrus.Logger
	rules  []*Rule
	params atomic.Pointer[Params]
	sigma  atomic.Pointer[SigmaSet]
	now    func() time.Time
}

// NewEngine creates a detection engine with the built-in rule set and default parameters.
func NewEngine(log *logrus.Logger) *Engine {
	e := &Engine{log: log, rules: defaultRules(), now: time.Now}
	e.params.Store(NewParams(config.DefaultRulesConfig()))
	e.sigma.Store(&SigmaSet{})
	return e
}

// SetRulesConfig swaps the rule parameters atomically.
func (e *Engine) SetRulesConfig(cfg config.RulesConfig) {
	e.params.Store(NewParams(cfg))
}

// Params returns the current rule parameters (read-only).
func (e *Engine) Params() *Params {
	return e.params.Load()
}

// SetSigmaRules replaces the loaded Sigma rules.
func (e *Engine) SetSigmaRules(set *SigmaSet) {
	if set == nil {
		set = &SigmaSet{}
	}
	e.sigma.Store(set)
}

// Rules returns the built-in rules (read-only).
func (e *Engine) Rules() []*Rule {
	return e.rules
}

// EvaluateProcess runs all rules against one process entry.
func (e *Engine) EvaluateProcess(agent *models.Agent, entry *telemetry.ProcessEntry) []Detection {
	if entry == nil || entry.Data == nil {
		return nil
	}
	return e.evaluate(agent, &Event{Process: entry})
}

// EvaluateNetwork runs all rules against one network entry.
func (e *Engine) EvaluateNetwork(agent *models.Agent, entry *telemetry.NetworkEntry) []Detection {
	if entry == nil || entry.Data == nil {
		return nil
	}
	return e.evaluate(agent, &Event{Network: entry})
}

func (e *Engine) evaluate(agent *models.Agent, ev *Event) []Detection {
	params := e.params.Load()
	var out []Detection
	for _, rule := range e.rules {
		if params.Disabled.Has(rule.ID) || !rule.Condition(ev, params) {
			continue
		}
		out = append(out, Detection{
			RuleID:      rule.ID,
			Fingerprint: fingerprint(ev),
			Alert:       e.newAlert(agent, rule.ID, rule.Name, rule.Describe(ev), rule.Severity, rule.Type),
		})
	}
	for _, hit := range e.sigma.Load().Match(ev) {
		if params.Disabled.Has(hit.ID) {
			continue
		}
		out = append(out, Detection{
			RuleID:      hit.ID,
			Fingerprint: fingerprint(ev),
			Alert:       e.newAlert(agent, hit.ID, hit.Title, hit.Description, hit.Severity, eventType(ev)),
		})
	}
	return out
}

func (e *Engine) newAlert(agent *models.Agent, ruleID, title, description, severity, typ string) models.Alert {
	now := e.now().UTC()
	return models.Alert{
		ID:          uuid.NewString(),
		UserID:      agent.UserID,
		Title:       title,
		Description: description,
		Severity:    severity,
		Status:      models.AlertNew,
		Source:      agent.Name,
		Type:        typ,
		SourceID:    agent.AgentID,
		Timestamp:   now,
		Tags: []string{
			"type:" + typ,
			"source:osquery",
			"sourceId:" + agent.AgentID,
			"rule:" + ruleID,
		},
		AffectedAssets: []string{agent.AssetName()},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func eventType(ev *Event) string {
	if ev.Network != nil {
		return TypeNetwork
	}
	return TypeProcess
}

// fingerprint identifies an entry across snapshots for de-duplication.
func fingerprint(ev *Event) string {
	if ev.Network != nil {
		d := ev.Network.Data
		return strings.Join([]string{"net", d.Protocol, d.LocalAddress, strconv.Itoa(d.Port()), d.ProcessPath}, "|")
	}
	d := ev.Process.Data
	return strings.Join([]string{"proc", d.Path, d.Command}, "|")
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			ID:          RuleSuspiciousProcess,
			Name:        "Suspicious Process Detected",
			Description: "Process running from a temporary directory",
			Severity:    models.SeverityMedium,
			Type:        TypeProcess,
			MitreTactic: "Execution",
			MitreID:     "T1204",
			Condition: func(ev *Event, p *Params) bool {
				if ev.Process == nil || ev.Process.Data.Path == "" {
					return false
				}
				path := strings.ToLower(ev.Process.Data.Path)
				for _, m := range p.PathMarkers {
					if strings.Contains(path, m) {
						return true
					}
				}
				return false
			},
			Describe: func(ev *Event) string {
				d := ev.Process.Data
				return fmt.Sprintf("Process %s (pid %d) running from suspicious path %s", d.Name, d.PID, d.Path)
			},
		},
		{
			ID:          RuleSuspiciousPort,
			Name:        "Suspicious Network Connection",
			Description: "Listening socket on a port associated with backdoors",
			Severity:    models.SeverityHigh,
			Type:        TypeNetwork,
			MitreTactic: "Command and Control",
			MitreID:     "T1571",
			Condition: func(ev *Event, p *Params) bool {
				if ev.Network == nil {
					return false
				}
				return p.Ports.Has(ev.Network.Data.Port())
			},
			Describe: func(ev *Event) string {
				d := ev.Network.Data
				return fmt.Sprintf("Process %s listening on suspicious port %d (%s)", d.ProcessName, d.Port(), d.LocalAddress)
			},
		},
	}
}
