package detection

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/invisible-tech/sentinel-siem/internal/models"
)

// Sigma logsource categories that map onto telemetry entries.
const (
	categoryProcess = "process_creation"
	categoryNetwork = "network_connection"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

// SigmaHit is one matching Sigma rule.
type SigmaHit struct {
	ID          string
	Title       string
	Description string
	Severity    string
}

type compiledSigmaRule struct {
	hit      SigmaHit
	category string
	eval     *sigmaevaluator.RuleEvaluator
}

// SigmaSet is an immutable set of compiled Sigma rules.
type SigmaSet struct {
	rules []compiledSigmaRule
}

// Len returns the number of compiled rules.
func (s *SigmaSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// LoadSigmaRules loads Sigma rules from a file or directory. Rules for other
// platforms and rules needing correlation are skipped and counted in stats.
func LoadSigmaRules(path string) (*SigmaSet, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	info, err := os.Stat(path)
	if err != nil {
		return nil, stats, fmt.Errorf("stat sigma path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk sigma directory: %w", err)
		}
	} else {
		if !isYAMLFile(path) {
			return nil, stats, fmt.Errorf("sigma rule file must end with .yml or .yaml: %s", path)
		}
		files = append(files, path)
	}

	stats.TotalFiles = len(files)
	set := &SigmaSet{}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		category, ok := telemetryCategory(rule)
		if !ok {
			stats.SkippedDatasource++
			continue
		}
		if !isSingleEventRule(rule) {
			stats.SkippedComplex++
			continue
		}
		set.rules = append(set.rules, compiledSigmaRule{
			hit:      hitFromRule(rule),
			category: category,
			eval:     sigmaevaluator.ForRule(rule),
		})
		stats.Loaded++
	}
	return set, stats, nil
}

// Match evaluates every applicable rule against the event.
func (s *SigmaSet) Match(ev *Event) []SigmaHit {
	if s.Len() == 0 {
		return nil
	}
	fields, category := sigmaFields(ev)
	ctx := context.Background()
	var out []SigmaHit
	for _, r := range s.rules {
		if r.category != "" && r.category != category {
			continue
		}
		res, err := r.eval.Matches(ctx, fields)
		if err != nil || !res.Match {
			continue
		}
		out = append(out, r.hit)
	}
	return out
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

// telemetryCategory reports which entry kind a rule applies to; "" means both.
func telemetryCategory(rule sigma.Rule) (string, bool) {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	if product != "" && product != "linux" {
		return "", false
	}
	switch c := strings.ToLower(strings.TrimSpace(rule.Logsource.Category)); c {
	case "", categoryProcess, categoryNetwork:
		return c, true
	default:
		return "", false
	}
}

func isSingleEventRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

func hitFromRule(rule sigma.Rule) SigmaHit {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}
	desc := strings.TrimSpace(rule.Description)
	if desc == "" {
		desc = "Matched Sigma rule " + strings.TrimSpace(rule.Title)
	}
	return SigmaHit{
		ID:          id,
		Title:       strings.TrimSpace(rule.Title),
		Description: desc,
		Severity:    sigmaSeverity(rule.Level),
	}
}

func sigmaSeverity(level string) string {
	if sev, ok := models.NormalizeSeverity(level); ok {
		return sev
	}
	if strings.EqualFold(strings.TrimSpace(level), "informational") {
		return models.SeverityLow
	}
	return models.SeverityMedium
}

// sigmaFields flattens an entry into Sigma field names plus the raw osquery columns.
func sigmaFields(ev *Event) (map[string]interface{}, string) {
	if ev.Network != nil {
		d := ev.Network.Data
		port := strconv.Itoa(d.Port())
		return map[string]interface{}{
			"Image":         d.ProcessPath,
			"ProcessName":   d.ProcessName,
			"SourcePort":    port,
			"SourceIp":      d.LocalAddress,
			"Protocol":      d.Protocol,
			"process_name":  d.ProcessName,
			"process_path":  d.ProcessPath,
			"local_port":    port,
			"local_address": d.LocalAddress,
		}, categoryNetwork
	}
	d := ev.Process.Data
	return map[string]interface{}{
		"Image":           d.Path,
		"CommandLine":     d.Command,
		"ProcessName":     d.Name,
		"ProcessId":       strconv.FormatInt(int64(d.PID), 10),
		"ParentProcessId": strconv.FormatInt(int64(d.ParentPID), 10),
		"User":            string(d.UserID),
		"name":            d.Name,
		"path":            d.Path,
		"command":         d.Command,
		"state":           d.State,
	}, categoryProcess
}
