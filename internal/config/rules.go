package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RulesConfig holds the tunable parameters of the built-in detection rules.
type RulesConfig struct {
	SuspiciousPorts []int    `yaml:"suspicious_ports"`
	PathMarkers     []string `yaml:"path_markers"`
	// Disabled lists rule IDs that should not fire.
	Disabled []string `yaml:"disabled"`
}

// DefaultRulesConfig returns the built-in rule parameters.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		SuspiciousPorts: defaultSuspiciousPorts(),
		PathMarkers:     defaultPathMarkers(),
	}
}

func defaultSuspiciousPorts() []int {
	return []int{4444, 666, 1337, 31337}
}

func defaultPathMarkers() []string {
	return []string{"temp", "tmp"}
}

// LoadRulesFile reads a YAML rules file. Sections missing from the file keep
// their defaults; an explicitly empty list disables that check.
func LoadRulesFile(path string) (RulesConfig, error) {
	cfg := DefaultRulesConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for _, p := range cfg.SuspiciousPorts {
		if p < 1 || p > 65535 {
			return cfg, fmt.Errorf("rules file %s: port %d out of range", path, p)
		}
	}
	markers := cfg.PathMarkers[:0]
	for _, m := range cfg.PathMarkers {
		if m = strings.TrimSpace(m); m != "" {
			markers = append(markers, strings.ToLower(m))
		}
	}
	cfg.PathMarkers = markers
	return cfg, nil
}
