package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Rejection describes a snapshot entry that failed validation.
type Rejection struct {
	Kind   string `json:"kind"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type rawSnapshot struct {
	Processes []json.RawMessage `json:"processes"`
	Network   []json.RawMessage `json:"network"`
}

type rawEntry struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseSnapshot decodes a snapshot body entry by entry. Entries that do not
// decode or validate are returned as rejections and left out of the snapshot;
// an error is returned only when the body itself is not a snapshot object.
func ParseSnapshot(body []byte) (*Snapshot, []Rejection, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot: %w", err)
	}

	snap := &Snapshot{
		Processes: make([]ProcessEntry, 0, len(raw.Processes)),
		Network:   make([]NetworkEntry, 0, len(raw.Network)),
	}
	var rejected []Rejection

	for i, msg := range raw.Processes {
		entry, err := parseProcess(msg)
		if err != nil {
			rejected = append(rejected, Rejection{Kind: TypeProcess, Index: i, Reason: err.Error()})
			continue
		}
		snap.Processes = append(snap.Processes, *entry)
	}
	for i, msg := range raw.Network {
		entry, err := parseNetwork(msg)
		if err != nil {
			rejected = append(rejected, Rejection{Kind: TypeNetworkConnection, Index: i, Reason: err.Error()})
			continue
		}
		snap.Network = append(snap.Network, *entry)
	}
	return snap, rejected, nil
}

func parseProcess(msg json.RawMessage) (*ProcessEntry, error) {
	env, ts, err := parseEnvelope(msg, TypeProcess)
	if err != nil {
		return nil, err
	}
	var data ProcessData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("data: %v", err)
	}
	return &ProcessEntry{Type: TypeProcess, Timestamp: ts, Data: &data}, nil
}

func parseNetwork(msg json.RawMessage) (*NetworkEntry, error) {
	env, ts, err := parseEnvelope(msg, TypeNetworkConnection)
	if err != nil {
		return nil, err
	}
	var data NetworkData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("data: %v", err)
	}
	if data.LocalPort == nil {
		return nil, fmt.Errorf("missing local_port")
	}
	if p := data.Port(); p < 1 || p > 65535 {
		return nil, fmt.Errorf("local_port %d out of range", p)
	}
	return &NetworkEntry{Type: TypeNetworkConnection, Timestamp: ts, Data: &data}, nil
}

func parseEnvelope(msg json.RawMessage, wantType string) (*rawEntry, time.Time, error) {
	var env rawEntry
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("not an object: %v", err)
	}
	if env.Type != "" && env.Type != wantType {
		return nil, time.Time{}, fmt.Errorf("unexpected type %q", env.Type)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, time.Time{}, fmt.Errorf("missing data")
	}
	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &env, ts, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
