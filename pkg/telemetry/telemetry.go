// Package telemetry defines the wire format agents use to report host state:
// system-info heartbeats and process/network snapshots in the shape osquery
// produces.
package telemetry

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry type tags.
const (
	TypeProcess           = "process"
	TypeNetworkConnection = "network_connection"
)

// FlexInt is an integer that also decodes from a JSON string. osquery renders
// every column as a string, hand-written agents send numbers.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid number %s", s)
		}
		s = strings.TrimSpace(unq)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		v = int64(f)
	}
	*n = FlexInt(v)
	return nil
}

// FlexString is a string that also decodes from a JSON number.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(b []byte) error {
	raw := string(bytes.TrimSpace(b))
	switch {
	case raw == "null":
		return nil
	case strings.HasPrefix(raw, `"`):
		unq, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("invalid string %s", raw)
		}
		*s = FlexString(unq)
	default:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return fmt.Errorf("invalid scalar %s", raw)
		}
		*s = FlexString(raw)
	}
	return nil
}

// SystemInfo is the host summary an agent attaches to its heartbeat.
type SystemInfo struct {
	Hostname      string      `json:"hostname" bson:"hostname"`
	OS            string      `json:"os" bson:"os"`
	CPUUsage      float64     `json:"cpu_usage" bson:"cpu_usage"`
	MemoryTotal   uint64      `json:"memory_total" bson:"memory_total"`
	MemoryUsed    uint64      `json:"memory_used" bson:"memory_used"`
	MemoryPercent float64     `json:"memory_percent" bson:"memory_percent"`
	DiskTotal     uint64      `json:"disk_total" bson:"disk_total"`
	DiskUsed      uint64      `json:"disk_used" bson:"disk_used"`
	DiskPercent   float64     `json:"disk_percent" bson:"disk_percent"`
	IPAddresses   []IPAddress `json:"ip_addresses,omitempty" bson:"ip_addresses,omitempty"`
}

// IPAddress is one interface address.
type IPAddress struct {
	Interface string `json:"interface" bson:"interface"`
	Address   string `json:"address" bson:"address"`
}

// Snapshot is the most recent process and network view of one host.
type Snapshot struct {
	Processes  []ProcessEntry `json:"processes" bson:"processes"`
	Network    []NetworkEntry `json:"network" bson:"network"`
	ReceivedAt time.Time      `json:"receivedAt" bson:"received_at"`
}

// ProcessEntry is one row of the processes table.
type ProcessEntry struct {
	Type      string       `json:"type" bson:"type"`
	Timestamp time.Time    `json:"timestamp" bson:"timestamp"`
	Data      *ProcessData `json:"data" bson:"data"`
}

// ProcessData holds the process columns.
type ProcessData struct {
	PID       FlexInt    `json:"pid" bson:"pid"`
	Name      string     `json:"name" bson:"name"`
	Path      string     `json:"path" bson:"path"`
	Command   string     `json:"command" bson:"command"`
	State     string     `json:"state" bson:"state"`
	ParentPID FlexInt    `json:"parent_pid" bson:"parent_pid"`
	UserID    FlexString `json:"user_id" bson:"user_id"`
}

// NetworkEntry is one listening socket joined with its owning process.
type NetworkEntry struct {
	Type      string       `json:"type" bson:"type"`
	Timestamp time.Time    `json:"timestamp" bson:"timestamp"`
	Data      *NetworkData `json:"data" bson:"data"`
}

// NetworkData holds the listening socket columns.
type NetworkData struct {
	ProcessName  string   `json:"process_name" bson:"process_name"`
	ProcessPath  string   `json:"process_path" bson:"process_path"`
	LocalPort    *FlexInt `json:"local_port" bson:"local_port"`
	LocalAddress string   `json:"local_address" bson:"local_address"`
	Protocol     string   `json:"protocol" bson:"protocol"`
}

// Port returns the local port, or 0 when absent.
func (d *NetworkData) Port() int {
	if d == nil || d.LocalPort == nil {
		return 0
	}
	return int(*d.LocalPort)
}

// NewPort is a convenience for building entries.
func NewPort(p int) *FlexInt {
	v := FlexInt(p)
	return &v
}
