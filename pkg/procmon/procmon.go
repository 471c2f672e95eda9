// Package procmon reads the process table from procfs and renders it as
// telemetry process entries.
package procmon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

// ProcessInfo holds what the scanner learned about one process.
type ProcessInfo struct {
	PID     int
	PPID    int
	Name    string
	State   string
	Exe     string
	Cmdline []string
	UID     int
}

// Scanner walks a procfs mount.
type Scanner struct {
	root string
	log  *logrus.Logger
	now  func() time.Time
}

// New creates a Scanner rooted at root, usually "/proc".
func New(root string, log *logrus.Logger) *Scanner {
	if root == "" {
		root = "/proc"
	}
	return &Scanner{root: root, log: log, now: time.Now}
}

// Processes lists every readable process, ordered by PID. Processes that exit
// mid-scan are skipped.
func (s *Scanner) Processes() ([]*ProcessInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.root, err)
	}

	var procs []*ProcessInfo
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		proc, err := s.getProcessInfo(pid)
		if err != nil {
			s.log.WithError(err).WithField("pid", pid).Debug("Skipping unreadable process")
			continue
		}
		procs = append(procs, proc)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

// Snapshot returns the process table as telemetry entries.
func (s *Scanner) Snapshot() ([]telemetry.ProcessEntry, error) {
	procs, err := s.Processes()
	if err != nil {
		return nil, err
	}
	ts := s.now().UTC()
	out := make([]telemetry.ProcessEntry, 0, len(procs))
	for _, p := range procs {
		out = append(out, telemetry.ProcessEntry{
			Type:      telemetry.TypeProcess,
			Timestamp: ts,
			Data: &telemetry.ProcessData{
				PID:       telemetry.FlexInt(p.PID),
				Name:      p.Name,
				Path:      p.Exe,
				Command:   strings.Join(p.Cmdline, " "),
				State:     p.State,
				ParentPID: telemetry.FlexInt(p.PPID),
				UserID:    telemetry.FlexString(strconv.Itoa(p.UID)),
			},
		})
	}
	return out, nil
}

func (s *Scanner) getProcessInfo(pid int) (*ProcessInfo, error) {
	procPath := filepath.Join(s.root, strconv.Itoa(pid))

	statBytes, err := os.ReadFile(filepath.Join(procPath, "stat"))
	if err != nil {
		return nil, err
	}
	name, state, ppid, ok := parseStatFile(string(statBytes))
	if !ok {
		return nil, fmt.Errorf("malformed stat for pid %d", pid)
	}

	// Kernel threads have an empty cmdline and no exe link.
	var cmdline []string
	if raw, err := os.ReadFile(filepath.Join(procPath, "cmdline")); err == nil {
		if trimmed := strings.TrimRight(string(raw), "\x00"); trimmed != "" {
			cmdline = strings.Split(trimmed, "\x00")
		}
	}
	exe, _ := os.Readlink(filepath.Join(procPath, "exe"))

	return &ProcessInfo{
		PID:     pid,
		PPID:    ppid,
		Name:    name,
		State:   state,
		Exe:     exe,
		Cmdline: cmdline,
		UID:     getProcessUID(procPath),
	}, nil
}

// parseStatFile extracts comm, state and ppid from /proc/[pid]/stat.
func parseStatFile(stat string) (name, state string, ppid int, ok bool) {
	// Format: pid (comm) state ppid ...; comm may itself contain parentheses.
	start := strings.Index(stat, "(")
	end := strings.LastIndex(stat, ")")
	if start == -1 || end == -1 || end < start || end+1 >= len(stat) {
		return "", "", 0, false
	}
	name = stat[start+1 : end]
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 {
		return "", "", 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", "", 0, false
	}
	return name, fields[0], ppid, true
}

// getProcessUID reads the real UID from /proc/[pid]/status, -1 if unknown.
func getProcessUID(procPath string) int {
	data, err := os.ReadFile(filepath.Join(procPath, "status"))
	if err != nil {
		return -1
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Uid:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				uid, err := strconv.Atoi(fields[1])
				if err != nil {
					return -1
				}
				return uid
			}
		}
	}
	return -1
}
