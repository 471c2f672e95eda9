// Package netpolicy reads listening sockets from procfs and joins them with
// the processes that own them.
package netpolicy

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

// IANA protocol numbers, as osquery's listening_ports reports them.
const (
	protoTCP = "6"
	protoUDP = "17"
)

// Connection is one socket row from /proc/net/{tcp,tcp6,udp,udp6}.
type Connection struct {
	Protocol   string
	LocalIP    net.IP
	LocalPort  int
	RemoteIP   net.IP
	RemotePort int
	State      string
	Inode      uint64
	UID        int
}

// Listening reports whether the socket accepts inbound traffic: TCP in LISTEN,
// or an unconnected bound UDP socket.
func (c *Connection) Listening() bool {
	switch c.Protocol {
	case protoTCP:
		return c.State == "LISTEN"
	case protoUDP:
		return c.RemotePort == 0 && c.LocalPort != 0
	}
	return false
}

type owner struct {
	name string
	path string
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

var netFiles = []struct {
	name     string
	protocol string
}{
	{"tcp", protoTCP},
	{"tcp6", protoTCP},
	{"udp", protoUDP},
	{"udp6", protoUDP},
}

// Connections reads every socket table that exists under root/net.
func (s *Scanner) Connections() ([]*Connection, error) {
	var all []*Connection
	read := 0
	for _, nf := range netFiles {
		path := filepath.Join(s.root, "net", nf.name)
		conns, err := parseNetFile(path, nf.protocol)
		if err != nil {
			s.log.WithError(err).WithField("path", path).Debug("Failed to read socket table")
			continue
		}
		read++
		all = append(all, conns...)
	}
	if read == 0 {
		return nil, fmt.Errorf("no socket tables readable under %s", filepath.Join(s.root, "net"))
	}
	return all, nil
}

// Snapshot returns the listening sockets as telemetry entries. Rows that
// repeat the same owner, address, port and protocol are collapsed.
func (s *Scanner) Snapshot() ([]telemetry.NetworkEntry, error) {
	conns, err := s.Connections()
	if err != nil {
		return nil, err
	}
	owners := s.socketOwners()
	ts := s.now().UTC()

	seen := make(map[string]bool)
	var out []telemetry.NetworkEntry
	for _, c := range conns {
		if !c.Listening() {
			continue
		}
		o := owners[c.Inode]
		d := &telemetry.NetworkData{
			ProcessName:  o.name,
			ProcessPath:  o.path,
			LocalPort:    telemetry.NewPort(c.LocalPort),
			LocalAddress: c.LocalIP.String(),
			Protocol:     c.Protocol,
		}
		key := strings.Join([]string{d.ProcessName, d.ProcessPath, d.LocalAddress, strconv.Itoa(c.LocalPort), d.Protocol}, "|")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, telemetry.NetworkEntry{Type: telemetry.TypeNetworkConnection, Timestamp: ts, Data: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Data.Port() < out[j].Data.Port() })
	return out, nil
}

// socketOwners maps socket inodes to the process holding them open, using
// the "socket:[inode]" links under /proc/[pid]/fd.
func (s *Scanner) socketOwners() map[uint64]owner {
	owners := make(map[uint64]owner)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return owners
	}
	for _, entry := range entries {
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}
		procPath := filepath.Join(s.root, entry.Name())
		fds, err := os.ReadDir(filepath.Join(procPath, "fd"))
		if err != nil {
			continue
		}
		var o *owner
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(procPath, "fd", fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := socketInode(target)
			if !ok {
				continue
			}
			if o == nil {
				o = readOwner(procPath)
			}
			if _, taken := owners[inode]; !taken {
				owners[inode] = *o
			}
		}
	}
	return owners
}

func readOwner(procPath string) *owner {
	o := &owner{}
	if comm, err := os.ReadFile(filepath.Join(procPath, "comm")); err == nil {
		o.name = strings.TrimSpace(string(comm))
	}
	o.path, _ = os.Readlink(filepath.Join(procPath, "exe"))
	return o
}

// socketInode parses an fd link target of the form "socket:[12345]".
func socketInode(target string) (uint64, bool) {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

// parseNetFile parses /proc/net/tcp or /proc/net/udp.
func parseNetFile(path, protocol string) ([]*Connection, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var conns []*Connection
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum == 1 {
			continue // header
		}
		conn, err := parseLine(scanner.Text(), protocol)
		if err != nil {
			continue
		}
		conns = append(conns, conn)
	}
	return conns, scanner.Err()
}

// parseLine parses a single socket table row.
func parseLine(line, protocol string) (*Connection, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return nil, fmt.Errorf("invalid line format")
	}

	localIP, localPort, err := parseAddress(fields[1])
	if err != nil {
		return nil, err
	}
	remoteIP, remotePort, err := parseAddress(fields[2])
	if err != nil {
		return nil, err
	}
	uid, _ := strconv.Atoi(fields[7])
	inode, _ := strconv.ParseUint(fields[9], 10, 64)

	return &Connection{
		Protocol:   protocol,
		LocalIP:    localIP,
		LocalPort:  localPort,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		State:      parseState(fields[3]),
		UID:        uid,
		Inode:      inode,
	}, nil
}

// parseAddress parses a hex address such as "0100007F:0050".
func parseAddress(s string) (net.IP, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("invalid address format")
	}

	ipBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, 0, err
	}
	var ip net.IP
	switch len(ipBytes) {
	case 4:
		// little endian
		ip = net.IPv4(ipBytes[3], ipBytes[2], ipBytes[1], ipBytes[0])
	case 16:
		// four little endian 32-bit words
		ip = make(net.IP, 16)
		for i := 0; i < 4; i++ {
			start := i * 4
			binary.BigEndian.PutUint32(ip[start:start+4], binary.LittleEndian.Uint32(ipBytes[start:start+4]))
		}
	default:
		return nil, 0, fmt.Errorf("invalid address length %d", len(ipBytes))
	}

	port, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil {
		return nil, 0, err
	}
	return ip, int(port), nil
}

var tcpStates = map[string]string{
	"01": "ESTABLISHED",
	"02": "SYN_SENT",
	"03": "SYN_RECV",
	"04": "FIN_WAIT1",
	"05": "FIN_WAIT2",
	"06": "TIME_WAIT",
	"07": "CLOSE",
	"08": "CLOSE_WAIT",
	"09": "LAST_ACK",
	"0A": "LISTEN",
	"0B": "CLOSING",
}

// parseState converts a hex TCP state to its name.
func parseState(s string) string {
	if state, ok := tcpStates[strings.ToUpper(s)]; ok {
		return state
	}
	return "UNKNOWN"
}
