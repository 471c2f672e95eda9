package netpolicy

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/pkg/telemetry"
)

const tcpHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"01", "ESTABLISHED"},
		{"0A", "LISTEN"},
		{"0a", "LISTEN"},
		{"06", "TIME_WAIT"},
		{"FF", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := parseState(tt.in); got != tt.want {
			t.Errorf("parseState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in       string
		wantIP   string
		wantPort int
		wantErr  bool
	}{
		{"0100007F:0050", "127.0.0.1", 80, false},
		{"00000000:1F90", "0.0.0.0", 8080, false},
		{"00000000000000000000000001000000:0016", "::1", 22, false},
		{"00000000000000000000000000000000:01BB", "::", 443, false},
		{"0100007F", "", 0, true},
		{"ZZZZZZZZ:0050", "", 0, true},
		{"0100:0050", "", 0, true},
	}
	for _, tt := range tests {
		ip, port, err := parseAddress(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseAddress(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseAddress(%q): %v", tt.in, err)
			continue
		}
		if ip.String() != tt.wantIP || port != tt.wantPort {
			t.Errorf("parseAddress(%q) = %s:%d, want %s:%d", tt.in, ip, port, tt.wantIP, tt.wantPort)
		}
	}
}

func TestSocketInode(t *testing.T) {
	tests := []struct {
		in     string
		want   uint64
		wantOK bool
	}{
		{"socket:[12345]", 12345, true},
		{"pipe:[12345]", 0, false},
		{"/dev/null", 0, false},
		{"socket:[abc]", 0, false},
	}
	for _, tt := range tests {
		got, ok := socketInode(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("socketInode(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestConnection_Listening(t *testing.T) {
	tests := []struct {
		name string
		conn Connection
		want bool
	}{
		{"tcp listen", Connection{Protocol: protoTCP, State: "LISTEN", LocalPort: 22}, true},
		{"tcp established", Connection{Protocol: protoTCP, State: "ESTABLISHED", LocalPort: 22, RemotePort: 50000}, false},
		{"udp bound", Connection{Protocol: protoUDP, State: "CLOSE", LocalPort: 53}, true},
		{"udp connected", Connection{Protocol: protoUDP, State: "ESTABLISHED", LocalPort: 40000, RemotePort: 53}, false},
	}
	for _, tt := range tests {
		if got := tt.conn.Listening(); got != tt.want {
			t.Errorf("%s: Listening() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestScanner_Snapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "net", "tcp"), tcpHeader+
		"   0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1001 1 0000000000000000 100 0 0 10 0\n"+
		"   1: 0100007F:0016 0100007F:C350 01 00000000:00000000 00:00000000 00000000     0        0 1002 1 0000000000000000 100 0 0 10 0\n"+
		"   2: garbage\n")
	writeFile(t, filepath.Join(root, "net", "udp"), tcpHeader+
		"   0: 00000000:0035 00000000:0000 07 00000000:00000000 00:00000000 00000000   101        0 2001 2 0000000000000000 0\n")

	writeFile(t, filepath.Join(root, "300", "comm"), "nginx\n")
	if err := os.Symlink("/usr/sbin/nginx", filepath.Join(root, "300", "exe")); err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Join(root, "300", "fd"), 0o755)
	os.Symlink("socket:[1001]", filepath.Join(root, "300", "fd", "3"))
	os.Symlink("/dev/null", filepath.Join(root, "300", "fd", "0"))

	writeFile(t, filepath.Join(root, "400", "comm"), "dnsmasq\n")
	os.MkdirAll(filepath.Join(root, "400", "fd"), 0o755)
	os.Symlink("socket:[2001]", filepath.Join(root, "400", "fd", "5"))

	s := New(root, quietLogger())
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	entries, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (established socket excluded)", len(entries))
	}

	dns := entries[0]
	if dns.Type != telemetry.TypeNetworkConnection || !dns.Timestamp.Equal(fixed) {
		t.Errorf("unexpected envelope %+v", dns)
	}
	if dns.Data.Port() != 53 || dns.Data.Protocol != protoUDP || dns.Data.ProcessName != "dnsmasq" {
		t.Errorf("udp entry = %+v", dns.Data)
	}
	if dns.Data.ProcessPath != "" {
		t.Errorf("dnsmasq has no exe link, got path %q", dns.Data.ProcessPath)
	}

	web := entries[1].Data
	if web.Port() != 8080 || web.Protocol != protoTCP || web.LocalAddress != "0.0.0.0" {
		t.Errorf("tcp entry = %+v", web)
	}
	if web.ProcessName != "nginx" || web.ProcessPath != "/usr/sbin/nginx" {
		t.Errorf("owner = %q %q", web.ProcessName, web.ProcessPath)
	}
}

func TestScanner_NoTables(t *testing.T) {
	s := New(t.TempDir(), quietLogger())
	if _, err := s.Snapshot(); err == nil {
		t.Fatal("expected error when no socket table is readable")
	}
}
