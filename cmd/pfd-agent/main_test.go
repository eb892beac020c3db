package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/pfd-agent/internal/agent"
	"github.com/postalsys/pfd-agent/internal/config"
	"github.com/postalsys/pfd-agent/internal/control"
	"github.com/postalsys/pfd-agent/internal/mesh"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/pairing"
	"github.com/postalsys/pfd-agent/internal/peer"
)

const testPeer = "0123456789abcdef0123456789abcdef"

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	want := []string{"init", "setup", "run", "info", "hash-secret", "probe", "status", "peers", "links", "active", "port", "pair", "unpair", "presence"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"open sesame\n", "open sesame", nil},
		{"windows\r\nmore", "windows", nil},
		{"no newline", "no newline", nil},
		{"\n", "", pairing.ErrEmptyPhrase},
		{"", "", pairing.ErrEmptyPhrase},
	}

	for _, tt := range tests {
		got, err := readLine(strings.NewReader(tt.in))
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("readLine(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("readLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	now := time.Now()
	st := &control.StatusResponse{
		Self:        overlay.UserInfo{ID: testPeer, Name: "laptop"},
		Fingerprint: "ab:cd",
		Presence:    "away",
		Version:     "1.2.3",
		Stats: agent.Stats{
			Overlay:     "connected",
			Peers:       2,
			PeersOnline: 1,
			ActivePeer:  testPeer,
			ActivePort:  "8000",
			Forwarding:  true,
			Uptime:      2 * time.Hour,
		},
	}

	var buf bytes.Buffer
	printStatus(&buf, st, now)
	out := buf.String()

	for _, want := range []string{"laptop", "ab:cd", "connected", "2 (1 online)", "127.0.0.1:8000", "2 hours ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	st.Stats.ActivePeer = ""
	printStatus(&buf, st, now)
	if !strings.Contains(buf.String(), "Active peer: none") {
		t.Errorf("status output without active peer:\n%s", buf.String())
	}
}

func TestPeersTable(t *testing.T) {
	now := time.Now()
	out := peersTable([]peer.Snapshot{
		{ID: testPeer, Name: "hive", State: "connected", Presence: "none", Port: "8000", Forwarding: true, ForwardingSince: now.Add(-time.Minute)},
		{ID: "fedcba9876543210fedcba9876543210", Name: "spare", State: "idle", Presence: "away"},
	}, now)

	for _, want := range []string{"NAME", "01234567", "hive", "8000", "1 minute ago", "fedcba98", "spare"} {
		if !strings.Contains(out, want) {
			t.Errorf("peers table missing %q:\n%s", want, out)
		}
	}
}

func TestLinksTable(t *testing.T) {
	out := linksTable([]mesh.LinkInfo{
		{ID: testPeer, Name: "hive", Transport: "quic", Dialer: true, Address: "10.0.0.1:33445", Friend: true},
		{ID: "fedcba9876543210fedcba9876543210", Transport: "ws"},
	})

	for _, want := range []string{"TRANSPORT", "quic", "out", "10.0.0.1:33445", "yes", "ws", "in", "no"} {
		if !strings.Contains(out, want) {
			t.Errorf("links table missing %q:\n%s", want, out)
		}
	}
}

func TestPrintProbe(t *testing.T) {
	var buf bytes.Buffer
	printProbe(&buf, &mesh.ProbeResult{Success: true, Address: "10.0.0.1:33445", Transport: "quic", RemoteID: testPeer, RemoteName: "hive", Fingerprint: "ab:cd", RTT: 1500 * time.Microsecond})
	for _, want := range []string{"OK", testPeer, "hive", "ab:cd", "1.5ms"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("probe output missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	printProbe(&buf, &mesh.ProbeResult{Address: "10.0.0.1:33445", Transport: "quic", ErrorDetail: "Network unreachable"})
	if !strings.Contains(buf.String(), "FAILED - Network unreachable") {
		t.Errorf("probe failure output:\n%s", buf.String())
	}
}

func TestHealthServerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Health.Address = "127.0.0.1:9091"

	got := healthServerConfig(cfg.Health)
	if got.EnablePprof {
		t.Error("pprof mounted by default")
	}
	if got.Address != "127.0.0.1:9091" || got.ReadTimeout != cfg.Health.ReadTimeout || got.WriteTimeout != cfg.Health.WriteTimeout {
		t.Errorf("health server config = %+v", got)
	}

	cfg.Health.Pprof = true
	if !healthServerConfig(cfg.Health).EnablePprof {
		t.Error("health.pprof not honored")
	}
}
