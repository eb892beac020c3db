package mesh

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/pfd-agent/internal/overlay"
)

func TestProbe(t *testing.T) {
	srv, _, quicAddr, wsAddr := startServer(t, nil)
	if err := srv.SetSelfInfo(overlay.UserInfo{Name: "hive"}); err != nil {
		t.Fatalf("SetSelfInfo() error = %v", err)
	}

	for _, addr := range []string{quicAddr, wsAddr} {
		res := Probe(context.Background(), ProbeOptions{Address: addr, ExpectID: srv.ID(), Timeout: 5 * time.Second})
		if !res.Success {
			t.Fatalf("Probe(%s) failed: %v (%s)", addr, res.Error, res.ErrorDetail)
		}
		if res.RemoteID != srv.ID() || res.RemoteName != "hive" {
			t.Errorf("Probe(%s) = id %q name %q", addr, res.RemoteID, res.RemoteName)
		}
		if res.Fingerprint != srv.Fingerprint() {
			t.Errorf("Probe(%s) fingerprint = %q, want %q", addr, res.Fingerprint, srv.Fingerprint())
		}
		if res.RTT <= 0 {
			t.Errorf("Probe(%s) RTT = %v", addr, res.RTT)
		}
	}
}

func TestProbe_IDMismatch(t *testing.T) {
	_, _, quicAddr, _ := startServer(t, nil)

	res := Probe(context.Background(), ProbeOptions{
		Address:  quicAddr,
		ExpectID: "0123456789abcdef0123456789abcdef",
		Timeout:  5 * time.Second,
	})
	if res.Success {
		t.Fatal("Probe() with a wrong expected id succeeded")
	}
	if res.RemoteID != "" {
		t.Errorf("RemoteID = %q on failure", res.RemoteID)
	}
}

func TestProbe_BadExpectID(t *testing.T) {
	res := Probe(context.Background(), ProbeOptions{Address: "127.0.0.1:1", ExpectID: "nope"})
	if res.Success || !errors.Is(res.Error, overlay.ErrInvalidArgument) {
		t.Errorf("Probe() error = %v, want ErrInvalidArgument", res.Error)
	}
}

func TestProbe_Unreachable(t *testing.T) {
	res := Probe(context.Background(), ProbeOptions{Address: "ws://127.0.0.1:" + freePort(t) + "/pfd", Timeout: 2 * time.Second})
	if res.Success {
		t.Fatal("Probe() of a closed port succeeded")
	}
	if res.ErrorDetail == "" {
		t.Error("no error detail")
	}
}

func TestClassifyProbeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, "Could not resolve hostname - DNS lookup failed"},
		{&net.OpError{Op: "dial", Err: errors.New("connect: connection refused")}, "Connection refused - listener not running or port blocked"},
		{context.DeadlineExceeded, "Connection timed out - firewall may be blocking UDP"},
		{errors.New("read hello: EOF"), "Connected but handshake failed - not a pfd-agent node?"},
	}

	for _, tt := range tests {
		if got := classifyProbeError(tt.err); got != tt.want {
			t.Errorf("classifyProbeError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
