package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/pfd-agent/internal/certutil"
	"github.com/postalsys/pfd-agent/internal/identity"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/transport"
)

// ProbeOptions configures a connectivity probe.
type ProbeOptions struct {
	// Address is a QUIC host:port or a ws:// or wss:// URL.
	Address string

	// ExpectID, when set, must match the id the node presents.
	ExpectID string

	// ProxyURL is an HTTP proxy for wss:// probes.
	ProxyURL string

	// Timeout bounds the whole probe. Zero means DefaultDialTimeout.
	Timeout time.Duration
}

// ProbeResult is the outcome of a probe.
type ProbeResult struct {
	Success     bool          `json:"success"`
	Transport   string        `json:"transport"`
	Address     string        `json:"address"`
	RemoteID    string        `json:"remote_id,omitempty"`
	RemoteName  string        `json:"remote_name,omitempty"`
	Presence    string        `json:"presence,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	RTT         time.Duration `json:"rtt,omitempty"`
	Error       error         `json:"-"`
	ErrorDetail string        `json:"error,omitempty"`
}

// Probe dials a node with a throwaway identity and exchanges HELLO frames.
// The node sees a short-lived link from an unknown node.
func Probe(ctx context.Context, opts ProbeOptions) *ProbeResult {
	result := &ProbeResult{
		Address:   opts.Address,
		Transport: string(transport.TypeForAddress(opts.Address)),
	}
	fail := func(err error) *ProbeResult {
		result.Error = err
		result.ErrorDetail = classifyProbeError(err)
		return result
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var expect string
	if opts.ExpectID != "" {
		id, err := identity.ParseNodeID(opts.ExpectID)
		if err != nil {
			return fail(fmt.Errorf("%w: %v", overlay.ErrInvalidArgument, err))
		}
		expect = id.String()
	}

	probeID, err := identity.NewNodeID()
	if err != nil {
		return fail(err)
	}
	cert, err := certutil.Generate(probeID.String(), time.Hour)
	if err != nil {
		return fail(err)
	}
	tlsConfig, err := transport.ClientTLSConfig(cert)
	if err != nil {
		return fail(err)
	}

	var tr transport.Transport = transport.NewQUICTransport()
	if transport.TypeForAddress(opts.Address) == transport.TransportWebSocket {
		tr = transport.NewWebSocketTransport()
	}
	defer tr.Close()

	start := time.Now()
	conn, err := tr.Dial(ctx, opts.Address, transport.DialOptions{
		TLSConfig: tlsConfig,
		Timeout:   opts.Timeout,
		ProxyURL:  opts.ProxyURL,
	})
	if err != nil {
		return fail(err)
	}
	defer conn.Close()

	control, err := conn.OpenStream(ctx)
	if err != nil {
		return fail(fmt.Errorf("open control stream: %w", err))
	}
	defer control.Close()
	if deadline, ok := ctx.Deadline(); ok {
		control.SetDeadline(deadline)
	}

	if err := writeFrame(control, msgHello, helloMsg{Version: protocolVersion, ID: probeID.String(), Name: "probe"}); err != nil {
		return fail(fmt.Errorf("send hello: %w", err))
	}
	var remote helloMsg
	if err := readFrameAs(control, msgHello, &remote); err != nil {
		return fail(fmt.Errorf("read hello: %w", err))
	}
	result.RTT = time.Since(start)

	if remote.Version != protocolVersion {
		return fail(fmt.Errorf("unsupported protocol version %d", remote.Version))
	}
	id, err := identity.ParseNodeID(remote.ID)
	if err != nil {
		return fail(fmt.Errorf("bad node id: %w", err))
	}
	if expect != "" && id.String() != expect {
		return fail(fmt.Errorf("node at %s is %s, want %s", opts.Address, id.String(), expect))
	}

	result.Success = true
	result.RemoteID = id.String()
	result.RemoteName = remote.Name
	result.Presence = remote.Presence.String()
	if peerCert := conn.PeerCertificate(); peerCert != nil {
		result.Fingerprint = certutil.Fingerprint(peerCert)
	}
	return result
}

// classifyProbeError returns a human-readable description for common errors.
func classifyProbeError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	if errors.Is(err, overlay.ErrInvalidArgument) {
		return err.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		switch {
		case strings.Contains(errStr, "connection refused"):
			return "Connection refused - listener not running or port blocked"
		case strings.Contains(errStr, "no route to host"):
			return "No route to host - network unreachable"
		case strings.Contains(errStr, "network is unreachable"):
			return "Network unreachable"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking UDP"
	}

	if strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") || strings.Contains(errStr, "CRYPTO_ERROR") {
		return "TLS handshake failed - " + errStr
	}

	if strings.Contains(errStr, "hello") || strings.Contains(errStr, "frame") {
		return "Connected but handshake failed - not a pfd-agent node?"
	}

	if strings.Contains(errStr, "node at") {
		return "Node id mismatch - " + errStr
	}

	return errStr
}
