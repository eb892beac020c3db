package transport

import (
	"crypto/tls"
	"fmt"

	"github.com/postalsys/pfd-agent/internal/certutil"
)

const (
	// DefaultALPNProtocol is the ALPN identifier negotiated on QUIC links.
	DefaultALPNProtocol = "pfd/1"

	// DefaultWSSubprotocol is the WebSocket subprotocol for overlay links.
	DefaultWSSubprotocol = "pfd/1"
)

// ServerTLSConfig builds the accepting side's TLS configuration. Any client
// certificate is accepted at the TLS layer; the overlay pins fingerprints
// after the handshake.
func ServerTLSConfig(nc *certutil.NodeCert) (*tls.Config, error) {
	cert, err := nodeTLSCertificate(nc)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{DefaultALPNProtocol},
	}, nil
}

// ClientTLSConfig builds the dialing side's TLS configuration. Chain
// verification is skipped because node certificates are self-signed; the
// overlay checks the peer fingerprint instead.
func ClientTLSConfig(nc *certutil.NodeCert) (*tls.Config, error) {
	cert, err := nodeTLSCertificate(nc)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{DefaultALPNProtocol},
	}, nil
}

func nodeTLSCertificate(nc *certutil.NodeCert) (tls.Certificate, error) {
	if nc == nil {
		return tls.Certificate{}, fmt.Errorf("node certificate required")
	}
	cert, err := nc.TLSCertificate()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load node certificate: %w", err)
	}
	return cert, nil
}
