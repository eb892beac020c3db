// Package transport provides the link transports used by the overlay mesh.
//
// QUIC is the primary transport. A WebSocket transport multiplexed with yamux
// serves networks where UDP is blocked. Both present the same PeerConn
// abstraction of a connection carrying many bidirectional streams.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportQUIC      TransportType = "quic"
	TransportWebSocket TransportType = "ws"
)

var (
	// ErrTransportClosed is returned by Dial and Listen after Close.
	ErrTransportClosed = errors.New("transport closed")

	// ErrListenerClosed is returned by Accept after the listener is closed.
	ErrListenerClosed = errors.New("listener closed")

	errNoTLSConfig = errors.New("TLS config required")
)

// Transport creates and accepts peer connections.
type Transport interface {
	Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error)
	Listen(addr string, opts ListenOptions) (Listener, error)
	Type() TransportType

	// Close stops every listener created by the transport.
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	Accept(ctx context.Context) (PeerConn, error)
	Addr() net.Addr
	Close() error
}

// PeerConn is a link to one remote node carrying many streams.
type PeerConn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error

	// Done is closed once the connection is gone.
	Done() <-chan struct{}

	RemoteAddr() net.Addr

	// IsDialer reports whether this side initiated the connection.
	IsDialer() bool

	// PeerCertificate returns the leaf certificate the remote presented.
	PeerCertificate() *x509.Certificate

	TransportType() TransportType
}

// Stream is a bidirectional byte stream with half-close support.
type Stream interface {
	io.ReadWriteCloser

	// CloseWrite signals that this side is done sending.
	CloseWrite() error

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialOptions contains options for dialing a node.
type DialOptions struct {
	// TLSConfig is the client TLS configuration. Required.
	TLSConfig *tls.Config

	// Timeout bounds the dial; zero leaves it to ctx.
	Timeout time.Duration

	// ProxyURL is an HTTP proxy for WebSocket dials.
	ProxyURL string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the server TLS configuration. Required.
	TLSConfig *tls.Config

	// Path is the HTTP path for the WebSocket transport.
	Path string

	// MaxStreams caps concurrent incoming streams per connection.
	MaxStreams int
}

// TypeForAddress picks the transport for a dial address: ws:// and wss://
// URLs use WebSocket, anything else is a QUIC host:port.
func TypeForAddress(addr string) TransportType {
	if strings.HasPrefix(addr, "wss://") || strings.HasPrefix(addr, "ws://") {
		return TransportWebSocket
	}
	return TransportQUIC
}

// listenerSet tracks the listeners a transport owns and its closed state.
type listenerSet struct {
	mu        sync.Mutex
	closed    bool
	listeners []io.Closer
}

func (s *listenerSet) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// add runs open under the lock and records the listener it returns.
func (s *listenerSet) add(open func() (Listener, error)) (Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrTransportClosed
	}
	l, err := open()
	if err != nil {
		return nil, err
	}
	s.listeners = append(s.listeners, l)
	return l, nil
}

func (s *listenerSet) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	for _, l := range s.listeners {
		err = multierr.Append(err, l.Close())
	}
	s.listeners = nil
	return err
}

// dialContext applies opts.Timeout to ctx.
func dialContext(ctx context.Context, opts DialOptions) (context.Context, context.CancelFunc) {
	if opts.Timeout > 0 {
		return context.WithTimeout(ctx, opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func peerCertificate(state *tls.ConnectionState) *x509.Certificate {
	if state == nil || len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

// withALPN returns a clone of cfg advertising proto.
func withALPN(cfg *tls.Config, proto string) *tls.Config {
	out := cfg.Clone()
	out.NextProtos = []string{proto}
	return out
}
