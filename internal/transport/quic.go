package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicIdleTimeout     = 60 * time.Second
	quicKeepAlive       = 15 * time.Second
	quicMaxStreamsLimit = 1000
)

// QUICTransport carries links over QUIC. Every link is one QUIC connection
// and overlay streams map one to one onto QUIC streams.
type QUICTransport struct {
	set listenerSet
}

// NewQUICTransport creates a QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

func (t *QUICTransport) Type() TransportType { return TransportQUIC }

func quicConfig(maxStreams int) *quic.Config {
	if maxStreams <= 0 {
		maxStreams = quicMaxStreamsLimit
	}
	return &quic.Config{
		MaxIdleTimeout:        quicIdleTimeout,
		KeepAlivePeriod:       quicKeepAlive,
		MaxIncomingStreams:    int64(maxStreams),
		MaxIncomingUniStreams: -1,
	}
}

// Dial connects to a host:port over QUIC.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	if t.set.isClosed() {
		return nil, ErrTransportClosed
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("quic dial: %w", errNoTLSConfig)
	}

	ctx, cancel := dialContext(ctx, opts)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, withALPN(opts.TLSConfig, DefaultALPNProtocol), quicConfig(0))
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	return &quicConn{conn: conn, dialer: true}, nil
}

// Listen accepts QUIC connections on a UDP address.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	return t.set.add(func() (Listener, error) {
		if opts.TLSConfig == nil {
			return nil, fmt.Errorf("quic listen: %w", errNoTLSConfig)
		}
		ln, err := quic.ListenAddr(addr, withALPN(opts.TLSConfig, DefaultALPNProtocol), quicConfig(opts.MaxStreams))
		if err != nil {
			return nil, fmt.Errorf("quic listen %s: %w", addr, err)
		}
		return &quicListener{ln: ln}, nil
	})
}

// Close stops all listeners. Established connections are left to their owners.
func (t *QUICTransport) Close() error {
	return t.set.close()
}

type quicListener struct {
	ln        *quic.Listener
	closeOnce sync.Once
	closeErr  error
}

func (l *quicListener) Accept(ctx context.Context) (PeerConn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn}, nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.ln.Close() })
	return l.closeErr
}

type quicConn struct {
	conn   quic.Connection
	dialer bool
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	return quicStream{s}, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(0, "link closed")
}

func (c *quicConn) Done() <-chan struct{}        { return c.conn.Context().Done() }
func (c *quicConn) RemoteAddr() net.Addr         { return c.conn.RemoteAddr() }
func (c *quicConn) IsDialer() bool               { return c.dialer }
func (c *quicConn) TransportType() TransportType { return TransportQUIC }

func (c *quicConn) PeerCertificate() *x509.Certificate {
	state := c.conn.ConnectionState().TLS
	return peerCertificate(&state)
}

// quicStream adapts quic.Stream, whose Close only ends the send side.
type quicStream struct {
	quic.Stream
}

func (s quicStream) CloseWrite() error {
	return s.Stream.Close()
}

func (s quicStream) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}
