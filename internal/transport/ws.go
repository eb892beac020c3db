package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"golang.org/x/net/http/httpproxy"
	"nhooyr.io/websocket"
)

const (
	wsDefaultPath      = "/pfd"
	wsDefaultReadLimit = 16 * 1024 * 1024
	wsShutdownTimeout  = 5 * time.Second
	wsAcceptBacklog    = 16
)

// WebSocketTransport carries links over HTTPS WebSocket upgrades. WebSocket
// has no native streams, so each connection runs a yamux session over its
// binary message stream.
type WebSocketTransport struct {
	set listenerSet
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

func (t *WebSocketTransport) Type() TransportType { return TransportWebSocket }

// Dial connects to a ws:// or wss:// URL, or to a bare host:port which is
// dialed as wss with the default path.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	if t.set.isClosed() {
		return nil, ErrTransportClosed
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("websocket dial: %w", errNoTLSConfig)
	}

	ctx, cancel := dialContext(ctx, opts)
	defer cancel()

	client, err := buildHTTPClient(opts)
	if err != nil {
		return nil, err
	}

	ws, resp, err := websocket.Dial(ctx, parseWebSocketURL(addr), &websocket.DialOptions{
		HTTPClient:   client,
		Subprotocols: []string{DefaultWSSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", addr, err)
	}

	var cert *x509.Certificate
	if resp != nil {
		cert = peerCertificate(resp.TLS)
	}
	return newWSConn(ws, cert, true, 0)
}

// Listen serves WebSocket upgrades over HTTPS on opts.Path.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	return t.set.add(func() (Listener, error) {
		if opts.TLSConfig == nil {
			return nil, fmt.Errorf("websocket listen: %w", errNoTLSConfig)
		}
		path := opts.Path
		if path == "" {
			path = wsDefaultPath
		}
		l := &wsListener{
			maxStreams: opts.MaxStreams,
			conns:      make(chan *wsConn, wsAcceptBacklog),
			done:       make(chan struct{}),
		}
		if err := l.serve(addr, path, withALPN(opts.TLSConfig, "http/1.1")); err != nil {
			return nil, err
		}
		return l, nil
	})
}

// Close stops all listeners.
func (t *WebSocketTransport) Close() error {
	return t.set.close()
}

type wsListener struct {
	maxStreams int
	server     *http.Server
	ln         net.Listener
	conns      chan *wsConn
	done       chan struct{}
	closed     atomic.Bool
}

func (l *wsListener) serve(addr, path string, tlsConfig *tls.Config) error {
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.upgrade)

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		// Upgrades need HTTP/1.1; an empty map keeps h2 off.
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	l.ln = ln

	go l.server.ServeTLS(ln, "", "")
	return nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{DefaultWSSubprotocol},
	})
	if err != nil {
		return
	}
	if ws.Subprotocol() != DefaultWSSubprotocol {
		ws.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}

	conn, err := newWSConn(ws, peerCertificate(r.TLS), false, l.maxStreams)
	if err != nil {
		return
	}

	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (PeerConn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *wsListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.done)

	ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsConn is a yamux session over one WebSocket.
type wsConn struct {
	session *yamux.Session
	cert    *x509.Certificate
	dialer  bool
}

// newWSConn starts the yamux session; the dialing side is the yamux client.
func newWSConn(ws *websocket.Conn, cert *x509.Certificate, dialer bool, maxStreams int) (*wsConn, error) {
	ws.SetReadLimit(wsDefaultReadLimit)
	nc := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)

	var session *yamux.Session
	var err error
	if dialer {
		session, err = yamux.Client(nc, yamuxConfig(maxStreams))
	} else {
		session, err = yamux.Server(nc, yamuxConfig(maxStreams))
	}
	if err != nil {
		ws.Close(websocket.StatusInternalError, "session setup failed")
		return nil, fmt.Errorf("yamux session: %w", err)
	}
	return &wsConn{session: session, cert: cert, dialer: dialer}, nil
}

func (c *wsConn) OpenStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open yamux stream: %w", err)
	}
	return wsStream{s}, nil
}

func (c *wsConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.session.AcceptStreamWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return wsStream{s}, nil
}

// Close ends the session and the WebSocket under it.
func (c *wsConn) Close() error { return c.session.Close() }

func (c *wsConn) Done() <-chan struct{}              { return c.session.CloseChan() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.session.RemoteAddr() }
func (c *wsConn) IsDialer() bool                     { return c.dialer }
func (c *wsConn) PeerCertificate() *x509.Certificate { return c.cert }
func (c *wsConn) TransportType() TransportType       { return TransportWebSocket }

// wsStream adapts a yamux stream. yamux Close sends FIN and keeps reads open
// until the remote closes, so it doubles as CloseWrite.
type wsStream struct {
	*yamux.Stream
}

func (s wsStream) CloseWrite() error {
	return s.Stream.Close()
}

func (s wsStream) Close() error {
	err := s.Stream.Close()
	s.Stream.SetReadDeadline(time.Now())
	return err
}

func yamuxConfig(maxStreams int) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	if maxStreams > 0 {
		cfg.AcceptBacklog = maxStreams
	}
	return cfg
}

// parseWebSocketURL turns a dial address into a WebSocket URL.
func parseWebSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "wss://" + addr + wsDefaultPath
}

// buildHTTPClient creates the HTTP client used for the upgrade request.
func buildHTTPClient(opts DialOptions) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig: withALPN(opts.TLSConfig, "http/1.1"),
	}

	if opts.ProxyURL != "" {
		proxy, err := proxyFunc(opts.ProxyURL, noProxyEnv())
		if err != nil {
			return nil, err
		}
		transport.Proxy = proxy
	}

	return &http.Client{Transport: transport}, nil
}

// proxyFunc routes every upgrade request through proxyURL except hosts
// matched by noProxy (NO_PROXY syntax) and loopback addresses.
func proxyFunc(proxyURL, noProxy string) (func(*http.Request) (*url.URL, error), error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL %q: no host", proxyURL)
	}

	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL,
		HTTPSProxy: proxyURL,
		NoProxy:    noProxy,
	}
	fn := cfg.ProxyFunc()
	return func(r *http.Request) (*url.URL, error) {
		return fn(r.URL)
	}, nil
}

func noProxyEnv() string {
	if v := os.Getenv("NO_PROXY"); v != "" {
		return v
	}
	return os.Getenv("no_proxy")
}
