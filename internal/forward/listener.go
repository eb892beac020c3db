// Package forward bridges TCP connections across overlay streams.
//
// The requesting side runs a Listener on a loopback port and relays every
// accepted connection through a Dialer that opens an overlay stream. The
// serving side hands each incoming stream to a ServiceDialer, which reads the
// requested service name and relays to the configured local address.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/metrics"
	"github.com/postalsys/pfd-agent/internal/recovery"
)

// Dialer opens a connection to a named service on the remote side.
type Dialer interface {
	DialService(ctx context.Context, service string) (net.Conn, error)
}

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// Service is the remote service connections are relayed to.
	Service string

	// Address is the local address to listen on.
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Listener accepts local TCP connections and relays each one to the remote
// service through its Dialer.
type Listener struct {
	cfg     ListenerConfig
	dialer  Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	slots    chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	started  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewListener creates a listener; nothing is bound until Start.
func NewListener(cfg ListenerConfig, dialer Dialer) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyService, cfg.Service),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
	if cfg.MaxConnections > 0 {
		l.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return l
}

// Start binds the local address and starts accepting.
func (l *Listener) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("listener already started")
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}
	l.listener = ln

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("forward listener started", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop closes the listener and every relayed connection, then waits for the
// relays to finish.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.cancel()
		if l.listener != nil {
			err = l.listener.Close()
		}

		l.mu.Lock()
		for c := range l.conns {
			c.Close()
		}
		l.mu.Unlock()

		l.logger.Info("forward listener stopped")
	})
	l.wg.Wait()
	return err
}

// Address returns the listening address, nil before Start.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Port returns the bound TCP port as a string, empty before Start.
func (l *Listener) Port() string {
	addr, ok := l.Address().(*net.TCPAddr)
	if !ok {
		return ""
	}
	return strconv.Itoa(addr.Port)
}

func (l *Listener) Service() string { return l.cfg.Service }

// ConnectionCount returns the number of connections being relayed.
func (l *Listener) ConnectionCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.conns))
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Debug("accept failed", logging.KeyError, err)
			}
			return
		}

		if !l.acquire() {
			l.logger.Debug("connection limit reached", "limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.handle(conn)
	}
}

func (l *Listener) acquire() bool {
	if l.slots == nil {
		return true
	}
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *Listener) release(conn net.Conn) {
	conn.Close()
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	if l.slots != nil {
		<-l.slots
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.handle")
	defer l.release(conn)

	remote := conn.RemoteAddr().String()

	target, err := l.dialer.DialService(l.ctx, l.cfg.Service)
	if err != nil {
		l.metrics.RecordForwardingError("dial")
		l.logger.Debug("dial service failed", logging.KeyRemoteAddr, remote, logging.KeyError, err)
		return
	}
	defer target.Close()

	l.metrics.RecordTunnelConnect()
	defer l.metrics.RecordTunnelDisconnect()

	l.logger.Debug("relaying connection", logging.KeyRemoteAddr, remote)
	Relay(conn, target)
	l.logger.Debug("relay finished", logging.KeyRemoteAddr, remote)
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// Relay copies data in both directions until both sides are done, passing
// half-closes through where the connection supports them.
func Relay(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			dst.Close()
		}
	}

	go pipe(b, a)
	go pipe(a, b)

	wg.Wait()
}
