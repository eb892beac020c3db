// Package mesh is the overlay the agent runs on: nodes identified by a
// random id and a pinned self-signed certificate, linked over QUIC or
// WebSocket, exchanging presence, pairing requests and port forwarding
// sessions.
//
// Every overlay.Handler, StreamHandler and SessionRequestHandler callback is
// delivered from a single dispatcher goroutine in the order the events
// happened.
package mesh

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postalsys/pfd-agent/internal/certutil"
	"github.com/postalsys/pfd-agent/internal/forward"
	"github.com/postalsys/pfd-agent/internal/identity"
	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/metrics"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/recovery"
	"github.com/postalsys/pfd-agent/internal/transport"
)

const (
	// DefaultDialTimeout bounds one link dial including the handshake.
	DefaultDialTimeout = 10 * time.Second

	// DefaultRetryInterval is used when Start gets a non-positive interval.
	DefaultRetryInterval = 5 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxDialParallel  = 8
	maxFriendAddrs   = 4

	// Pairing requests allowed per remote node: a burst of 3, then one
	// every 10 seconds.
	friendRequestBurst = 3
	friendRequestEvery = 10 * time.Second
)

var (
	// ErrPeerUnreachable is returned when no link to the node exists.
	ErrPeerUnreachable = fmt.Errorf("%w: peer unreachable", overlay.ErrNotConnected)

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("mesh client already started")
)

// Config configures a mesh node.
type Config struct {
	overlay.Options

	// ListenAddr is the UDP address for inbound QUIC links, used when
	// UDPEnabled is set.
	ListenAddr string

	// WSListenAddr is the TCP address for inbound WebSocket links. Empty
	// disables the WebSocket listener.
	WSListenAddr string

	DialTimeout time.Duration

	// ProxyURL is an HTTP proxy for wss:// dials.
	ProxyURL string

	// SecretHash is the bcrypt hash pairing requests are checked against.
	// Empty rejects every request.
	SecretHash string

	// Services are the local services exposed to paired nodes. Empty means
	// session requests are refused.
	Services           map[string]string
	ServiceDialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is one mesh node. It implements overlay.Client.
type Client struct {
	cfg       Config
	handler   overlay.Handler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	id        identity.NodeID
	cert      *certutil.NodeCert
	serverTLS *tls.Config
	clientTLS *tls.Config
	quic      *transport.QUICTransport
	ws        *transport.WebSocketTransport
	services  *forward.ServiceDialer
	manager   *SessionManager
	dispatch  *dispatcher

	mu        sync.Mutex
	self      selfRecord
	presence  overlay.Presence
	friends   map[string]*friendRecord
	order     []string
	links     map[string]*link
	dialing   map[string]bool
	pending   map[string]bool
	tokens    map[string]sessionToken
	limiters  map[string]*rate.Limiter
	listeners []transport.Listener
	status    overlay.ConnectionStatus
	started   bool
	closed    bool
	cancel    context.CancelFunc

	wgMu     sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

var _ overlay.Client = (*Client)(nil)

// New loads or creates the node identity, certificate and roster under
// cfg.PersistentLocation. No network activity happens before Start.
func New(cfg Config, h overlay.Handler) (*Client, error) {
	if cfg.PersistentLocation == "" {
		return nil, fmt.Errorf("%w: persistent location required", overlay.ErrInvalidArgument)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: handler required", overlay.ErrInvalidArgument)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	logger := logging.Component(cfg.Logger, "mesh")
	dir := cfg.PersistentLocation

	id, created, err := identity.LoadOrCreate(dir)
	if err != nil {
		return nil, fmt.Errorf("load node id: %w", err)
	}
	if created {
		logger.Info("created node id", logging.KeyPeerID, id.String())
	}

	cert, created, err := certutil.LoadOrCreate(dir, id.String())
	if err != nil {
		return nil, fmt.Errorf("load node certificate: %w", err)
	}
	if created {
		logger.Info("created node certificate", "fingerprint", cert.Fingerprint())
	}

	serverTLS, err := transport.ServerTLSConfig(cert)
	if err != nil {
		return nil, err
	}
	clientTLS, err := transport.ClientTLSConfig(cert)
	if err != nil {
		return nil, err
	}

	roster, err := loadRoster(dir)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		handler:   h,
		logger:    logger.With("self", id.ShortString()),
		metrics:   cfg.Metrics,
		id:        id,
		cert:      cert,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quic:      transport.NewQUICTransport(),
		ws:        transport.NewWebSocketTransport(),
		self:      roster.Self,
		presence:  overlay.PresenceNone,
		friends:   make(map[string]*friendRecord),
		links:     make(map[string]*link),
		dialing:   make(map[string]bool),
		pending:   make(map[string]bool),
		tokens:    make(map[string]sessionToken),
		limiters:  make(map[string]*rate.Limiter),
		status:    overlay.Disconnected,
	}
	for i := range roster.Friends {
		f := roster.Friends[i]
		c.friends[f.ID] = &f
		c.order = append(c.order, f.ID)
	}
	if len(cfg.Services) > 0 {
		c.services = forward.NewServiceDialer(forward.ServiceConfig{
			Services:    cfg.Services,
			DialTimeout: cfg.ServiceDialTimeout,
			Logger:      cfg.Logger,
			Metrics:     cfg.Metrics,
		})
	}
	c.manager = newSessionManager(c)
	c.dispatch = newDispatcher(c.logger)

	return c, nil
}

// Factory returns a constructor with the signature agent.Config.NewClient
// expects.
func Factory(cfg Config) func(overlay.Handler) (overlay.Client, error) {
	return func(h overlay.Handler) (overlay.Client, error) {
		c, err := New(cfg, h)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ID returns the node id.
func (c *Client) ID() string {
	return c.id.String()
}

// Fingerprint returns the fingerprint of the node certificate.
func (c *Client) Fingerprint() string {
	return c.cert.Fingerprint()
}

// Start opens the listeners, reports the stored roster and starts dialing
// bootstrap nodes and friends. OnReady follows the first dial round.
func (c *Client) Start(ctx context.Context, retryInterval time.Duration) error {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return overlay.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	listeners, err := c.listen()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.listeners = listeners
	c.cancel = cancel
	snapshot := c.friendInfosLocked()
	c.setStatusLocked(overlay.Connecting)
	c.mu.Unlock()

	c.dispatch.post("OnFriends", func() { c.handler.OnFriends(snapshot) })

	for _, l := range listeners {
		l := l
		c.goSafe("mesh.acceptLoop", func() { c.acceptLoop(runCtx, l) })
	}
	c.goSafe("mesh.run", func() { c.run(runCtx, retryInterval) })

	c.logger.Info("mesh started",
		logging.KeyCount, len(snapshot),
		"fingerprint", c.cert.Fingerprint())
	return nil
}

func (c *Client) listen() ([]transport.Listener, error) {
	var listeners []transport.Listener
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}

	if c.cfg.UDPEnabled && c.cfg.ListenAddr != "" {
		l, err := c.quic.Listen(c.cfg.ListenAddr, transport.ListenOptions{TLSConfig: c.serverTLS})
		if err != nil {
			return nil, fmt.Errorf("listen quic: %w", err)
		}
		listeners = append(listeners, l)
		c.logger.Info("quic listener started", logging.KeyAddress, l.Addr().String())
	}

	if c.cfg.WSListenAddr != "" {
		l, err := c.ws.Listen(c.cfg.WSListenAddr, transport.ListenOptions{TLSConfig: c.serverTLS})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("listen websocket: %w", err)
		}
		listeners = append(listeners, l)
		c.logger.Info("websocket listener started", logging.KeyAddress, l.Addr().String())
	}

	return listeners, nil
}

// ListenAddrs returns the bound listener addresses.
func (c *Client) ListenAddrs() []net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]net.Addr, 0, len(c.listeners))
	for _, l := range c.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (c *Client) run(ctx context.Context, retryInterval time.Duration) {
	c.dialAll(ctx)

	c.mu.Lock()
	if len(c.links) == 0 {
		c.setStatusLocked(overlay.Disconnected)
	}
	c.mu.Unlock()
	c.dispatch.post("OnReady", c.handler.OnReady)

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dialAll(ctx)
		}
	}
}

// dialTarget is one node to dial, with its candidate addresses in order.
type dialTarget struct {
	addrs    []string
	expectID string
}

func (c *Client) dialTargetsLocked() []dialTarget {
	var targets []dialTarget

	linkedAddr := make(map[string]bool, len(c.links))
	for _, l := range c.links {
		if l.addr != "" {
			linkedAddr[l.addr] = true
		}
	}

	for _, b := range c.cfg.BootstrapNodes {
		expect := ""
		if b.PublicKey != "" {
			id, err := identity.ParseNodeID(b.PublicKey)
			if err != nil {
				c.logger.Warn("bootstrap public key is not a node id", "public_key", b.PublicKey)
				continue
			}
			expect = id.String()
			if c.links[expect] != nil || expect == c.id.String() {
				continue
			}
		}
		addrs := b.Addresses()
		skip := len(addrs) == 0
		for _, a := range addrs {
			if linkedAddr[a] {
				skip = true
			}
		}
		if !skip {
			targets = append(targets, dialTarget{addrs: addrs, expectID: expect})
		}
	}

	for _, id := range c.order {
		f := c.friends[id]
		if c.links[id] != nil || len(f.Addresses) == 0 {
			continue
		}
		targets = append(targets, dialTarget{
			addrs:    append([]string(nil), f.Addresses...),
			expectID: id,
		})
	}

	return targets
}

// dialAll dials every unlinked bootstrap node and friend concurrently.
func (c *Client) dialAll(ctx context.Context) {
	c.mu.Lock()
	targets := c.dialTargetsLocked()
	c.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(maxDialParallel)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			defer recovery.RecoverWithLog(c.logger, "mesh.dialTarget")
			for _, addr := range t.addrs {
				if ctx.Err() != nil {
					return nil
				}
				err := c.dial(ctx, addr, t.expectID)
				if err == nil {
					return nil
				}
				c.logger.Debug("dial failed", logging.KeyAddress, addr, logging.KeyError, err)
			}
			return nil
		})
	}
	g.Wait()
}

// Dial connects to addr immediately. expectID, when set, must match the id
// the remote presents.
func (c *Client) Dial(ctx context.Context, addr, expectID string) error {
	if expectID != "" {
		id, err := identity.ParseNodeID(expectID)
		if err != nil {
			return fmt.Errorf("%w: %v", overlay.ErrInvalidArgument, err)
		}
		expectID = id.String()
	}
	return c.dial(ctx, addr, expectID)
}

func (c *Client) dial(ctx context.Context, addr, expectID string) error {
	c.mu.Lock()
	if c.closed || c.dialing[addr] {
		c.mu.Unlock()
		return nil
	}
	c.dialing[addr] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.dialing, addr)
		c.mu.Unlock()
	}()

	var tr transport.Transport = c.quic
	if transport.TypeForAddress(addr) == transport.TransportWebSocket {
		tr = c.ws
	} else if !c.cfg.UDPEnabled {
		return fmt.Errorf("%w: udp disabled, cannot dial %s", overlay.ErrInvalidArgument, addr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, err := tr.Dial(dialCtx, addr, transport.DialOptions{
		TLSConfig: c.clientTLS,
		Timeout:   c.cfg.DialTimeout,
		ProxyURL:  c.cfg.ProxyURL,
	})
	if err != nil {
		return err
	}

	control, err := conn.OpenStream(dialCtx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("open control stream: %w", err)
	}

	l := newLink(c, conn, control, addr)
	if err := l.handshake(true); err != nil {
		conn.Close()
		return err
	}
	if expectID != "" && l.remoteID != expectID {
		conn.Close()
		return fmt.Errorf("node at %s is %s, want %s", addr, l.remoteID, expectID)
	}
	return c.register(ctx, l)
}

func (c *Client) acceptLoop(ctx context.Context, ln transport.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("accept stopped", logging.KeyError, err)
			}
			return
		}
		c.goSafe("mesh.acceptLink", func() { c.acceptLink(ctx, conn) })
	}
}

func (c *Client) acceptLink(ctx context.Context, conn transport.PeerConn) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	control, err := conn.AcceptStream(hctx)
	if err != nil {
		conn.Close()
		return
	}

	l := newLink(c, conn, control, "")
	if err := l.handshake(false); err != nil {
		c.logger.Debug("inbound handshake failed", logging.KeyRemoteAddr, remoteAddr(conn), logging.KeyError, err)
		conn.Close()
		return
	}
	if err := c.register(ctx, l); err != nil {
		c.logger.Debug("inbound link rejected", logging.KeyPeerID, l.remoteID, logging.KeyError, err)
	}
}

// register installs a handshaken link. When both nodes dial each other at
// once, the link dialed by the lower id wins on both sides.
func (c *Client) register(ctx context.Context, l *link) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return overlay.ErrClosed
	}

	if f, ok := c.friends[l.remoteID]; ok && !certutil.VerifyFingerprint(l.cert, f.Fingerprint) {
		c.mu.Unlock()
		l.close()
		c.logger.Warn("friend presented a different certificate; link refused",
			logging.KeyPeerID, l.remoteID,
			"fingerprint", l.fingerprint)
		return fmt.Errorf("certificate mismatch for %s", l.remoteID)
	}

	old := c.links[l.remoteID]
	if old != nil && !c.prefer(l, old) {
		c.mu.Unlock()
		l.close()
		return fmt.Errorf("duplicate link to %s", l.remoteID)
	}

	c.links[l.remoteID] = l
	c.metrics.SetLinksActive(len(c.links))
	c.setStatusLocked(overlay.Connected)

	if f, ok := c.friends[l.remoteID]; ok {
		id := l.remoteID
		if old != nil {
			// Sessions on the old link die with it; report the gap so the
			// consumer rebuilds on the new one.
			c.dispatch.post("OnFriendConnection", func() { c.handler.OnFriendConnection(id, overlay.Disconnected) })
		}
		changed := c.learnFriendLocked(f, l)
		info := c.peerInfoLocked(f)
		if changed {
			c.dispatch.post("OnFriendInfoChanged", func() { c.handler.OnFriendInfoChanged(id, info) })
		}
		c.dispatch.post("OnFriendPresence", func() { c.handler.OnFriendPresence(id, info.Presence) })
		c.dispatch.post("OnFriendConnection", func() { c.handler.OnFriendConnection(id, overlay.Connected) })
	}
	c.mu.Unlock()

	if old != nil {
		old.close()
	}

	c.logger.Info("link up",
		logging.KeyPeerID, l.remoteID,
		logging.KeyAddress, l.addr,
		"transport", string(l.conn.TransportType()),
		"dialer", l.dialer)

	c.goSafe("mesh.link.readLoop", func() { c.readLoop(l) })
	c.goSafe("mesh.link.acceptStreams", func() { c.acceptStreams(ctx, l) })
	return nil
}

// prefer reports whether candidate should replace existing.
func (c *Client) prefer(candidate, existing *link) bool {
	dialerOf := func(l *link) string {
		if l.dialer {
			return c.id.String()
		}
		return l.remoteID
	}
	if dialerOf(candidate) == dialerOf(existing) {
		return true
	}
	winner := c.id.String()
	if candidate.remoteID < winner {
		winner = candidate.remoteID
	}
	return dialerOf(candidate) == winner
}

// unregister removes l if it is still the current link to its node.
func (c *Client) unregister(l *link) {
	c.mu.Lock()
	if c.links[l.remoteID] != l {
		c.mu.Unlock()
		return
	}
	delete(c.links, l.remoteID)
	delete(c.pending, l.remoteID)
	c.metrics.SetLinksActive(len(c.links))

	id := l.remoteID
	if _, ok := c.friends[id]; ok {
		c.dispatch.post("OnFriendConnection", func() { c.handler.OnFriendConnection(id, overlay.Disconnected) })
	}
	if len(c.links) == 0 && !c.closed {
		c.setStatusLocked(overlay.Disconnected)
	}
	c.mu.Unlock()

	c.manager.peerDown(id)
	c.logger.Info("link down", logging.KeyPeerID, id)
}

func (c *Client) link(id string) *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[id]
}

func (c *Client) setStatusLocked(status overlay.ConnectionStatus) {
	if c.status == status {
		return
	}
	c.status = status
	c.dispatch.post("OnConnection", func() { c.handler.OnConnection(status) })
}

// Status returns the overlay connection status.
func (c *Client) Status() overlay.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LinkInfo describes one live link.
type LinkInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Address   string `json:"address,omitempty"`
	Transport string `json:"transport"`
	Dialer    bool   `json:"dialer"`
	Friend    bool   `json:"friend"`
}

// Links returns the live links in no particular order.
func (c *Client) Links() []LinkInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]LinkInfo, 0, len(c.links))
	for id, l := range c.links {
		name, _, _ := l.profile()
		_, friend := c.friends[id]
		addr := l.addr
		if addr == "" {
			addr = remoteAddr(l.conn)
		}
		out = append(out, LinkInfo{
			ID:        id,
			Name:      name,
			Address:   addr,
			Transport: string(l.conn.TransportType()),
			Dialer:    l.dialer,
			Friend:    friend,
		})
	}
	return out
}

// Kill closes every link, session and listener and waits for the mesh
// goroutines and pending callbacks to finish.
func (c *Client) Kill() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.links = make(map[string]*link)
	listeners := c.listeners
	c.listeners = nil
	cancel := c.cancel
	c.mu.Unlock()

	c.wgMu.Lock()
	c.stopping = true
	c.wgMu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.manager.Cleanup()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, l := range links {
		err = multierr.Append(err, l.close())
	}
	err = multierr.Append(err, c.quic.Close())
	err = multierr.Append(err, c.ws.Close())

	c.wg.Wait()
	c.dispatch.close()
	c.metrics.SetLinksActive(0)

	c.logger.Info("mesh stopped")
	return err
}

// goSafe runs fn on a tracked goroutine unless the client is stopping.
func (c *Client) goSafe(name string, fn func()) bool {
	c.wgMu.Lock()
	if c.stopping {
		c.wgMu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.wgMu.Unlock()

	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, name)
		fn()
	}()
	return true
}

func remoteAddr(conn transport.PeerConn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
