// Package peer holds the per-peer record and the forwarding state machine
// that keeps a local TCP port bridged to the peer over an overlay session.
//
// Stream and forwarding fields are changed only by the state machine;
// roster metadata (info, connection status, presence) only through the
// Set* methods used by the agent.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/metrics"
	"github.com/postalsys/pfd-agent/internal/overlay"
)

const (
	// Host is the address forwarded ports are bound to.
	Host = "127.0.0.1"

	// DefaultService is the remote service name forwarded when none is configured.
	DefaultService = "hivenode"

	invalidHandle = -1
)

// ErrNoFreePort is returned when no ephemeral local port could be reserved.
var ErrNoFreePort = errors.New("no free local port")

// Outcome describes what RequestForwarding did.
type Outcome int

const (
	// OutcomeOffline means the peer is not online; nothing was done.
	OutcomeOffline Outcome = iota
	// OutcomeInProgress means a session is already being negotiated.
	OutcomeInProgress
	// OutcomeForwarding means the stream is connected and forwarding is open.
	OutcomeForwarding
	// OutcomeSessionCreated means a new session and stream were created.
	OutcomeSessionCreated
	// OutcomeFailed means the attempt failed; the returned error says why.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOffline:
		return "offline"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeForwarding:
		return "forwarding"
	case OutcomeSessionCreated:
		return "session_created"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionOpener creates overlay sessions. overlay.SessionManager satisfies it.
type SessionOpener interface {
	NewSession(peerID string) (overlay.Session, error)
}

// Config holds the dependencies of a Peer.
type Config struct {
	Info     overlay.PeerInfo
	Sessions SessionOpener

	// Service is the remote service forwarded to the local port.
	Service string

	// Port pins the local port. Empty means allocate one on first open.
	Port string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Peer is one roster entry and its forwarding state machine.
type Peer struct {
	sessions SessionOpener
	service  string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	info       overlay.PeerInfo
	port       string
	handle     int
	state      overlay.StreamState
	session    overlay.Session
	stream     overlay.Stream
	generation uint64
	reopen     bool
	openedAt   time.Time
}

// New creates a peer in the Closed state.
func New(cfg Config) *Peer {
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}

	return &Peer{
		sessions: cfg.Sessions,
		service:  service,
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyPeerID, cfg.Info.ID),
		metrics:  cfg.Metrics,
		info:     cfg.Info,
		port:     cfg.Port,
		handle:   invalidHandle,
		state:    overlay.StateClosed,
	}
}

// ID returns the overlay identity of the peer.
func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.ID
}

// Name returns the display name.
func (p *Peer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.Name
}

// Info returns a copy of the roster metadata.
func (p *Peer) Info() overlay.PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Host returns the address the forwarded port listens on.
func (p *Peer) Host() string {
	return Host
}

// Port returns the pinned or last used local port.
func (p *Peer) Port() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// State returns the current stream state.
func (p *Peer) State() overlay.StreamState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Handle returns the forwarding handle, or -1 when none is open.
func (p *Peer) Handle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// Generation returns how many sessions have been created for this peer.
func (p *Peer) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// IsOnline reports whether the peer is connected and its presence is none.
func (p *Peer) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onlineLocked()
}

func (p *Peer) onlineLocked() bool {
	return p.info.ConnectionStatus == overlay.Connected && p.info.Presence == overlay.PresenceNone
}

// IsForwarding reports whether a forwarding handle is open.
func (p *Peer) IsForwarding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle > 0
}

// IsConnected reports whether forwarding is open. When it is not, a
// forwarding request is issued so a later call may succeed.
func (p *Peer) IsConnected() bool {
	if p.IsForwarding() {
		return true
	}
	_, _ = p.RequestForwarding()
	return false
}

// SetInfo replaces the roster metadata. The id never changes.
func (p *Peer) SetInfo(info overlay.PeerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.info.ID
	p.info = info
	if id != "" {
		p.info.ID = id
	}
}

// SetConnectionStatus records the peer's connection status.
func (p *Peer) SetConnectionStatus(status overlay.ConnectionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.ConnectionStatus = status
}

// SetPresence records the peer's presence.
func (p *Peer) SetPresence(presence overlay.Presence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.Presence = presence
}

// RequestForwarding makes sure forwarding to the peer is open or on its way.
func (p *Peer) RequestForwarding() (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.onlineLocked() {
		p.logger.Info("peer offline, forwarding not requested")
		return OutcomeOffline, nil
	}

	next, act := transition(p.state, eventRequest)
	switch act {
	case actionNone:
		p.logger.Info("forwarding in progress", logging.KeyState, p.state.String())
		return OutcomeInProgress, nil

	case actionOpenForwarding:
		if err := p.openForwardingLocked(); err != nil {
			p.logger.Error("open port forwarding failed", logging.KeyError, err)
			return OutcomeFailed, err
		}
		p.logger.Info("forwarding ready", logging.KeyPort, p.port)
		return OutcomeForwarding, nil
	}

	// Closed, Deactivated or Error: start over with a fresh session.
	p.state = overlay.StateClosed
	if err := p.createSessionLocked(); err != nil {
		return OutcomeFailed, err
	}
	p.state = next
	return OutcomeSessionCreated, nil
}

// SetPort pins the local port. While connected, forwarding is reopened on the
// new port at once.
func (p *Peer) SetPort(port string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == port {
		return nil
	}
	p.port = port

	if _, act := transition(p.state, eventPortChanged); act != actionReopenForwarding {
		return nil
	}

	p.reopen = true
	if err := p.openForwardingLocked(); err != nil {
		p.logger.Error("reopen port forwarding failed", logging.KeyPort, port, logging.KeyError, err)
		return err
	}
	return nil
}

// Close tears down the session, its stream and the forwarding handle.
// It is safe to call on a closed peer.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stepLocked(eventClose, nil, "")
}

// createSessionLocked opens a new session to the peer and attaches the
// forwarding stream. A half-built session is closed again on failure.
func (p *Peer) createSessionLocked() error {
	if p.sessions == nil {
		return fmt.Errorf("create session to %s: %w", p.info.ID, overlay.ErrNotConnected)
	}

	session, err := p.sessions.NewSession(p.info.ID)
	if err != nil {
		p.metrics.RecordSessionFailure("new_session")
		p.logger.Error("new session failed", logging.KeyError, err)
		return fmt.Errorf("new session to %s: %w", p.info.ID, err)
	}

	p.generation++
	s := &sink{peer: p, generation: p.generation}

	if _, err := session.AddStream(overlay.StreamApplication, overlay.ForwardingCapabilities(), s); err != nil {
		p.metrics.RecordSessionFailure("add_stream")
		p.logger.Error("add stream failed", logging.KeyError, err)
		if cerr := session.Close(); cerr != nil {
			p.logger.Debug("close discarded session", logging.KeyError, cerr)
		}
		return fmt.Errorf("add stream to %s: %w", p.info.ID, err)
	}

	p.session = session
	p.metrics.RecordSessionCreated()
	p.logger.Info("session created", logging.KeyGeneration, p.generation)
	return nil
}

// stepLocked feeds ev to the state machine and runs the resulting action.
func (p *Peer) stepLocked(ev event, stream overlay.Stream, sdp string) error {
	next, act := transition(p.state, ev)
	p.state = next

	switch act {
	case actionSendRequest:
		if err := p.session.Request(&sink{peer: p, generation: p.generation}); err != nil {
			return fmt.Errorf("session request: %w", err)
		}
		p.logger.Info("session request sent")

	case actionStartSession:
		if err := p.session.Start(sdp); err != nil {
			// The stream reports Error or Closed afterwards and drives cleanup.
			p.metrics.RecordSessionFailure("start")
			p.logger.Error("session start failed", logging.KeyError, err)
			return nil
		}
		p.logger.Info("session started")

	case actionOpenForwarding:
		if stream != nil {
			p.stream = stream
		}
		return p.openForwardingLocked()

	case actionTeardown:
		p.teardownLocked(ev)
	}

	return nil
}

// openForwardingLocked opens the forwarding channel unless one is already
// open and no reopen was requested.
func (p *Peer) openForwardingLocked() error {
	if p.handle > 0 && !p.reopen {
		p.logger.Debug("port forwarding already opened", logging.KeyHandle, p.handle)
		return nil
	}
	if p.stream == nil {
		return fmt.Errorf("open port forwarding: %w", overlay.ErrNotConnected)
	}

	if p.handle > 0 {
		if err := p.stream.ClosePortForwarding(p.handle); err != nil {
			p.logger.Warn("close port forwarding failed", logging.KeyHandle, p.handle, logging.KeyError, err)
		}
		p.metrics.RecordForwardingClose()
		p.handle = invalidHandle
		p.reopen = false
	}

	port := p.port
	if port == "" {
		n, err := findFreePort()
		if err != nil {
			p.metrics.RecordForwardingError("no_free_port")
			return err
		}
		port = strconv.Itoa(n)
	}

	handle, err := p.stream.OpenPortForwarding(p.service, overlay.ProtocolTCP, Host, port)
	if err != nil {
		p.metrics.RecordForwardingError("open")
		return fmt.Errorf("open port forwarding on %s: %w", net.JoinHostPort(Host, port), err)
	}

	p.handle = handle
	p.port = port
	p.reopen = false
	p.openedAt = time.Now()
	p.metrics.RecordForwardingOpen()
	p.logger.Info("port forwarding opened",
		logging.KeyService, p.service,
		logging.KeyPort, port,
		logging.KeyHandle, handle)
	return nil
}

// teardownLocked closes the session (and with it the stream) and
// invalidates the forwarding handle.
func (p *Peer) teardownLocked(cause event) {
	if p.handle > 0 {
		if p.stream != nil {
			if err := p.stream.ClosePortForwarding(p.handle); err != nil {
				p.logger.Debug("close port forwarding", logging.KeyHandle, p.handle, logging.KeyError, err)
			}
		}
		p.metrics.RecordForwardingClose()
	}
	if p.session != nil {
		if err := p.session.Close(); err != nil {
			p.logger.Debug("session close", logging.KeyError, err)
		}
		p.logger.Info("session closed", "cause", cause.String(), logging.KeyGeneration, p.generation)
	}

	p.session = nil
	p.stream = nil
	p.state = overlay.StateClosed
	p.handle = invalidHandle
	p.reopen = false
	p.openedAt = time.Time{}
}

// onStateChanged handles a stream callback for the session of generation gen.
func (p *Peer) onStateChanged(gen uint64, stream overlay.Stream, state overlay.StreamState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.RecordStreamState(state.String())

	if p.staleLocked(gen) {
		p.logger.Debug("stale stream callback dropped",
			logging.KeyState, state.String(),
			logging.KeyGeneration, gen)
		return
	}

	ev, ok := streamEvent(state)
	if !ok {
		p.logger.Warn("unknown stream state", logging.KeyState, state.String())
		return
	}

	p.logger.Info("stream state changed", logging.KeyState, state.String())

	if err := p.stepLocked(ev, stream, ""); err != nil {
		p.logger.Error("stream callback failed", logging.KeyState, state.String(), logging.KeyError, err)
		p.stepLocked(eventStreamError, nil, "")
	}
}

// onCompletion handles the session request completion for generation gen.
func (p *Peer) onCompletion(gen uint64, status int, reason, sdp string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.staleLocked(gen) {
		p.logger.Debug("stale session completion dropped", logging.KeyGeneration, gen)
		return
	}

	if status != 0 {
		p.metrics.RecordSessionFailure("handshake")
		p.logger.Info("session request rejected", logging.KeyStatus, status, "reason", reason)
		p.stepLocked(eventHandshakeFailed, nil, "")
		return
	}

	p.stepLocked(eventHandshakeOK, nil, sdp)
}

func (p *Peer) staleLocked(gen uint64) bool {
	if gen != p.generation || p.session == nil {
		p.metrics.RecordStaleCallback()
		return true
	}
	return false
}

// sink receives overlay callbacks for one session generation.
type sink struct {
	peer       *Peer
	generation uint64
}

func (s *sink) OnStateChanged(stream overlay.Stream, state overlay.StreamState) {
	s.peer.onStateChanged(s.generation, stream, state)
}

func (s *sink) OnCompletion(session overlay.Session, status int, reason, sdp string) {
	s.peer.onCompletion(s.generation, status, reason, sdp)
}

// findFreePort asks the OS for an unused TCP port on Host. The port is
// released before returning, so another process may take it first.
var findFreePort = func() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(Host, "0"))
	if err != nil {
		return invalidHandle, fmt.Errorf("%w: %v", ErrNoFreePort, err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
