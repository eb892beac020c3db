package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
	"go.uber.org/multierr"

	"github.com/postalsys/pfd-agent/internal/forward"
	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/transport"
)

// attachTimeout bounds opening a data stream and reading the ATTACH reply.
const attachTimeout = 10 * time.Second

// muxConfig is the yamux configuration for session data streams.
func muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	cfg.StreamOpenTimeout = attachTimeout
	return cfg
}

// SessionManager creates sessions to friends. It implements
// overlay.SessionManager.
type SessionManager struct {
	c *Client

	mu       sync.Mutex
	sessions map[string]*session
	nextID   int
	closed   bool
}

var _ overlay.SessionManager = (*SessionManager)(nil)

func newSessionManager(c *Client) *SessionManager {
	return &SessionManager{c: c, sessions: make(map[string]*session)}
}

// NewSession creates a session to the friend peerID.
func (m *SessionManager) NewSession(peerID string) (overlay.Session, error) {
	id, err := canonicalID(peerID)
	if err != nil {
		return nil, err
	}
	if !m.c.IsFriend(id) {
		return nil, overlay.ErrNotFriend
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, overlay.ErrClosed
	}
	sid := uuid.NewString()
	s := &session{
		id:     sid,
		peerID: id,
		m:      m,
		logger: m.c.logger.With(logging.KeyPeerID, id, logging.KeySession, sid),
	}
	m.sessions[s.id] = s
	return s, nil
}

// Cleanup closes every session. The manager accepts no new sessions after.
func (m *SessionManager) Cleanup() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *SessionManager) remove(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

func (m *SessionManager) streamID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

func (m *SessionManager) handleReply(peerID string, msg sessionReplyMsg) {
	m.mu.Lock()
	s := m.sessions[msg.Session]
	m.mu.Unlock()

	if s == nil || s.peerID != peerID {
		return
	}
	s.complete(msg)
}

// peerDown fails every session to peerID that has not reached Connected.
// Connected sessions notice through their multiplexer.
func (m *SessionManager) peerDown(peerID string) {
	m.mu.Lock()
	var sessions []*session
	for _, s := range m.sessions {
		if s.peerID == peerID {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.fail(overlay.ErrNotConnected, false)
	}
}

// session implements overlay.Session.
type session struct {
	id     string
	peerID string
	m      *SessionManager
	logger *slog.Logger

	mu      sync.Mutex
	stream  *stream
	request overlay.SessionRequestHandler
	token   string
	started bool
	failed  bool
	closed  bool
	data    transport.Stream
	mux     *yamux.Session
}

func (s *session) PeerID() string { return s.peerID }

func (s *session) AddStream(t overlay.StreamType, caps overlay.Capabilities, h overlay.StreamHandler) (overlay.Stream, error) {
	if t != overlay.StreamApplication || !caps.PortForwarding {
		return nil, fmt.Errorf("%w: only port forwarding application streams are supported", overlay.ErrInvalidArgument)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: stream handler required", overlay.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, overlay.ErrClosed
	}
	if s.stream != nil {
		return nil, fmt.Errorf("%w: session already has a stream", overlay.ErrInvalidArgument)
	}

	st := &stream{
		id:       s.m.streamID(),
		session:  s,
		handler:  h,
		forwards: make(map[int]*forward.Listener),
	}
	s.stream = st
	s.post(overlay.StateInitialized)
	return st, nil
}

func (s *session) Request(h overlay.SessionRequestHandler) error {
	if h == nil {
		return fmt.Errorf("%w: request handler required", overlay.ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return overlay.ErrClosed
	}
	if s.stream == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: session has no stream", overlay.ErrInvalidArgument)
	}
	s.request = h
	s.mu.Unlock()

	l := s.m.c.link(s.peerID)
	if l == nil {
		return ErrPeerUnreachable
	}
	if err := l.send(msgSessionRequest, sessionRequestMsg{Session: s.id}); err != nil {
		return fmt.Errorf("%w: %v", overlay.ErrNotConnected, err)
	}
	return nil
}

func (s *session) complete(msg sessionReplyMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.request == nil {
		return
	}
	h := s.request
	s.request = nil

	reason := msg.Reason
	if msg.Status == 0 && msg.Token == "" {
		msg.Status, reason = -1, "empty session token"
	}
	s.m.c.dispatch.post("OnCompletion", func() { h.OnCompletion(s, msg.Status, reason, msg.Token) })
}

func (s *session) Start(remoteSDP string) error {
	if remoteSDP == "" {
		return fmt.Errorf("%w: empty remote description", overlay.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return overlay.ErrClosed
	}
	if s.stream == nil {
		return fmt.Errorf("%w: session has no stream", overlay.ErrInvalidArgument)
	}
	if s.started {
		return fmt.Errorf("%w: session already started", overlay.ErrInvalidArgument)
	}

	l := s.m.c.link(s.peerID)
	if l == nil {
		return ErrPeerUnreachable
	}
	s.started = true
	s.token = remoteSDP

	if !s.m.c.goSafe("mesh.session.connect", func() { s.connect(l, remoteSDP) }) {
		return overlay.ErrClosed
	}
	return nil
}

// connect attaches a data stream to the token and runs the multiplexer
// the port forwards ride on.
func (s *session) connect(l *link, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()

	ds, err := l.conn.OpenStream(ctx)
	if err != nil {
		s.fail(fmt.Errorf("open data stream: %w", err), true)
		return
	}

	ds.SetDeadline(time.Now().Add(attachTimeout))
	var reply attachReplyMsg
	if err := writeFrame(ds, msgAttach, attachMsg{Token: token}); err != nil {
		ds.Close()
		s.fail(fmt.Errorf("send attach: %w", err), true)
		return
	}
	if err := readFrameAs(ds, msgAttachReply, &reply); err != nil {
		ds.Close()
		s.fail(fmt.Errorf("read attach reply: %w", err), true)
		return
	}
	ds.SetDeadline(time.Time{})
	if reply.Status != 0 {
		ds.Close()
		s.fail(fmt.Errorf("attach refused: %s", reply.Reason), true)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ds.Close()
		return
	}
	s.data = ds
	s.post(overlay.StateTransportReady)
	s.mu.Unlock()

	mux, err := yamux.Client(ds, muxConfig())
	if err != nil {
		s.fail(fmt.Errorf("start multiplexer: %w", err), true)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		mux.Close()
		return
	}
	s.mux = mux
	s.post(overlay.StateConnected)
	s.mu.Unlock()

	s.logger.Info("session connected")

	select {
	case <-mux.CloseChan():
	case <-l.conn.Done():
		mux.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.failed = true
	s.post(overlay.StateDeactivated)
	s.logger.Info("session deactivated")
}

// fail reports StateError once, unless the session is closed or already
// connected and connectedToo is false.
func (s *session) fail(err error, connectedToo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed || s.stream == nil {
		return
	}
	if s.mux != nil && !connectedToo {
		return
	}
	s.failed = true
	if h := s.request; h != nil {
		s.request = nil
		s.m.c.dispatch.post("OnCompletion", func() { h.OnCompletion(s, -1, err.Error(), "") })
		return
	}
	s.post(overlay.StateError)
	s.logger.Warn("session failed", logging.KeyError, err)
}

// post queues a state change for the stream handler. Callers hold s.mu.
func (s *session) post(state overlay.StreamState) {
	st := s.stream
	if st == nil {
		return
	}
	s.m.c.dispatch.post("OnStateChanged", func() { st.handler.OnStateChanged(st, state) })
}

func (s *session) muxSession() *yamux.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.mux
}

// Close tears down the session and its forwards without callbacks.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	st, mux, data, token := s.stream, s.mux, s.data, s.token
	s.mu.Unlock()

	s.m.remove(s)

	var err error
	if st != nil {
		err = multierr.Append(err, st.closeAll())
	}
	if mux != nil {
		err = multierr.Append(err, mux.Close())
	}
	if data != nil {
		err = multierr.Append(err, data.Close())
	}

	if token != "" && mux == nil {
		c := s.m.c
		c.goSafe("mesh.session.revoke", func() {
			if l := c.link(s.peerID); l != nil {
				l.send(msgSessionClose, sessionCloseMsg{Token: token})
			}
		})
	}
	return err
}

// stream implements overlay.Stream.
type stream struct {
	id      int
	session *session
	handler overlay.StreamHandler

	mu         sync.Mutex
	forwards   map[int]*forward.Listener
	nextHandle int
	closed     bool
}

func (st *stream) ID() int { return st.id }

// OpenPortForwarding listens on host:port and carries each accepted
// connection to service on the peer.
func (st *stream) OpenPortForwarding(service string, proto overlay.ForwardProtocol, host, port string) (int, error) {
	if proto != overlay.ProtocolTCP {
		return 0, fmt.Errorf("%w: protocol %s", overlay.ErrInvalidArgument, proto)
	}
	if service == "" || len(service) > forward.MaxServiceNameLen {
		return 0, fmt.Errorf("%w: service name", overlay.ErrInvalidArgument)
	}
	if port == "" {
		return 0, fmt.Errorf("%w: empty port", overlay.ErrInvalidArgument)
	}

	mux := st.session.muxSession()
	if mux == nil {
		return 0, overlay.ErrNotConnected
	}

	c := st.session.m.c
	l := forward.NewListener(forward.ListenerConfig{
		Service: service,
		Address: net.JoinHostPort(host, port),
		Logger:  c.cfg.Logger,
		Metrics: c.metrics,
	}, muxDialer{mux: mux})

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0, overlay.ErrClosed
	}
	if err := l.Start(); err != nil {
		return 0, err
	}
	st.nextHandle++
	st.forwards[st.nextHandle] = l
	return st.nextHandle, nil
}

func (st *stream) ClosePortForwarding(handle int) error {
	st.mu.Lock()
	l, ok := st.forwards[handle]
	delete(st.forwards, handle)
	st.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown forwarding handle %d", overlay.ErrInvalidArgument, handle)
	}
	return l.Stop()
}

func (st *stream) closeAll() error {
	st.mu.Lock()
	st.closed = true
	forwards := st.forwards
	st.forwards = make(map[int]*forward.Listener)
	st.mu.Unlock()

	var err error
	for _, l := range forwards {
		err = multierr.Append(err, l.Stop())
	}
	return err
}

// muxDialer opens service connections over a session multiplexer.
type muxDialer struct {
	mux *yamux.Session
}

func (d muxDialer) DialService(ctx context.Context, service string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := d.mux.OpenStream()
	if err != nil {
		if errors.Is(err, yamux.ErrSessionShutdown) {
			return nil, overlay.ErrNotConnected
		}
		return nil, err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(attachTimeout)
	}
	conn.SetDeadline(dl)
	if err := forward.RequestService(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}
