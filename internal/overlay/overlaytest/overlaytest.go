// Package overlaytest provides a scriptable in-memory overlay for tests.
// Nothing happens on its own: tests drive callbacks explicitly through
// Stream.Fire, Session.Complete and the Handler returned by Client.Handler.
package overlaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/postalsys/pfd-agent/internal/overlay"
)

// PortForwardCall records one OpenPortForwarding call.
type PortForwardCall struct {
	Service  string
	Protocol overlay.ForwardProtocol
	Host     string
	Port     string
	Handle   int
}

// Client is a fake overlay.Client.
type Client struct {
	mu         sync.Mutex
	handler    overlay.Handler
	self       overlay.UserInfo
	friends    map[string]bool
	addCalls   []AddFriendCall
	removed    []string
	started    bool
	killed     int
	manager    *SessionManager
	StartErr   error
	AddErr     error
	SelfErr    error
	SetSelfErr error
}

// AddFriendCall records one AddFriend call.
type AddFriendCall struct {
	ID    string
	Hello string
}

// NewClient creates a fake client with the given self id.
func NewClient(selfID string) *Client {
	return &Client{
		self:    overlay.UserInfo{ID: selfID},
		friends: make(map[string]bool),
		manager: NewSessionManager(),
	}
}

// Factory returns a constructor suitable for agent.Config.NewClient.
func (c *Client) Factory() func(overlay.Handler) (overlay.Client, error) {
	return func(h overlay.Handler) (overlay.Client, error) {
		c.mu.Lock()
		c.handler = h
		c.mu.Unlock()
		return c, nil
	}
}

// Handler returns the handler the client was created with.
func (c *Client) Handler() overlay.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Manager returns the session manager handed out by NewSessionManager.
func (c *Client) Manager() *SessionManager {
	return c.manager
}

func (c *Client) Start(ctx context.Context, retryInterval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.started = true
	return nil
}

// Started reports whether Start succeeded.
func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Client) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed++
	return nil
}

// Killed returns how many times Kill was called.
func (c *Client) Killed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

func (c *Client) SelfInfo() (overlay.UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SelfErr != nil {
		return overlay.UserInfo{}, c.SelfErr
	}
	return c.self, nil
}

func (c *Client) SetSelfInfo(info overlay.UserInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetSelfErr != nil {
		return c.SetSelfErr
	}
	c.self = info
	return nil
}

func (c *Client) IsFriend(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.friends[id]
}

// SetFriend marks id as paired or not without recording a call.
func (c *Client) SetFriend(id string, paired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if paired {
		c.friends[id] = true
	} else {
		delete(c.friends, id)
	}
}

func (c *Client) AddFriend(id, hello string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addCalls = append(c.addCalls, AddFriendCall{ID: id, Hello: hello})
	if c.AddErr != nil {
		return c.AddErr
	}
	c.friends[id] = true
	return nil
}

// AddFriendCalls returns a copy of the recorded AddFriend calls.
func (c *Client) AddFriendCalls() []AddFriendCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AddFriendCall(nil), c.addCalls...)
}

func (c *Client) RemoveFriend(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.friends[id] {
		return fmt.Errorf("%w: %s", overlay.ErrNotFriend, id)
	}
	delete(c.friends, id)
	c.removed = append(c.removed, id)
	return nil
}

// Removed returns the ids passed to successful RemoveFriend calls.
func (c *Client) Removed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

func (c *Client) NewSessionManager() (overlay.SessionManager, error) {
	return c.manager, nil
}

// SessionManager is a fake overlay.SessionManager.
type SessionManager struct {
	mu         sync.Mutex
	sessions   []*Session
	cleanedUp  int
	NewErr     error
	AddErr     error
	nextHandle int
}

// NewSessionManager creates an empty fake manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

func (m *SessionManager) NewSession(peerID string) (overlay.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NewErr != nil {
		return nil, m.NewErr
	}
	s := &Session{manager: m, peerID: peerID}
	m.sessions = append(m.sessions, s)
	return s, nil
}

func (m *SessionManager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanedUp++
}

// CleanedUp returns how many times Cleanup was called.
func (m *SessionManager) CleanedUp() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanedUp
}

// Sessions returns every session created so far, oldest first.
func (m *SessionManager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Session(nil), m.sessions...)
}

// Last returns the most recently created session, or nil.
func (m *SessionManager) Last() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

// SessionsFor returns the sessions created for peerID.
func (m *SessionManager) SessionsFor(peerID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.peerID == peerID {
			out = append(out, s)
		}
	}
	return out
}

func (m *SessionManager) allocHandle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	return m.nextHandle
}

func (m *SessionManager) addErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AddErr
}

// Session is a fake overlay.Session.
type Session struct {
	manager *SessionManager
	peerID  string

	mu         sync.Mutex
	stream     *Stream
	caps       overlay.Capabilities
	requests   int
	reqH       overlay.SessionRequestHandler
	started    []string
	closed     int
	StartErr   error
	RequestErr error
}

func (s *Session) PeerID() string { return s.peerID }

func (s *Session) AddStream(t overlay.StreamType, caps overlay.Capabilities, h overlay.StreamHandler) (overlay.Stream, error) {
	if err := s.manager.addErr(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
	s.stream = &Stream{session: s, handler: h, id: 1}
	return s.stream, nil
}

// Capabilities returns the capabilities requested by AddStream.
func (s *Session) Capabilities() overlay.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Stream returns the stream added to the session, or nil.
func (s *Session) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Session) Request(h overlay.SessionRequestHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RequestErr != nil {
		return s.RequestErr
	}
	s.requests++
	s.reqH = h
	return nil
}

// Requests returns how many session requests were sent.
func (s *Session) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Complete delivers the session request completion.
func (s *Session) Complete(status int, reason, sdp string) {
	s.mu.Lock()
	h := s.reqH
	s.mu.Unlock()
	if h != nil {
		h.OnCompletion(s, status, reason, sdp)
	}
}

func (s *Session) Start(remoteSDP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = append(s.started, remoteSDP)
	return nil
}

// Started returns the remote descriptions passed to Start.
func (s *Session) Started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Closed returns how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stream is a fake overlay.Stream.
type Stream struct {
	session *Session
	handler overlay.StreamHandler
	id      int

	mu      sync.Mutex
	opens   []PortForwardCall
	closes  []int
	open    map[int]bool
	OpenErr error
}

func (s *Stream) ID() int { return s.id }

func (s *Stream) OpenPortForwarding(service string, proto overlay.ForwardProtocol, host, port string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return -1, s.OpenErr
	}
	h := s.session.manager.allocHandle()
	s.opens = append(s.opens, PortForwardCall{Service: service, Protocol: proto, Host: host, Port: port, Handle: h})
	if s.open == nil {
		s.open = make(map[int]bool)
	}
	s.open[h] = true
	return h, nil
}

func (s *Stream) ClosePortForwarding(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open[handle] {
		return fmt.Errorf("%w: handle %d", overlay.ErrInvalidArgument, handle)
	}
	delete(s.open, handle)
	s.closes = append(s.closes, handle)
	return nil
}

// Opens returns the recorded OpenPortForwarding calls.
func (s *Stream) Opens() []PortForwardCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PortForwardCall(nil), s.opens...)
}

// Closes returns the handles passed to ClosePortForwarding.
func (s *Stream) Closes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.closes...)
}

// Fire delivers a state change to the stream's handler.
func (s *Stream) Fire(state overlay.StreamState) {
	s.handler.OnStateChanged(s, state)
}

// Connect drives the stream through the happy path: Initialized, the
// session completion with sdp, TransportReady and Connected.
func (s *Stream) Connect(sdp string) {
	s.Fire(overlay.StateInitialized)
	s.session.Complete(0, "", sdp)
	s.Fire(overlay.StateTransportReady)
	s.Fire(overlay.StateConnected)
}
