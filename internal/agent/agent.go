// Package agent coordinates the peer roster and the single active peer whose
// forwarding tunnel is kept open.
//
// The Agent implements overlay.Handler. Roster and active-peer state is
// guarded by one mutex; each peer guards its own forwarding state. Locks are
// always taken agent first, then peer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/metrics"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/pairing"
	"github.com/postalsys/pfd-agent/internal/peer"
)

// DefaultRetryInterval is passed to the overlay when none is configured.
const DefaultRetryInterval = 5 * time.Second

var (
	// ErrPeerNotFound is returned for ids missing from the roster.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrNotRunning is returned when the overlay client has not been started.
	ErrNotRunning = errors.New("agent not running")
)

// ClientFactory creates the overlay client that delivers events to h.
type ClientFactory func(h overlay.Handler) (overlay.Client, error)

// Config holds agent settings and dependencies.
type Config struct {
	// NewClient creates the overlay client. Required.
	NewClient ClientFactory

	// RetryInterval is handed to the overlay's Start.
	RetryInterval time.Duration

	// Service is the remote service forwarded for every peer.
	Service string

	// Ports pins local ports by peer id.
	Ports map[string]string

	// DefaultName becomes the self display name when the overlay has none.
	DefaultName string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Agent is the roster coordinator.
type Agent struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	client   overlay.Client
	sessions overlay.SessionManager
	peers    map[string]*peer.Peer
	order    []*peer.Peer
	active   *peer.Peer
	status   overlay.ConnectionStatus
	ready    bool
	ports    map[string]string
	started  time.Time
}

// New creates an agent. Nothing runs until Start.
func New(cfg Config) *Agent {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	ports := make(map[string]string, len(cfg.Ports))
	for id, port := range cfg.Ports {
		ports[id] = port
	}

	return &Agent{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "agent"),
		metrics: cfg.Metrics,
		peers:   make(map[string]*peer.Peer),
		status:  overlay.Disconnected,
		ports:   ports,
	}
}

// Start creates the overlay client and session manager and starts the client.
func (a *Agent) Start(ctx context.Context) error {
	if a.cfg.NewClient == nil {
		return fmt.Errorf("start agent: no overlay client factory")
	}

	a.mu.Lock()
	if a.client != nil {
		a.mu.Unlock()
		return nil
	}

	client, err := a.cfg.NewClient(a)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("create overlay client: %w", err)
	}
	a.logger.Info("overlay client created")

	sessions, err := client.NewSessionManager()
	if err != nil {
		a.mu.Unlock()
		_ = client.Kill()
		return fmt.Errorf("create session manager: %w", err)
	}
	a.logger.Info("session manager created")

	a.client = client
	a.sessions = sessions
	a.started = time.Now()
	a.mu.Unlock()

	// Start may deliver events, which take a.mu, so it runs unlocked.
	if err := client.Start(ctx, a.cfg.RetryInterval); err != nil {
		a.logger.Error("overlay start failed", logging.KeyError, err)
		_ = a.Stop()
		return fmt.Errorf("start overlay client: %w", err)
	}

	return nil
}

// Stop closes every peer's forwarding state, clears the roster, releases the
// session manager and terminates the overlay client. Calling it again is a no-op.
func (a *Agent) Stop() error {
	a.mu.Lock()
	client, sessions := a.client, a.sessions
	if client == nil {
		a.mu.Unlock()
		return nil
	}

	for _, p := range a.order {
		p.Close()
	}
	a.peers = make(map[string]*peer.Peer)
	a.order = nil
	a.active = nil
	a.ready = false
	a.status = overlay.Disconnected
	a.client = nil
	a.sessions = nil
	a.updateRosterMetricsLocked()
	a.metrics.SetOverlayConnected(false)
	a.mu.Unlock()

	// The overlay waits for in-flight callbacks, which may need a.mu.
	if sessions != nil {
		sessions.Cleanup()
	}
	err := client.Kill()
	a.logger.Info("agent stopped")

	if err != nil {
		return fmt.Errorf("kill overlay client: %w", err)
	}
	return nil
}

// IsRunning reports whether the overlay client exists.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil
}

// IsReady reports whether the overlay has signalled readiness.
func (a *Agent) IsReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// Status returns the last overlay connectivity reported.
func (a *Agent) Status() overlay.ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Peers returns the roster in insertion order.
func (a *Agent) Peers() []*peer.Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*peer.Peer(nil), a.order...)
}

// Peer looks up a roster entry.
func (a *Agent) Peer(id string) (*peer.Peer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lookupLocked(id)
}

// ActivePeer returns the active peer, or nil.
func (a *Agent) ActivePeer() *peer.Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// ActivePort returns the local port of the active peer's tunnel and whether
// the tunnel is currently forwarding. While the overlay is connected, a
// tunnel that is not forwarding is requested again.
func (a *Agent) ActivePort() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return "", false
	}
	if a.status != overlay.Connected {
		return a.active.Port(), a.active.IsForwarding()
	}
	connected := a.active.IsConnected()
	return a.active.Port(), connected
}

// SetActivePeer makes id the active peer. The previous active peer's tunnel
// is closed; only one tunnel is kept at a time.
func (a *Agent) SetActivePeer(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.lookupLocked(id)
	if err != nil {
		return err
	}
	if p == a.active {
		return nil
	}

	a.logger.Info("active peer changed", logging.KeyPeerID, id)

	if a.active != nil {
		a.active.Close()
	}
	a.active = p
	a.metrics.RecordActivePeerChange()

	if a.status == overlay.Connected && p.IsOnline() {
		a.requestLocked(p)
	}
	return nil
}

// SetPort pins the local port for id, reopening its tunnel if connected.
func (a *Agent) SetPort(id, port string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.lookupLocked(id)
	if err != nil {
		return err
	}
	if port == "" {
		delete(a.ports, id)
	} else {
		a.ports[id] = port
	}
	return p.SetPort(port)
}

// PairPeer sends a pairing request to id unless it is already paired. Only
// the digest of phrase is sent.
func (a *Agent) PairPeer(id, phrase string) error {
	client, err := a.overlayClient()
	if err != nil {
		return err
	}
	if client.IsFriend(id) {
		a.logger.Debug("peer already paired", logging.KeyPeerID, id)
		return nil
	}

	if err := client.AddFriend(id, pairing.Digest(phrase)); err != nil {
		return fmt.Errorf("pair %s: %w", id, err)
	}
	a.logger.Info("pairing request sent", logging.KeyPeerID, id)
	return nil
}

// UnpairPeer removes id from the overlay's friends if it is paired.
func (a *Agent) UnpairPeer(id string) error {
	client, err := a.overlayClient()
	if err != nil {
		return err
	}
	if !client.IsFriend(id) {
		return nil
	}

	if err := client.RemoveFriend(id); err != nil {
		return fmt.Errorf("unpair %s: %w", id, err)
	}
	a.logger.Info("peer unpaired", logging.KeyPeerID, id)
	return nil
}

// SelfInfo returns this node's overlay profile.
func (a *Agent) SelfInfo() (overlay.UserInfo, error) {
	client, err := a.overlayClient()
	if err != nil {
		return overlay.UserInfo{}, err
	}
	return client.SelfInfo()
}

func (a *Agent) overlayClient() (overlay.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, ErrNotRunning
	}
	return a.client, nil
}

func (a *Agent) lookupLocked(id string) (*peer.Peer, error) {
	p, ok := a.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return p, nil
}

// requestLocked asks p to bring up forwarding and logs the outcome.
func (a *Agent) requestLocked(p *peer.Peer) {
	outcome, err := p.RequestForwarding()
	if err != nil {
		a.logger.Warn("forwarding request failed",
			logging.KeyPeerID, p.ID(),
			logging.KeyError, err)
		return
	}
	a.logger.Debug("forwarding requested",
		logging.KeyPeerID, p.ID(),
		"outcome", outcome.String())
}

// firstOnlineLocked returns the first online peer in roster order.
func (a *Agent) firstOnlineLocked() *peer.Peer {
	for _, p := range a.order {
		if p.IsOnline() {
			return p
		}
	}
	return nil
}

func (a *Agent) newPeerLocked(info overlay.PeerInfo) *peer.Peer {
	p := peer.New(peer.Config{
		Info:     info,
		Sessions: a.sessions,
		Service:  a.cfg.Service,
		Port:     a.ports[info.ID],
		Logger:   a.cfg.Logger,
		Metrics:  a.metrics,
	})
	a.peers[info.ID] = p
	a.order = append(a.order, p)
	return p
}

func (a *Agent) removePeerLocked(p *peer.Peer) {
	delete(a.peers, p.ID())
	for i, q := range a.order {
		if q == p {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *Agent) updateRosterMetricsLocked() {
	online := 0
	for _, p := range a.order {
		if p.IsOnline() {
			online++
		}
	}
	a.metrics.SetRoster(len(a.order), online)
}
