package agent

import (
	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/peer"
)

var _ overlay.Handler = (*Agent)(nil)

// OnConnection tracks overlay connectivity. Forwarding is only attempted while
// the overlay is connected, so reconnecting retries the active peer.
func (a *Agent) OnConnection(status overlay.ConnectionStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil || a.status == status {
		return
	}
	a.status = status
	a.metrics.SetOverlayConnected(status == overlay.Connected)
	a.logger.Info("overlay connection changed", logging.KeyStatus, status.String())

	if status == overlay.Connected && a.active != nil && a.active.IsOnline() {
		a.requestLocked(a.active)
	}
}

// OnReady fills in a default self name when the overlay has none, elects the
// first online peer if nothing is active, and marks the agent ready.
func (a *Agent) OnReady() {
	a.ensureSelfName()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return
	}
	a.logger.Info("overlay ready")

	if a.active == nil {
		if p := a.firstOnlineLocked(); p != nil {
			a.electLocked(p)
		}
	}
	a.ready = true
}

func (a *Agent) ensureSelfName() {
	client, err := a.overlayClient()
	if err != nil {
		return
	}

	info, err := client.SelfInfo()
	if err != nil {
		a.logger.Warn("read self info failed", logging.KeyError, err)
		return
	}
	if info.Name != "" || a.cfg.DefaultName == "" {
		return
	}

	info.Name = overlay.ClampName(a.cfg.DefaultName)
	if err := client.SetSelfInfo(info); err != nil {
		a.logger.Warn("update self name failed", logging.KeyError, err)
		return
	}
	a.logger.Info("self name set", "name", info.Name)
}

// OnFriends merges the initial roster snapshot. Existing records are updated
// in place so in-flight forwarding state survives.
func (a *Agent) OnFriends(peers []overlay.PeerInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return
	}
	for _, info := range peers {
		if p, ok := a.peers[info.ID]; ok {
			p.SetInfo(info)
			p.SetConnectionStatus(info.ConnectionStatus)
			p.SetPresence(info.Presence)
			continue
		}
		a.newPeerLocked(info)
	}

	a.logger.Info("roster received", logging.KeyCount, len(peers))
	a.updateRosterMetricsLocked()
}

// OnFriendInfoChanged updates a peer's profile. The profile carries
// connection status and presence too, so the active peer is re-evaluated.
func (a *Agent) OnFriendInfoChanged(id string, info overlay.PeerInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.knownLocked(id, "info")
	if !ok {
		return
	}
	p.SetInfo(info)
	a.logger.Debug("peer info changed", logging.KeyPeerID, id)

	a.updateRosterMetricsLocked()
	a.reevaluateLocked(p)
}

// OnFriendConnection records a peer's connection status and re-evaluates the
// active peer.
func (a *Agent) OnFriendConnection(id string, status overlay.ConnectionStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.knownLocked(id, "connection")
	if !ok {
		return
	}
	p.SetConnectionStatus(status)
	a.logger.Info("peer connection changed",
		logging.KeyPeerID, id,
		logging.KeyStatus, status.String())

	a.updateRosterMetricsLocked()
	a.reevaluateLocked(p)
}

// OnFriendPresence records a peer's presence and re-evaluates the active peer.
func (a *Agent) OnFriendPresence(id string, presence overlay.Presence) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.knownLocked(id, "presence")
	if !ok {
		return
	}
	p.SetPresence(presence)
	a.logger.Info("peer presence changed",
		logging.KeyPeerID, id,
		logging.KeyPresence, presence.String())

	a.updateRosterMetricsLocked()
	a.reevaluateLocked(p)
}

// OnFriendAdded inserts a new peer. The first peer added becomes active even
// when offline; forwarding starts once it comes online.
func (a *Agent) OnFriendAdded(info overlay.PeerInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return
	}
	p, ok := a.peers[info.ID]
	if ok {
		p.SetInfo(info)
		p.SetConnectionStatus(info.ConnectionStatus)
		p.SetPresence(info.Presence)
	} else {
		p = a.newPeerLocked(info)
	}
	a.logger.Info("peer added", logging.KeyPeerID, info.ID)
	a.updateRosterMetricsLocked()

	if a.active == nil {
		a.electLocked(p)
	}
}

// OnFriendRemoved drops a peer. If it was active, the first online peer left
// in the roster takes over.
func (a *Agent) OnFriendRemoved(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.knownLocked(id, "removed")
	if !ok {
		return
	}

	p.Close()
	a.removePeerLocked(p)
	a.logger.Info("peer removed", logging.KeyPeerID, id)
	a.updateRosterMetricsLocked()

	if a.active != p {
		return
	}
	a.active = nil
	if next := a.firstOnlineLocked(); next != nil {
		a.electLocked(next)
	}
}

// electLocked makes p active and starts forwarding when possible.
func (a *Agent) electLocked(p *peer.Peer) {
	a.active = p
	a.metrics.RecordActivePeerChange()
	a.logger.Info("active peer elected", logging.KeyPeerID, p.ID())

	if a.status == overlay.Connected && p.IsOnline() {
		a.requestLocked(p)
	}
}

// reevaluateLocked opens or closes the active peer's tunnel to match its
// online state. Other peers are left alone.
func (a *Agent) reevaluateLocked(p *peer.Peer) {
	if p != a.active {
		return
	}
	if p.IsOnline() {
		if a.status == overlay.Connected {
			a.requestLocked(p)
		}
		return
	}
	p.Close()
}

func (a *Agent) knownLocked(id, event string) (*peer.Peer, bool) {
	if a.client == nil {
		// Stopped; late events are expected.
		return nil, false
	}
	p, err := a.lookupLocked(id)
	if err != nil {
		a.metrics.RecordUnknownPeer(event)
		a.logger.Warn("event for unknown peer ignored",
			logging.KeyPeerID, id,
			"event", event)
		return nil, false
	}
	return p, true
}
