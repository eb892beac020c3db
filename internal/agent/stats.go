package agent

import (
	"time"

	"github.com/postalsys/pfd-agent/internal/peer"
)

// Stats summarises agent state for the control and health endpoints.
type Stats struct {
	Running     bool          `json:"running"`
	Ready       bool          `json:"ready"`
	Overlay     string        `json:"overlay"`
	Peers       int           `json:"peers"`
	PeersOnline int           `json:"peers_online"`
	ActivePeer  string        `json:"active_peer,omitempty"`
	ActivePort  string        `json:"active_port,omitempty"`
	Forwarding  bool          `json:"forwarding"`
	Uptime      time.Duration `json:"uptime"`
}

// Stats returns a point-in-time summary.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Stats{
		Running: a.client != nil,
		Ready:   a.ready,
		Overlay: a.status.String(),
		Peers:   len(a.order),
	}
	for _, p := range a.order {
		if p.IsOnline() {
			st.PeersOnline++
		}
	}
	if a.active != nil {
		st.ActivePeer = a.active.ID()
		st.ActivePort = a.active.Port()
		st.Forwarding = a.active.IsForwarding()
	}
	if !a.started.IsZero() && a.client != nil {
		st.Uptime = time.Since(a.started)
	}
	return st
}

// Snapshots returns a snapshot of every roster entry in order.
func (a *Agent) Snapshots() []peer.Snapshot {
	peers := a.Peers()
	out := make([]peer.Snapshot, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Snapshot())
	}
	return out
}
