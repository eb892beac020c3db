package peer

import "time"

// Snapshot is a point-in-time copy of a peer for display and APIs.
type Snapshot struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	ConnectionStatus string    `json:"connection_status"`
	Presence         string    `json:"presence"`
	Online           bool      `json:"online"`
	State            string    `json:"state"`
	Host             string    `json:"host"`
	Port             string    `json:"port,omitempty"`
	Forwarding       bool      `json:"forwarding"`
	ForwardingSince  time.Time `json:"forwarding_since,omitempty"`
	Generation       uint64    `json:"generation"`
}

// Snapshot returns a consistent copy of the peer's state.
func (p *Peer) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		ID:               p.info.ID,
		Name:             p.info.Name,
		Description:      p.info.Description,
		ConnectionStatus: p.info.ConnectionStatus.String(),
		Presence:         p.info.Presence.String(),
		Online:           p.onlineLocked(),
		State:            p.state.String(),
		Host:             Host,
		Port:             p.port,
		Forwarding:       p.handle > 0,
		ForwardingSince:  p.openedAt,
		Generation:       p.generation,
	}
}
