package overlay

import (
	"fmt"
	"strings"
)

// ConnectionStatus is the connectivity of the overlay itself or of a peer.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Presence is the availability a peer advertises. Only PresenceNone counts
// as available.
type Presence int

const (
	PresenceNone Presence = iota
	PresenceAway
	PresenceBusy
)

func (p Presence) String() string {
	switch p {
	case PresenceNone:
		return "none"
	case PresenceAway:
		return "away"
	case PresenceBusy:
		return "busy"
	default:
		return fmt.Sprintf("presence(%d)", int(p))
	}
}

// ParsePresence parses the String form of a Presence.
func ParsePresence(s string) (Presence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "online", "":
		return PresenceNone, nil
	case "away":
		return PresenceAway, nil
	case "busy":
		return PresenceBusy, nil
	}
	return PresenceNone, fmt.Errorf("%w: unknown presence %q", ErrInvalidArgument, s)
}

// StreamState mirrors the overlay stream lifecycle.
type StreamState int

const (
	StateClosed StreamState = iota
	StateInitialized
	StateTransportReady
	StateConnecting
	StateConnected
	StateDeactivated
	StateError
)

func (s StreamState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateInitialized:
		return "initialized"
	case StateTransportReady:
		return "transport_ready"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDeactivated:
		return "deactivated"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InProgress reports whether a session is being negotiated.
func (s StreamState) InProgress() bool {
	return s == StateInitialized || s == StateTransportReady || s == StateConnecting
}

// Terminal reports whether the stream can no longer carry traffic.
func (s StreamState) Terminal() bool {
	return s == StateClosed || s == StateDeactivated || s == StateError
}

// StreamType selects the kind of stream added to a session.
type StreamType int

const (
	StreamApplication StreamType = iota
)

// Capabilities is the set of features requested for a stream.
type Capabilities struct {
	Multiplexing   bool
	PortForwarding bool
	Reliable       bool
}

// ForwardingCapabilities is what a port forwarding stream needs.
func ForwardingCapabilities() Capabilities {
	return Capabilities{
		Multiplexing:   true,
		PortForwarding: true,
		Reliable:       true,
	}
}

func (c Capabilities) String() string {
	var parts []string
	if c.Multiplexing {
		parts = append(parts, "multiplexing")
	}
	if c.PortForwarding {
		parts = append(parts, "port_forwarding")
	}
	if c.Reliable {
		parts = append(parts, "reliable")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ForwardProtocol is the transport protocol of a forwarded port.
type ForwardProtocol int

const (
	ProtocolTCP ForwardProtocol = iota + 1
)

func (p ForwardProtocol) String() string {
	if p == ProtocolTCP {
		return "tcp"
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}
