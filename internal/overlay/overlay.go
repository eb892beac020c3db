// Package overlay defines the contract between the forwarding core and the
// peer-to-peer overlay that carries it: identity, roster and presence events,
// and the session/stream primitive used for port forwarding.
//
// Implementations deliver every Handler, StreamHandler and
// SessionRequestHandler callback asynchronously, never from inside a call the
// core made into the overlay.
package overlay

import (
	"context"
	"errors"
	"net"
	"time"
)

// MaxUserNameLen is the longest display name the overlay accepts.
const MaxUserNameLen = 63

var (
	// ErrNotConnected is returned when an operation needs a live link or stream.
	ErrNotConnected = errors.New("overlay: not connected")

	// ErrClosed is returned by operations on a closed client, session or stream.
	ErrClosed = errors.New("overlay: closed")

	// ErrInvalidArgument is returned for malformed ids, ports or options.
	ErrInvalidArgument = errors.New("overlay: invalid argument")

	// ErrNotFriend is returned when the target id is not paired.
	ErrNotFriend = errors.New("overlay: not a friend")
)

// UserInfo is the public profile of an overlay node.
type UserInfo struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// PeerInfo is a roster entry as reported by the overlay.
type PeerInfo struct {
	UserInfo
	ConnectionStatus ConnectionStatus `json:"connection_status" yaml:"-"`
	Presence         Presence         `json:"presence" yaml:"-"`
}

// BootstrapNode is a well-known overlay node used to join the network.
type BootstrapNode struct {
	// Address is a host:port or wss:// URL. When set, IPv4, IPv6 and Port
	// are ignored.
	Address string

	IPv4 string
	IPv6 string
	Port string

	// PublicKey is the expected id of the node. Empty accepts any id.
	PublicKey string
}

// Addresses returns every dialable address of the node.
func (b BootstrapNode) Addresses() []string {
	if b.Address != "" {
		return []string{b.Address}
	}
	var addrs []string
	if b.IPv4 != "" {
		addrs = append(addrs, net.JoinHostPort(b.IPv4, b.Port))
	}
	if b.IPv6 != "" {
		addrs = append(addrs, net.JoinHostPort(b.IPv6, b.Port))
	}
	return addrs
}

// Options configures an overlay client instance.
type Options struct {
	// PersistentLocation is the directory holding identity and roster files.
	PersistentLocation string

	// UDPEnabled allows UDP-based transports.
	UDPEnabled bool

	// BootstrapNodes are dialled at start.
	BootstrapNodes []BootstrapNode
}

// Handler receives overlay-level and roster events.
type Handler interface {
	// OnConnection reports overlay connectivity changes.
	OnConnection(status ConnectionStatus)

	// OnReady is called once self information is available.
	OnReady()

	// OnFriends delivers the initial roster snapshot.
	OnFriends(peers []PeerInfo)

	OnFriendInfoChanged(id string, info PeerInfo)
	OnFriendConnection(id string, status ConnectionStatus)
	OnFriendPresence(id string, presence Presence)
	OnFriendAdded(info PeerInfo)
	OnFriendRemoved(id string)
}

// Client is one running overlay node.
type Client interface {
	// Start joins the overlay. retryInterval controls how often dropped links
	// are redialled.
	Start(ctx context.Context, retryInterval time.Duration) error

	// Kill terminates the client and releases its resources.
	Kill() error

	SelfInfo() (UserInfo, error)
	SetSelfInfo(info UserInfo) error

	// IsFriend reports whether id is already paired.
	IsFriend(id string) bool

	// AddFriend sends a pairing request carrying hello, the digest of the
	// pairing phrase.
	AddFriend(id, hello string) error

	RemoveFriend(id string) error

	// NewSessionManager creates the session manager bound to this client.
	NewSessionManager() (SessionManager, error)
}

// SessionManager creates sessions to paired peers.
type SessionManager interface {
	NewSession(peerID string) (Session, error)

	// Cleanup closes every session and releases the manager.
	Cleanup()
}

// Session is a logical connection to one peer hosting streams.
type Session interface {
	PeerID() string

	// AddStream attaches a stream. The handler receives StateInitialized once
	// the stream is ready for the session request.
	AddStream(t StreamType, caps Capabilities, h StreamHandler) (Stream, error)

	// Request sends the session request; completion is delivered to h.
	Request(h SessionRequestHandler) error

	// Start starts the session with the remote description from the completion.
	Start(remoteSDP string) error

	// Close closes the session and every stream in it.
	Close() error
}

// Stream is a channel within a session.
type Stream interface {
	ID() int

	// OpenPortForwarding binds host:port locally and bridges accepted
	// connections to service on the remote peer. It returns a positive handle.
	OpenPortForwarding(service string, proto ForwardProtocol, host, port string) (int, error)

	ClosePortForwarding(handle int) error
}

// StreamHandler receives stream lifecycle changes.
type StreamHandler interface {
	OnStateChanged(stream Stream, state StreamState)
}

// SessionRequestHandler receives the outcome of Session.Request.
// A zero status means the remote accepted and sdp holds its description.
type SessionRequestHandler interface {
	OnCompletion(session Session, status int, reason, sdp string)
}
