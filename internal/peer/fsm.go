package peer

import "github.com/postalsys/pfd-agent/internal/overlay"

// event is an input to the forwarding state machine.
type event int

const (
	eventRequest event = iota
	eventInitialized
	eventTransportReady
	eventConnecting
	eventConnected
	eventDeactivated
	eventStreamClosed
	eventStreamError
	eventHandshakeOK
	eventHandshakeFailed
	eventPortChanged
	eventClose
)

var eventNames = [...]string{
	eventRequest:         "request",
	eventInitialized:     "initialized",
	eventTransportReady:  "transport_ready",
	eventConnecting:      "connecting",
	eventConnected:       "connected",
	eventDeactivated:     "deactivated",
	eventStreamClosed:    "closed",
	eventStreamError:     "error",
	eventHandshakeOK:     "handshake_ok",
	eventHandshakeFailed: "handshake_failed",
	eventPortChanged:     "port_changed",
	eventClose:           "close",
}

func (e event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// action is the side effect a transition asks for.
type action int

const (
	actionNone action = iota
	actionCreateSession
	actionSendRequest
	actionStartSession
	actionOpenForwarding
	actionReopenForwarding
	actionTeardown
)

// streamEvent maps an overlay stream state to its event.
func streamEvent(state overlay.StreamState) (event, bool) {
	switch state {
	case overlay.StateInitialized:
		return eventInitialized, true
	case overlay.StateTransportReady:
		return eventTransportReady, true
	case overlay.StateConnecting:
		return eventConnecting, true
	case overlay.StateConnected:
		return eventConnected, true
	case overlay.StateDeactivated:
		return eventDeactivated, true
	case overlay.StateClosed:
		return eventStreamClosed, true
	case overlay.StateError:
		return eventStreamError, true
	}
	return 0, false
}

// transition returns the state entered and the action to run when ev arrives
// in state s. Every terminal edge ends in actionTeardown.
func transition(s overlay.StreamState, ev event) (overlay.StreamState, action) {
	switch ev {
	case eventRequest:
		switch {
		case s.InProgress():
			return s, actionNone
		case s == overlay.StateConnected:
			return s, actionOpenForwarding
		default:
			return overlay.StateInitialized, actionCreateSession
		}

	case eventInitialized:
		return overlay.StateInitialized, actionSendRequest

	case eventTransportReady:
		return overlay.StateTransportReady, actionNone

	case eventConnecting:
		return overlay.StateConnecting, actionNone

	case eventConnected:
		return overlay.StateConnected, actionOpenForwarding

	case eventHandshakeOK:
		return s, actionStartSession

	case eventPortChanged:
		if s == overlay.StateConnected {
			return s, actionReopenForwarding
		}
		return s, actionNone

	case eventDeactivated, eventStreamClosed, eventStreamError, eventHandshakeFailed, eventClose:
		return overlay.StateClosed, actionTeardown
	}

	return s, actionNone
}
