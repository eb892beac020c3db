// Package metrics provides Prometheus metrics for the port forwarding agent.
//
// All Record/Set helpers are safe to call on a nil *Metrics, so components
// constructed without metrics need no guards.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pfd"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Roster metrics
	RosterSize        prometheus.Gauge
	PeersOnline       prometheus.Gauge
	ActivePeerChanges prometheus.Counter
	OverlayConnected  prometheus.Gauge
	UnknownPeerEvents *prometheus.CounterVec

	// Session metrics
	SessionsCreated   prometheus.Counter
	SessionFailures   *prometheus.CounterVec
	StreamTransitions *prometheus.CounterVec
	StaleCallbacks    prometheus.Counter

	// Forwarding metrics
	ForwardingActive  prometheus.Gauge
	ForwardingOpens   prometheus.Counter
	ForwardingCloses  prometheus.Counter
	ForwardingErrors  *prometheus.CounterVec
	TunnelConnections prometheus.Gauge
	TunnelConnsTotal  prometheus.Counter

	// Mesh metrics
	LinksActive    prometheus.Gauge
	FriendRequests *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RosterSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "roster_peers",
			Help:      "Number of peers in the roster",
		}),
		PeersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_online",
			Help:      "Number of roster peers that are connected and available",
		}),
		ActivePeerChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_peer_changes_total",
			Help:      "Total number of active peer elections and switches",
		}),
		OverlayConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overlay_connected",
			Help:      "1 when the overlay reports connectivity, 0 otherwise",
		}),
		UnknownPeerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_peer_events_total",
			Help:      "Overlay events referencing peers missing from the roster",
		}, []string{"event"}),

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of overlay sessions created for forwarding",
		}),
		SessionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Session setup failures by stage",
		}, []string{"stage"}),
		StreamTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_transitions_total",
			Help:      "Stream state changes delivered by the overlay",
		}, []string{"state"}),
		StaleCallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_callbacks_total",
			Help:      "Callbacks dropped because their session was superseded",
		}),

		ForwardingActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forwarding_active",
			Help:      "Number of open port forwarding channels",
		}),
		ForwardingOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarding_opens_total",
			Help:      "Total number of port forwarding channels opened",
		}),
		ForwardingCloses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarding_closes_total",
			Help:      "Total number of port forwarding channels closed",
		}),
		ForwardingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarding_errors_total",
			Help:      "Port forwarding failures by reason",
		}, []string{"reason"}),
		TunnelConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_connections",
			Help:      "Number of TCP connections currently relayed through tunnels",
		}),
		TunnelConnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_connections_total",
			Help:      "Total number of TCP connections relayed through tunnels",
		}),

		LinksActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mesh_links_active",
			Help:      "Number of live mesh links to other nodes",
		}),
		FriendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "friend_requests_total",
			Help:      "Pairing requests handled by result",
		}, []string{"result"}),
	}
}

// SetRoster records the roster size and how many of its peers are online.
func (m *Metrics) SetRoster(total, online int) {
	if m == nil {
		return
	}
	m.RosterSize.Set(float64(total))
	m.PeersOnline.Set(float64(online))
}

// RecordActivePeerChange records an election or switch of the active peer.
func (m *Metrics) RecordActivePeerChange() {
	if m == nil {
		return
	}
	m.ActivePeerChanges.Inc()
}

// SetOverlayConnected records overlay connectivity.
func (m *Metrics) SetOverlayConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.OverlayConnected.Set(1)
	} else {
		m.OverlayConnected.Set(0)
	}
}

// RecordUnknownPeer records an event for a peer not in the roster.
func (m *Metrics) RecordUnknownPeer(event string) {
	if m == nil {
		return
	}
	m.UnknownPeerEvents.WithLabelValues(event).Inc()
}

// RecordSessionCreated records a new forwarding session.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionFailure records a session setup failure at stage.
func (m *Metrics) RecordSessionFailure(stage string) {
	if m == nil {
		return
	}
	m.SessionFailures.WithLabelValues(stage).Inc()
}

// RecordStreamState records a stream state delivered by the overlay.
func (m *Metrics) RecordStreamState(state string) {
	if m == nil {
		return
	}
	m.StreamTransitions.WithLabelValues(state).Inc()
}

// RecordStaleCallback records a dropped callback from a superseded session.
func (m *Metrics) RecordStaleCallback() {
	if m == nil {
		return
	}
	m.StaleCallbacks.Inc()
}

// RecordForwardingOpen records a port forwarding channel being opened.
func (m *Metrics) RecordForwardingOpen() {
	if m == nil {
		return
	}
	m.ForwardingActive.Inc()
	m.ForwardingOpens.Inc()
}

// RecordForwardingClose records a port forwarding channel being closed.
func (m *Metrics) RecordForwardingClose() {
	if m == nil {
		return
	}
	m.ForwardingActive.Dec()
	m.ForwardingCloses.Inc()
}

// RecordForwardingError records a forwarding failure.
func (m *Metrics) RecordForwardingError(reason string) {
	if m == nil {
		return
	}
	m.ForwardingErrors.WithLabelValues(reason).Inc()
}

// RecordTunnelConnect records a relayed TCP connection starting.
func (m *Metrics) RecordTunnelConnect() {
	if m == nil {
		return
	}
	m.TunnelConnections.Inc()
	m.TunnelConnsTotal.Inc()
}

// RecordTunnelDisconnect records a relayed TCP connection ending.
func (m *Metrics) RecordTunnelDisconnect() {
	if m == nil {
		return
	}
	m.TunnelConnections.Dec()
}

// SetLinksActive records the number of live mesh links.
func (m *Metrics) SetLinksActive(n int) {
	if m == nil {
		return
	}
	m.LinksActive.Set(float64(n))
}

// RecordFriendRequest records a pairing request outcome.
func (m *Metrics) RecordFriendRequest(result string) {
	if m == nil {
		return
	}
	m.FriendRequests.WithLabelValues(result).Inc()
}
