// Package health serves the agent's liveness, readiness and Prometheus
// endpoints on a plain HTTP port.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/pfd-agent/internal/agent"
)

const shutdownTimeout = 5 * time.Second

// StatsProvider is the part of the agent the probes look at.
type StatsProvider interface {
	// IsRunning reports whether the overlay client is started.
	IsRunning() bool

	// IsReady reports whether the overlay has signalled readiness.
	IsReady() bool

	Stats() agent.Stats
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on, e.g. ":8080".
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer

	// EnablePprof mounts /debug/pprof.
	EnablePprof bool
}

// DefaultServerConfig returns the defaults used when the config omits them.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// HealthzResponse is the body of /healthz.
type HealthzResponse struct {
	Status      string `json:"status"`
	Running     bool   `json:"running"`
	Ready       bool   `json:"ready"`
	Overlay     string `json:"overlay,omitempty"`
	Peers       int    `json:"peers"`
	PeersOnline int    `json:"peers_online"`
	ActivePeer  string `json:"active_peer,omitempty"`
	Forwarding  bool   `json:"forwarding"`
	Uptime      string `json:"uptime,omitempty"`
}

// Server exposes the health endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer builds the server; provider may be nil, in which case every
// probe reports unavailable.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{cfg: cfg, provider: provider}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)
	return nil
}

// Stop shuts the server down. Calling it twice is harmless.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Address returns the bound address, nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) IsRunning() bool { return s.running.Load() }

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) overlayUp() bool {
	return s.provider != nil && s.provider.IsRunning()
}

// handleHealth is liveness: the process answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.overlayUp() {
		writeJSON(w, http.StatusServiceUnavailable, HealthzResponse{Status: "unavailable"})
		return
	}

	st := s.provider.Stats()
	resp := HealthzResponse{
		Status:      "healthy",
		Running:     st.Running,
		Ready:       st.Ready,
		Overlay:     st.Overlay,
		Peers:       st.Peers,
		PeersOnline: st.PeersOnline,
		ActivePeer:  st.ActivePeer,
		Forwarding:  st.Forwarding,
	}
	if st.Uptime > 0 {
		resp.Uptime = st.Uptime.Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady passes once the overlay has reported ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.overlayUp() || !s.provider.IsReady() {
		writeText(w, http.StatusServiceUnavailable, "NOT READY")
		return
	}
	writeText(w, http.StatusOK, "READY")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprintln(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
