// Package control provides the Unix socket control interface of the agent:
// status and roster queries plus the operator actions the CLI issues.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/postalsys/pfd-agent/internal/agent"
	"github.com/postalsys/pfd-agent/internal/mesh"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/peer"
)

// maxBodySize caps request bodies.
const maxBodySize = 64 * 1024

// Agent is the roster coordinator as seen by the control interface.
type Agent interface {
	ActivePort() (string, bool)
	Stats() agent.Stats
	Snapshots() []peer.Snapshot
	SelfInfo() (overlay.UserInfo, error)
	SetActivePeer(id string) error
	SetPort(id, port string) error
	PairPeer(id, phrase string) error
	UnpairPeer(id string) error
}

// Node is the overlay node as seen by the control interface.
type Node interface {
	Fingerprint() string
	Links() []mesh.LinkInfo
	Presence() overlay.Presence
	SetPresence(p overlay.Presence) error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Self        overlay.UserInfo `json:"self"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	Presence    string           `json:"presence"`
	Version     string           `json:"version,omitempty"`
	Stats       agent.Stats      `json:"stats"`
}

// PeersResponse is the response for the peers endpoint.
type PeersResponse struct {
	Peers []peer.Snapshot `json:"peers"`
}

// LinksResponse is the response for the links endpoint.
type LinksResponse struct {
	Links []mesh.LinkInfo `json:"links"`
}

// PeerRequest carries the peer targeted by active, port, pair and unpair.
type PeerRequest struct {
	ID     string `json:"id"`
	Port   string `json:"port,omitempty"`
	Phrase string `json:"phrase,omitempty"`
}

// PresenceRequest is the body of the presence endpoint.
type PresenceRequest struct {
	Presence string `json:"presence"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Version is reported by the status endpoint.
	Version string
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	agent    Agent
	node     Node
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server. node may be nil, in which case
// links and presence are unavailable.
func NewServer(cfg ServerConfig, a Agent, node Node) *Server {
	s := &Server{
		cfg:   cfg,
		agent: a,
		node:  node,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/links", s.handleLinks)
	mux.HandleFunc("/active", s.handleActive)
	mux.HandleFunc("/port", s.handlePort)
	mux.HandleFunc("/pair", s.handlePair)
	mux.HandleFunc("/unpair", s.handleUnpair)
	mux.HandleFunc("/presence", s.handlePresence)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a socket left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := listenSocket(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	// A status query re-requests a tunnel that has dropped.
	s.agent.ActivePort()

	resp := StatusResponse{
		Version:  s.cfg.Version,
		Stats:    s.agent.Stats(),
		Presence: overlay.PresenceNone.String(),
	}
	if self, err := s.agent.SelfInfo(); err == nil {
		resp.Self = self
	}
	if s.node != nil {
		resp.Fingerprint = s.node.Fingerprint()
		resp.Presence = s.node.Presence().String()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, PeersResponse{Peers: s.agent.Snapshots()})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.node == nil {
		writeError(w, http.StatusServiceUnavailable, "overlay node not running")
		return
	}
	writeJSON(w, http.StatusOK, LinksResponse{Links: s.node.Links()})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePeerRequest(w, r)
	if !ok {
		return
	}
	s.reply(w, s.agent.SetActivePeer(req.ID))
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePeerRequest(w, r)
	if !ok {
		return
	}
	if req.Port != "" {
		if n, err := strconv.Atoi(req.Port); err != nil || n < 1 || n > 65535 {
			writeError(w, http.StatusBadRequest, "port must be 1-65535")
			return
		}
	}
	s.reply(w, s.agent.SetPort(req.ID, req.Port))
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePeerRequest(w, r)
	if !ok {
		return
	}
	if req.Phrase == "" {
		writeError(w, http.StatusBadRequest, "phrase required")
		return
	}
	s.reply(w, s.agent.PairPeer(req.ID, req.Phrase))
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePeerRequest(w, r)
	if !ok {
		return
	}
	s.reply(w, s.agent.UnpairPeer(req.ID))
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.node == nil {
		writeError(w, http.StatusServiceUnavailable, "overlay node not running")
		return
	}

	var req PresenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := overlay.ParsePresence(req.Presence)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.reply(w, s.node.SetPresence(p))
}

// reply maps an agent error to a status code.
func (s *Server) reply(w http.ResponseWriter, err error) {
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrPeerNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, overlay.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, overlay.ErrNotConnected), errors.Is(err, overlay.ErrNotFriend), errors.Is(err, peer.ErrNoFreePort):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodePeerRequest(w http.ResponseWriter, r *http.Request) (PeerRequest, bool) {
	var req PeerRequest
	if !allowMethod(w, r, http.MethodPost) {
		return req, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return req, false
	}
	return req, true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
