package api

import (
	"encoding/json"
	"net/http"

	"github.com/hochfrequenz/prd-orchestrator/internal/status"
	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

// SnapshotSource builds point-in-time project views for the API.
type SnapshotSource interface {
	Snapshot(projectPath string) (*status.Snapshot, error)
}

// Registry lists the projects the API serves.
type Registry interface {
	ListProjects() ([]store.Project, error)
}

// Server is the HTTP status API: JSON snapshots plus SSE and websocket
// change streams. It renders no HTML.
type Server struct {
	snapshots SnapshotSource
	registry  Registry
	addr      string
	mux       *http.ServeMux
	sseHub    *SSEHub
	wsHub     *WSHub
}

// NewServer creates a new API server
func NewServer(snapshots SnapshotSource, registry Registry, addr string) *Server {
	s := &Server{
		snapshots: snapshots,
		registry:  registry,
		addr:      addr,
		mux:       http.NewServeMux(),
		sseHub:    NewSSEHub(),
		wsHub:     NewWSHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/projects", s.listProjectsHandler())
	s.mux.HandleFunc("/api/snapshot", s.snapshotHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.sseHub.Run()
	return http.ListenAndServe(s.addr, s.mux)
}

// Broadcast fans an event out to every SSE and websocket client.
func (s *Server) Broadcast(event Event) {
	s.sseHub.Broadcast(event)
	s.wsHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
