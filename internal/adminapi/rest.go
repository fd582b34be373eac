// Package adminapi implements the control-plane surface: a REST status
// API, a gRPC control service (stats/reload/drain-handover), a
// Prometheus /metrics route, a live admin stats feed over WebSocket, and
// a memory-footprint debug route (spec.md §6 persisted status JSON,
// §4.5 handover).
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/ckpool-go/ckpool/internal/storage"
	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.AdminAPI)

// StatsSource is everything the REST/WebSocket surface needs from the
// running pool to answer status queries, kept narrow so adminapi never
// imports the stratifier's internals directly.
type StatsSource interface {
	PoolSnapshot() storage.Snapshot
	UserSnapshot(addr string) (storage.Snapshot, bool)
	WorkerSnapshot(addr, worker string) (storage.Snapshot, bool)
	// WorkerNames lists the worker names registered under addr, scoped to
	// that single user (Open Question #2: workerclients never scans
	// other users' workers).
	WorkerNames(addr string) []string
}

// Server is the REST control-plane listener.
type Server struct {
	src    StatsSource
	router *httprouter.Router
	cors   *cors.Cors
}

// NewServer builds the REST surface over src.
func NewServer(src StatsSource) *Server {
	s := &Server{src: src, router: httprouter.New()}
	s.cors = cors.New(cors.Options{AllowedMethods: []string{http.MethodGet}})

	s.router.GET("/pool", s.handlePool)
	s.router.GET("/users/:addr", s.handleUser)
	s.router.GET("/workers/:addr/:worker", s.handleWorker)
	s.router.GET("/workerclients/:addr", s.handleWorkerClients)
	s.router.GET("/metrics", s.handleMetrics)
	return s
}

// Handler returns the CORS-wrapped http.Handler to mount or serve directly.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.src.PoolSnapshot())
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snap, ok := s.src.UserSnapshot(ps.ByName("addr"))
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snap, ok := s.src.WorkerSnapshot(ps.ByName("addr"), ps.ByName("worker"))
	if !ok {
		http.Error(w, "unknown worker", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

// handleWorkerClients lists the calling user's own workers. The
// requester's address must match the path's :addr — there is no
// privileged cross-user lookup (Open Question #2 decision, SPEC_FULL.md
// PART F item 2).
func (s *Server) handleWorkerClients(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	addr := ps.ByName("addr")
	requester := r.Header.Get("X-Pool-Address")
	if requester == "" || requester != addr {
		http.Error(w, "workerclients is scoped to the authenticated user's own address", http.StatusForbidden)
		return
	}
	writeJSON(w, s.src.WorkerNames(addr))
}
