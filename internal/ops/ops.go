// Package ops provides the orchestrator's small operator-facing HTTP
// surface: liveness/health and a JSON status snapshot. This is distinct
// from the control plane (internal/control), which is the loopback-only
// JSON-lines protocol that CLI/GUI clients use to drive sessions.
package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kterminus/orchestrator/internal/domain"
)

// Pool is the subset of *pool.Pool the status endpoint needs.
type Pool interface {
	Size() int
}

// SessionManager is the subset of *session.Manager the status endpoint needs.
type SessionManager interface {
	List() []*domain.Session
}

// Status is the JSON body served at /status.
type Status struct {
	EpochID       domain.EpochID `json:"epoch_id"`
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Connections   int            `json:"connections"`
	Sessions      int            `json:"sessions"`
}

// Server wires up the ops HTTP surface.
type Server struct {
	epoch     domain.EpochID
	startedAt time.Time
	pool      Pool
	sessions  SessionManager
}

// New constructs an ops Server.
func New(epoch domain.EpochID, startedAt time.Time, pool Pool, sessions SessionManager) *Server {
	return &Server{epoch: epoch, startedAt: startedAt, pool: pool, sessions: sessions}
}

// Router returns the chi router for the ops HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		EpochID:       s.epoch,
		StartedAt:     s.startedAt,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Connections:   s.pool.Size(),
		Sessions:      len(s.sessions.List()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
