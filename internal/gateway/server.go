// Package gateway serves a read-mostly diagnostics API over a task store:
// metrics, configuration, sessions, recent events and on-demand cleanup, plus
// a WebSocket that streams store events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/taskvault/internal/config"
	"github.com/dohr-michael/taskvault/internal/events"
	"github.com/dohr-michael/taskvault/internal/gateway/ws"
	"github.com/dohr-michael/taskvault/internal/maintenance"
	"github.com/dohr-michael/taskvault/internal/metrics"
	"github.com/dohr-michael/taskvault/internal/tasks"
)

// Store is the part of the task store the gateway exposes.
type Store interface {
	Config() config.StorageConfig
	Metrics() metrics.Snapshot
	RefreshMetrics(ctx context.Context) (metrics.Snapshot, error)
	ListSessions(ctx context.Context) ([]tasks.SessionMetadata, error)
	ListActiveSessions(ctx context.Context) ([]tasks.SessionMetadata, error)
	PerformCleanup(ctx context.Context) (*maintenance.Result, error)
}

// Server is the taskvault diagnostics HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	store      Store
}

// NewServer creates a new gateway server.
func NewServer(store Store, bus *events.Bus, host string, port int) *Server {
	s := &Server{
		bus:   bus,
		store: store,
	}
	s.hub = ws.NewHub(bus, &storeHandler{store: store})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/config", s.handleConfig)
		r.Get("/sessions", s.handleSessions)
		r.Get("/events", s.handleEvents)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/ws", s.hub.ServeWS)
	})

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("taskvault gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"storageDir": s.store.Config().StorageDir,
		"wsClients":  s.hub.Clients(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") != "true" {
		writeJSON(w, http.StatusOK, s.store.Metrics())
		return
	}
	snap, err := s.store.RefreshMetrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Config())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := listSessions(r.Context(), s.store, r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	history := s.bus.History(limit)
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := runCleanup(r.Context(), s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
