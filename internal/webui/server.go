// Package webui serves the local status HTTP surface: a read-only
// status/history/diagnostics view for operators and the agentctl CLI, plus
// a write-once POST /config that writes device.yml while the device has no
// owner. It never mutates the reconciler's assignment directly.
package webui

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
	"github.com/flowfuse/device-agent/internal/diagnostics"
	"github.com/flowfuse/device-agent/internal/history"
)

// StateProvider is the minimal surface the reconciler exposes for the
// read-only status view.
type StateProvider interface {
	GetState() (assignment.State, bool)
}

// Config configures the Server.
type Config struct {
	Addr    string
	WorkDir string

	// DeviceConfigPath is where POST /config writes the provisioned
	// device.yml. Empty disables the endpoint.
	DeviceConfigPath string

	State   StateProvider
	History *history.Store
}

// Server is the local status HTTP server.
type Server struct {
	cfg Config
	log zerolog.Logger
	srv *http.Server
}

// New builds a Server; call Start to begin listening.
func New(cfg Config, log zerolog.Logger) *Server {
	s := &Server{cfg: cfg, log: log.With().Str("component", "webui").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/status", s.handleStatus)
	r.Get("/history", s.handleHistory)
	r.Get("/diagnostics", s.handleDiagnostics)
	r.Post("/config", s.handleConfig)

	s.srv = &http.Server{Addr: cfg.Addr, Handler: r}
	return s
}

// Start begins serving in the background. Listen errors are logged, not
// returned, since the status server is a convenience surface, not a
// component the reconciler depends on.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("local status server stopped")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, ok := s.cfg.State.GetState()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "reconciling"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	entries, err := s.cfg.History.Recent(ctx, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// handleConfig accepts a freshly-provisioned device.yml from the
// quick-connect flow. Write-once: once the device has an owner, the agent
// already has its real assignment and this endpoint is no longer meaningful.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DeviceConfigPath == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if state, ok := s.cfg.State.GetState(); ok && state.OwnerType != assignment.OwnerNone {
		http.Error(w, "device already owned", http.StatusConflict)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) == 0 {
		http.Error(w, "empty config body", http.StatusBadRequest)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.DeviceConfigPath), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tmp := s.cfg.DeviceConfigPath + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := os.Rename(tmp, s.cfg.DeviceConfigPath); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	d, err := diagnostics.Collect(ctx, s.cfg.WorkDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d)
}
