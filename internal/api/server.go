// Package api serves the snaplicator HTTP control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/inventory"
	"github.com/snaplicator/snaplicator/internal/logger"
	"github.com/snaplicator/snaplicator/internal/models"
	"github.com/snaplicator/snaplicator/internal/provision"
	"github.com/snaplicator/snaplicator/internal/replication"
)

// Server is the HTTP API server.
type Server struct {
	cfg         config.HTTPConfig
	inventory   *inventory.Reconciler
	lifecycle   *provision.Lifecycle
	provisioner *provision.Provisioner
	observer    *replication.Observer

	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	running bool
}

// NewServer wires the API server from its collaborators.
func NewServer(cfg config.HTTPConfig, inv *inventory.Reconciler, lc *provision.Lifecycle, prov *provision.Provisioner, obs *replication.Observer) *Server {
	return &Server{
		cfg:         cfg,
		inventory:   inv,
		lifecycle:   lc,
		provisioner: prov,
		observer:    obs,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /snapshots", s.handleCreateSnapshot)
	mux.HandleFunc("DELETE /snapshots/{name}", s.handleDeleteSnapshot)
	mux.HandleFunc("POST /snapshots/{name}/clone", s.handleCloneSnapshot)
	mux.HandleFunc("GET /clones", s.handleListClones)
	mux.HandleFunc("POST /clones", s.handleCloneFromLive)
	mux.HandleFunc("DELETE /clones/{name}", s.handleDeleteClone)
	mux.HandleFunc("GET /replication/copy-progress", s.handleCopyProgress)
	mux.HandleFunc("GET /replication/lag", s.handleLag)
	mux.HandleFunc("GET /replication/check", s.handleCheck)

	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler: mux,
		// Provisioning waits out a full readiness timeout in-request.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.running = true
	logger.Info("API server listening", "addr", addr)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.running = false
	logger.Info("API server stopped")
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.cfg.Port
}

// descriptionBody is the optional JSON body for create/clone requests.
type descriptionBody struct {
	Description string `json:"description"`
}

func readDescription(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	var body descriptionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Description
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the lifecycle error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, provision.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, provision.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, provision.ErrPrecondition):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.inventory.ListSnapshots(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.lifecycle.CreateSnapshot(r.Context(), readDescription(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.DeleteSnapshot(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloneSnapshot(w http.ResponseWriter, r *http.Request) {
	s.provisionAndReply(w, r, provision.Request{
		SourceSnapshot: r.PathValue("name"),
		Description:    readDescription(r),
	})
}

func (s *Server) handleCloneFromLive(w http.ResponseWriter, r *http.Request) {
	s.provisionAndReply(w, r, provision.Request{
		FromLive:    true,
		Description: readDescription(r),
	})
}

func (s *Server) provisionAndReply(w http.ResponseWriter, r *http.Request, req provision.Request) {
	result := s.provisioner.Provision(r.Context(), req)
	status := http.StatusCreated
	if result.Status == models.ProvisionFailed {
		// The result body still carries the last completed stage and
		// warnings so the caller can resume cleanup manually.
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListClones(w http.ResponseWriter, r *http.Request) {
	clones, err := s.inventory.ListClones(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clones)
}

func (s *Server) handleDeleteClone(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.DeleteClone(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCopyProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.observer.CopyProgress(r.Context()))
}

func (s *Server) handleLag(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.observer.Lag(r.Context()))
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.observer.Check(r.Context()))
}
