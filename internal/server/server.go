// Package server implements the minimal HTTP control surface this system
// exposes directly: a health probe and a handful of trigger/status routes
// for operators, served by `linbod serve`. The full CRUD surface over
// hosts/configs/images, with authentication and WebSocket relay, lives in
// the frontend API service, not here.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/imagesync"
	"github.com/linuxmuster-net/linbo-ctrl/internal/operation"
	"github.com/linuxmuster-net/linbo-ctrl/internal/pkgupdate"
	"github.com/linuxmuster-net/linbo-ctrl/internal/settings"
	"github.com/linuxmuster-net/linbo-ctrl/internal/syncengine"
)

// Config bundles every engine the control surface fronts. Fields are
// nil-checked at setupRoutes time; a nil engine's routes 404 instead of
// panicking, so `serve` still comes up if one engine failed to construct.
type Config struct {
	ListenAddr string
	Sync       *syncengine.Engine
	Operation  *operation.Engine
	Images     *imagesync.Engine
	Update     *pkgupdate.Engine
	Settings   *settings.Store
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	startTime time.Time
	logger    *log.Logger
}

// New builds a Server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		logger:    log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	if s.cfg.Sync != nil {
		s.mux.HandleFunc("GET /api/sync/status", s.handleSyncStatus)
		s.mux.HandleFunc("POST /api/sync/run", s.handleSyncRun)
	}
	if s.cfg.Operation != nil {
		s.mux.HandleFunc("GET /api/operations/{id}", s.handleGetOperation)
		s.mux.HandleFunc("POST /api/operations/{id}/cancel", s.handleCancelOperation)
	}
	if s.cfg.Images != nil {
		s.mux.HandleFunc("GET /api/images/compare", s.handleCompareImages)
		s.mux.HandleFunc("POST /api/images/{name}/pull", s.handlePullImage)
		s.mux.HandleFunc("POST /api/images/jobs/{id}/cancel", s.handleCancelImageJob)
	}
	if s.cfg.Update != nil {
		s.mux.HandleFunc("GET /api/update/status", s.handleUpdateStatus)
		s.mux.HandleFunc("POST /api/update/run", s.handleUpdateRun)
		s.mux.HandleFunc("POST /api/update/cancel", s.handleUpdateCancel)
	}
	if s.cfg.Settings != nil {
		s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully: a background ListenAndServe goroutine raced against
// ctx.Done with a bounded shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.loggingMiddleware(s.mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Printf("listening on %s", s.cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, err error) {
	s.jsonResponse(w, map[string]string{"error": err.Error()}, ctrlerr.StatusOf(err))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}, http.StatusOK)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.cfg.Sync.State(r.Context())
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, state, http.StatusOK)
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Sync.Run(r.Context())
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, stats, http.StatusOK)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.cfg.Operation.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, op, http.StatusOK)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.cfg.Operation.CancelOperation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, op, http.StatusOK)
}

func (s *Server) handleCompareImages(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.cfg.Images.CompareImages(r.Context())
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{"images": cmp}, http.StatusOK)
}

func (s *Server) handlePullImage(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Images.PullImage(r.Context(), r.PathValue("name"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, job, http.StatusAccepted)
}

func (s *Server) handleCancelImageJob(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.cfg.Images.CancelJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, map[string]bool{"cancelled": cancelled}, http.StatusOK)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Update.Status(r.Context())
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, status, http.StatusOK)
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Update.Trigger(r.Context())
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, status, http.StatusAccepted)
}

func (s *Server) handleUpdateCancel(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Update.Status(r.Context())
	if err != nil {
		s.jsonError(w, err)
		return
	}
	cancelled, err := s.cfg.Update.Cancel(r.Context(), status.RunID)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, map[string]bool{"cancelled": cancelled}, http.StatusOK)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.cfg.Settings.GetAll(r.Context()), http.StatusOK)
}
