// monitor/server.go
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"scentsmart/internal/engine"
)

// SnapshotFunc reports the running engine, if any.
type SnapshotFunc func() (engine.Snapshot, bool)

type Server struct {
	router   chi.Router
	server   *http.Server
	metrics  *Metrics
	snapshot SnapshotFunc
}

func NewServer(addr string, m *Metrics, snapshot SnapshotFunc) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		metrics:  m,
		snapshot: snapshot,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/session", s.handleSession)
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.snapshot()
	if !ok {
		http.Error(w, "no test running", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Warn().Err(err).Msg("encode session snapshot")
	}
}
