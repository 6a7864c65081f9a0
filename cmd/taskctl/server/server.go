package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/taskengine/internal/platform/config"
	"github.com/linkflow-ai/taskengine/internal/platform/logger"
	"github.com/linkflow-ai/taskengine/internal/platform/telemetry"
	"github.com/linkflow-ai/taskengine/internal/taskengine"
)

// Server is taskctl's diagnostics HTTP surface, grounded on the teacher's
// internal/monitoring/server.Server (mux router over a plain net/http
// server, Option-based construction).
type Server struct {
	config     *config.Config
	logger     logger.Logger
	manager    *taskengine.Manager
	telemetry  *telemetry.Telemetry
	hub        *Hub
	httpServer *http.Server
}

type Option func(*Server)

func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.config = cfg }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithManager(m *taskengine.Manager) Option {
	return func(s *Server) { s.manager = m }
}

// WithTelemetry mounts the process's metrics registry at /metrics. Nil-safe:
// a Server built without it just skips the route.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = t }
}

func New(opts ...Option) *Server {
	s := &Server{hub: NewHub()}
	for _, opt := range opts {
		opt(s)
	}
	s.setupHTTPServer()
	return s
}

// Hub exposes the websocket fan-out so main can wire it as a
// remote.LifecycleSink alongside any other sinks.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupHTTPServer() {
	router := mux.NewRouter()
	router.HandleFunc("/health/live", s.handleLiveness).Methods("GET")
	router.HandleFunc("/pools", s.handlePools).Methods("GET")
	router.HandleFunc("/stream", s.hub.ServeWS)
	if s.telemetry != nil {
		router.Handle("/metrics", s.telemetry.MetricsHandler()).Methods("GET")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
}

func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("starting taskctl diagnostics server", "port", s.config.HTTP.Port)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"alive"}`)
}

type poolsResponse struct {
	Pools      []taskengine.PoolSnapshot      `json:"pools"`
	Workqueues []taskengine.WorkqueueSnapshot `json:"workqueues"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	resp := poolsResponse{
		Pools:      s.manager.PoolSnapshots(),
		Workqueues: s.manager.WorkqueueSnapshots(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode pools response", "error", err)
	}
}
