// Package api provides the administrative HTTP surface and the
// WebSocket push endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/supervise"
	syncpipe "github.com/market-sync/internal/sync"
)

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server is the administrative HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      storage.Store
	queue      queue.Queue
	supervisor *supervise.Supervisor
	source     *syncpipe.Source
	hub        *Hub
	config     *ServerConfig
	logger     *logging.Logger
}

// NewServer creates the API server.
func NewServer(
	config *ServerConfig,
	store storage.Store,
	q queue.Queue,
	supervisor *supervise.Supervisor,
	source *syncpipe.Source,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		store:      store,
		queue:      q,
		supervisor: supervisor,
		source:     source,
		hub:        NewHub(supervisor),
		config:     config,
		logger:     logging.GetGlobalLogger().WithComponent("api"),
	}
	s.setupRouter()
	return s
}

// setupRouter configures middleware and routes.
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.router.HandleFunc("/products", s.handleListProducts).Methods(http.MethodGet)
	s.router.HandleFunc("/products/{id}", s.handleGetProduct).Methods(http.MethodGet)
	s.router.HandleFunc("/products/{id}/sync", s.handleSyncProduct).Methods(http.MethodPost)

	s.router.HandleFunc("/sync-records", s.handleCreateSyncRun).Methods(http.MethodPost)
	s.router.HandleFunc("/sync-records", s.handleListSyncRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/sync-records/{id}/cancel", s.handleCancelSyncRun).Methods(http.MethodPost)
	s.router.HandleFunc("/sync-records/{id}/retry", s.handleRetrySyncRun).Methods(http.MethodPost)
	s.router.HandleFunc("/sync-records/progress/{taskId}", s.handleProgress).Methods(http.MethodGet)

	s.router.HandleFunc("/dashboard/stats", s.handleDashboardStats).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.hub.HandleWS)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.hub.Start()
	s.logger.WithField("addr", s.httpServer.Addr).Info("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown drains connections and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
