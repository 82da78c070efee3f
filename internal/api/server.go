// Package api exposes the memory core over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/config"
	"github.com/oscillatelabsllc/recall/internal/enrich"
	"github.com/oscillatelabsllc/recall/internal/logging"
	"github.com/oscillatelabsllc/recall/internal/maintenance"
	"github.com/oscillatelabsllc/recall/internal/memory"
	"github.com/oscillatelabsllc/recall/internal/metrics"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// Memory is the core surface served by the API.
type Memory interface {
	EnrichBeforeResponse(ctx context.Context, req enrich.Request) models.EnrichedPrompt
	RecordTurn(ctx context.Context, turn models.Turn) (models.TurnReceipt, error)
	LookupMemory(ctx context.Context, spec models.FilterSpec) ([]models.Event, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	RoutingLog() []models.RoutingDecision
	Status(ctx context.Context) memory.Status
	Maintain(ctx context.Context) (maintenance.Report, error)
	Ready(ctx context.Context) error
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server implements the HTTP API.
type Server struct {
	memory     Memory
	metrics    *metrics.Collector
	router     *chi.Mux
	cfg        config.ServerConfig
	logger     *zap.Logger
	httpServer *http.Server
	sseServer  *server.SSEServer
	mcpServer  *server.MCPServer
}

// NewServer creates the HTTP server. m may be nil, in which case /metrics is
// not served.
func NewServer(mem Memory, cfg config.ServerConfig, m *metrics.Collector, logger *zap.Logger) *Server {
	s := &Server{
		memory:  mem,
		metrics: m,
		cfg:     cfg,
		logger:  logging.OrNop(logger).With(zap.String("component", "api")),
	}
	s.setupRouter()
	return s
}

// setupRouter configures all HTTP routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/openapi.json", s.handleOpenAPISpec)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// The MCP SSE endpoint is mounted by AddMCPServer outside the timeout
	// group; SSE connections stay open.
	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		}

		r.Post("/enrich", s.handleEnrich)
		r.Post("/turns", s.handleRecordTurn)
		r.Post("/memory/query", s.handleQuery)
		r.Get("/memory/events/{id}", s.handleGetEvent)
		r.Get("/routing/log", s.handleRoutingLog)
		r.Get("/status", s.handleGetStatus)
		r.Post("/maintenance", s.handleMaintenance)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured port until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%s", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			zap.String("addr", addr),
			zap.String("openapi", "/openapi.json"),
			zap.String("health", "/health"))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down HTTP server")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// handleHealth returns 200 OK if server is running
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	successResponse(w, map[string]string{"status": "healthy"})
}

// handleReady pings the document store and the buffer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.memory.Ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	successResponse(w, map[string]string{"status": "ready"})
}

// errorResponse writes a JSON error response
func errorResponse(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// successResponse writes a JSON success response
func successResponse(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// AddMCPServer mounts the MCP SSE transport at /mcp.
func (s *Server) AddMCPServer(mcpServer *server.MCPServer) {
	s.mcpServer = mcpServer

	s.sseServer = server.NewSSEServer(
		mcpServer,
		server.WithBasePath("/mcp"),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(15*time.Second),
	)
	s.router.Mount("/mcp", s.sseServer)

	s.logger.Info("MCP SSE transport mounted",
		zap.String("sse", "/mcp/sse"),
		zap.String("message", "/mcp/message"),
		zap.Duration("keep_alive", 15*time.Second))
}
