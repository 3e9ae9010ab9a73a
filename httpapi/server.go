// Package httpapi serves the execution service over HTTP.
//
// Routes:
//
//	POST /api/execute       run one submission, respond with the Result
//	GET  /api/languages     supported languages and whether they are warm
//	GET  /api/execute/ws    websocket; one Result frame per submission
//	GET  /healthz           liveness
//	GET  /metrics           prometheus collectors (when enabled)
//	     /mcp               streamable MCP endpoint (when mounted)
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/executor"
	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/sandbox"
)

// maxRequestBytes bounds the size of a submission body.
const maxRequestBytes = 1 << 20

// Executor runs submissions.
type Executor interface {
	Execute(ctx context.Context, code, language string) executor.Result
}

// Catalog describes the supported languages.
type Catalog interface {
	Languages() []sandbox.LanguageSpec
	Loaded(language string) bool
}

// executeRequest is the body of POST /api/execute and of websocket frames.
type executeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type languageInfo struct {
	ID     string `json:"id"`
	Family string `json:"family"`
	Loaded bool   `json:"loaded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP server for the execution API.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	exec    Executor
	catalog Catalog
	mcp     http.Handler
	limiter *rate.Limiter
	router  chi.Router
	http    *http.Server
}

// New creates a new Server. mcp may be nil to leave /mcp unmounted.
func New(cfg *config.Config, logger *zap.Logger, exec Executor, catalog Catalog, mcp http.Handler) *Server {
	limit := rate.Inf
	if cfg.Server.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.Server.RateLimitRPS)
	}
	burst := cfg.Server.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		exec:    exec,
		catalog: catalog,
		mcp:     mcp,
		limiter: rate.NewLimiter(limit, burst),
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.mcp != nil {
		r.Handle("/mcp", s.mcp)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)

		r.With(jsonContentType).Post("/execute", s.handleExecute)
		r.With(jsonContentType).Get("/languages", s.handleLanguages)

		// WebSocket (no JSON content-type)
		r.Get("/execute/ws", s.handleExecuteWS)
	})
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects requests beyond the configured global rate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			metrics.RateLimitHits.Inc()
			w.Header().Set("Content-Type", "application/json")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	result := s.exec.Execute(r.Context(), req.Code, req.Language)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	specs := s.catalog.Languages()
	out := make([]languageInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, languageInfo{
			ID:     spec.Name,
			Family: string(spec.Family),
			Loaded: s.catalog.Loaded(spec.Name),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins listening on the configured port.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.http.Shutdown(ctx)
}
