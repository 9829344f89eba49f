// Package server implements the HTTP server and routing for scanvault.
// It is a thin shell over the registry: request shapes in, registry error
// kinds mapped to status codes out. No business logic lives here.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/registry"
)

// Options holds optional configuration for the Server.
type Options struct {
	// Logger receives request logs and handler errors. A nop logger is
	// used when nil, which keeps tests quiet.
	Logger *zap.Logger
}

// Server is the HTTP front for an asset registry.
type Server struct {
	router *mux.Router
	reg    registry.Registry
	logger *zap.Logger
}

// New creates and configures a new Server around the given registry.
func New(reg registry.Registry, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router: mux.NewRouter(),
		reg:    reg,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler, delegating to the mux router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// registerRoutes sets up all endpoint routes.
func (s *Server) registerRoutes() {
	r := s.router

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requestLogging)

	// The three ingestion shapes.
	api.HandleFunc("/upload", s.handleUploadFile).Methods(http.MethodPost)
	api.HandleFunc("/upload-folder", s.handleUploadFolder).Methods(http.MethodPost)
	api.HandleFunc("/upload-zip", s.handleUploadArchive).Methods(http.MethodPost)

	api.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	api.HandleFunc("/download/{id}", s.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/delete/{id}", s.handleDelete).Methods(http.MethodDelete)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// requestLogging logs one line per API request with method, path, status
// and duration.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
