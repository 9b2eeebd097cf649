// Package api serves the read-only status endpoint of a running scan:
// liveness, engine and feature statistics, the scanner table and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/bulkscan/internal/api/middleware"
	"github.com/anstrom/bulkscan/internal/config"
	"github.com/anstrom/bulkscan/internal/engine"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/scanner"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultMaxHeaderBytes = 1 << 20
	requestTimeout        = 30 * time.Second
)

// Engine is the part of *engine.Set the API reads.
type Engine interface {
	Status() engine.Status
	Infos() []scanner.Info
}

// Features is the part of *feature.Set the API reads.
type Features interface {
	Stats() []feature.RecorderStats
	RunID() string
}

// Config holds API server configuration.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`
}

// DefaultConfig returns default API server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8089",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    defaultIdleTimeout,
		MaxHeaderBytes: defaultMaxHeaderBytes,
	}
}

// ConfigFrom converts the file configuration.
func ConfigFrom(cfg config.APIConfig) Config {
	c := DefaultConfig()
	if cfg.ListenAddr != "" {
		c.ListenAddr = cfg.ListenAddr
	}
	if cfg.ReadTimeout > 0 {
		c.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		c.WriteTimeout = cfg.WriteTimeout
	}
	return c
}

// Deps are the run components the server reports on.
type Deps struct {
	Engine   Engine
	Features Features
	Metrics  metrics.MetricsRegistry
	Logger   *logging.Logger
	Version  string
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	deps       Deps
	logger     *logging.Logger
	metrics    metrics.MetricsRegistry
	startTime  time.Time
}

// New creates a new API server instance.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("api server requires an engine")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}

	server := &Server{
		router:    mux.NewRouter(),
		deps:      deps,
		logger:    deps.Logger.WithComponent("api"),
		metrics:   deps.Metrics,
		startTime: time.Now(),
	}
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	return server, nil
}

// Handler returns the root handler: the router behind request IDs,
// logging, metrics, response headers and panic recovery.
func (s *Server) Handler() http.Handler {
	h := middleware.Chain(s.router,
		middleware.RequestID(),
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
		middleware.SecurityHeaders(),
		middleware.RequestTimeout(requestTimeout),
	)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)(h)
}

// Start serves until ctx is done, then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.indexHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.livenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/scanners", s.scannersHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/scanners/{name}", s.scannerHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no such endpoint: %s", r.URL.Path))
	})
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	s.WriteJSON(w, r, http.StatusOK, map[string]interface{}{
		"service": "bulkscan",
		"version": s.deps.Version,
		"endpoints": map[string]string{
			"liveness": "/healthz",
			"status":   "/status",
			"scanners": "/scanners",
			"metrics":  "/metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	s.WriteJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"phase":     s.deps.Engine.Status().Phase,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	})
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	Service   string                  `json:"service"`
	Version   string                  `json:"version,omitempty"`
	RunID     string                  `json:"run_id,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Engine    engine.Status           `json:"engine"`
	Features  []feature.RecorderStats `json:"features,omitempty"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Service:   "bulkscan",
		Version:   s.deps.Version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).String(),
		Engine:    s.deps.Engine.Status(),
	}
	if s.deps.Features != nil {
		resp.RunID = s.deps.Features.RunID()
		resp.Features = s.deps.Features.Stats()
	}
	s.WriteJSON(w, r, http.StatusOK, resp)
}

// ScannerResponse describes one registered scanner.
type ScannerResponse struct {
	Name        string               `json:"name"`
	Version     string               `json:"version,omitempty"`
	Description string               `json:"description,omitempty"`
	Flags       string               `json:"flags,omitempty"`
	Features    []string             `json:"features,omitempty"`
	Options     []scanner.OptionHelp `json:"options,omitempty"`
	Stats       engine.ScannerStats  `json:"stats"`
}

func (s *Server) scanners() []ScannerResponse {
	stats := make(map[string]engine.ScannerStats)
	for _, st := range s.deps.Engine.Status().Scanners {
		stats[st.Name] = st
	}
	infos := s.deps.Engine.Infos()
	out := make([]ScannerResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, ScannerResponse{
			Name:        info.Name,
			Version:     info.Version,
			Description: info.Description,
			Flags:       info.Flags.String(),
			Features:    info.FeatureNames,
			Options:     info.Options,
			Stats:       stats[info.Name],
		})
	}
	return out
}

func (s *Server) scannersHandler(w http.ResponseWriter, r *http.Request) {
	list := s.scanners()
	switch r.URL.Query().Get("sort") {
	case "time":
		sort.SliceStable(list, func(i, j int) bool { return list[i].Stats.Duration > list[j].Stats.Duration })
	case "name":
		sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	s.WriteJSON(w, r, http.StatusOK, list)
}

func (s *Server) scannerHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, sc := range s.scanners() {
		if sc.Name == name {
			s.WriteJSON(w, r, http.StatusOK, sc)
			return
		}
	}
	s.writeError(w, r, http.StatusNotFound, fmt.Errorf("unknown scanner: %s", name))
}

// metricsHandler exposes Prometheus metrics when the registry is
// Prometheus-backed and the in-memory snapshot as JSON otherwise.
func (s *Server) metricsHandler() http.Handler {
	if pm, ok := s.metrics.(*metrics.PrometheusMetrics); ok {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pm.UpdateSystemMetrics()
			promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.WriteJSON(w, r, http.StatusOK, map[string]interface{}{
			"metrics":   s.metrics.GetMetrics(),
			"timestamp": time.Now().UTC(),
		})
	})
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.logger.Warn("API error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"error", err)

	s.WriteJSON(w, r, statusCode, ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// WriteJSON writes a JSON response.
func (s *Server) WriteJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

// recoveryLogger adapts the logger to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *logging.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Panic in API handler", "error", fmt.Sprint(v...))
}
