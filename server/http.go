// Package server provides the HTTP API of the OHIF metadata cache.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	ohifcache "github.com/wolfeidau/ohif-cache"
	"github.com/wolfeidau/ohif-cache/cache"
	"github.com/wolfeidau/ohif-cache/orthanc"
	"github.com/wolfeidau/ohif-cache/preload"
	"github.com/wolfeidau/ohif-cache/study"
	"github.com/wolfeidau/ohif-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every request
	// except /health and /metrics.
	AuthToken string

	// DataSource is reported by /stats ("dicom-json" or "dicom-web").
	DataSource string

	// StoreDriver is reported by /stats.
	StoreDriver string

	// Logger for the server
	Logger *slog.Logger
}

// MetadataCache returns the cached metadata of an instance.
type MetadataCache interface {
	Get(ctx context.Context, instanceID string) (*cache.Metadata, error)
}

// DocumentBuilder builds the OHIF document of a study.
type DocumentBuilder interface {
	BuildDocument(ctx context.Context, studyID string) (*study.Document, error)
}

// Preloader queues instances for background caching.
type Preloader interface {
	Start(ctx context.Context)
	Stop()
	Notify(ctx context.Context, instanceID string) bool
	State() preload.State
	Pending() int
}

// HealthChecker probes the Orthanc server.
type HealthChecker interface {
	System(ctx context.Context) (*orthanc.SystemInfo, error)
}

// Runner is a background loop stopped by cancelling its context.
type Runner interface {
	Run(ctx context.Context) error
}

// ChangeFeed is a Runner reporting its position in the change log.
type ChangeFeed interface {
	Runner
	Since() int64
}

// Option configures a Server.
type Option func(*Server)

// WithPreloader enables the preload endpoint and starts the worker with the
// server.
func WithPreloader(p Preloader) Option {
	return func(s *Server) {
		s.preload = p
	}
}

// WithHealthChecker makes /health probe Orthanc.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithChangeFeed runs the change feed with the server.
func WithChangeFeed(f ChangeFeed) Option {
	return func(s *Server) {
		s.changes = f
		s.runners = append(s.runners, namedRunner{name: "change-watcher", runner: f})
	}
}

// WithRunner runs an additional background loop with the server.
func WithRunner(name string, r Runner) Option {
	return func(s *Server) {
		s.runners = append(s.runners, namedRunner{name: name, runner: r})
	}
}

type namedRunner struct {
	name   string
	runner Runner
}

// Server is the HTTP server for the metadata cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	cache   MetadataCache
	studies DocumentBuilder
	preload Preloader
	health  HealthChecker
	changes ChangeFeed
	runners []namedRunner

	mu       sync.Mutex // guards cancel and shutdown
	cancel   context.CancelFunc
	shutdown bool
	wg       sync.WaitGroup
}

// New creates a new server serving metadata from c and study documents from
// studies.
func New(cfg Config, c MetadataCache, studies DocumentBuilder, opts ...Option) (*Server, error) {
	if c == nil || studies == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "server requires a metadata cache and a document builder")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		cache:   c,
		studies: studies,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Large studies take a while to assemble
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler wraps mux with the logging and auth middleware.
func (s *Server) Handler(mux http.Handler) http.Handler {
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /studies/{id}/ohif-dicom-json", s.handleStudy)
	mux.HandleFunc("GET /instances/{id}/ohif-metadata", s.handleInstance)
	mux.HandleFunc("POST /instances/{id}/preload", s.handlePreload)
}

// handleStudy serves the OHIF document of a study with a strong ETag.
func (s *Server) handleStudy(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "study")

	studyID := r.PathValue("id")
	doc, err := s.studies.BuildDocument(r.Context(), studyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body bytes.Buffer
	hw := ohifcache.NewHashingWriter(&body)
	if err := json.NewEncoder(hw).Encode(doc); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.CodeInternal, "encoding study document"))
		return
	}
	hash := hw.Sum()

	s.logger.DebugContext(r.Context(), "study document built",
		"study", studyID,
		"instances", doc.InstanceCount(),
		"bytes", hw.BytesWritten(),
		"etag", hash.ShortString(),
	)

	etag := hash.ETag()
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")

	if matchesETag(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body.Bytes())
}

// handleInstance serves the cached metadata of one instance.
func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "instance")

	m, err := s.cache.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// handlePreload queues an instance for background caching, typically from
// an Orthanc OnStoredInstance hook.
func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "preload")

	if s.preload == nil || s.preload.State() != preload.Running {
		s.writeError(w, r, errors.New(errors.CodeUnavailable, "preload is not running"))
		return
	}

	id := r.PathValue("id")
	if !s.preload.Notify(r.Context(), id) {
		s.writeError(w, r, errors.New(errors.CodeRateLimit, "preload queue is full"))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"queued": id})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	info, err := s.health.System(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "orthanc health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  errors.ToJSON(err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"orthanc": map[string]any{
			"name":        info.Name,
			"version":     info.Version,
			"api_version": info.APIVersion,
		},
	})
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"data_source": s.config.DataSource,
		"store":       s.config.StoreDriver,
		"version":     cache.FormatVersion,
	}
	if s.preload != nil {
		stats["preload"] = map[string]any{
			"state":   s.preload.State().String(),
			"pending": s.preload.Pending(),
		}
	}
	if s.changes != nil {
		stats["changes"] = map[string]any{"since": s.changes.Since()}
	}
	writeJSON(w, http.StatusOK, stats)
}

// matchesETag reports whether an If-None-Match header matches etag.
func matchesETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if endpoint := tags.Endpoint(); endpoint != "" {
			attrs = append(attrs, "endpoint", endpoint)
		}
		if result := tags.CacheResult(); result != "" {
			attrs = append(attrs, "cache_result", string(result))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background components and then serves HTTP until the
// server is shut down. Start after Shutdown returns http.ErrServerClosed
// without starting anything.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	ctx, s.cancel = context.WithCancel(ctx)

	if s.preload != nil {
		s.preload.Start(ctx)
	}

	for _, nr := range s.runners {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("starting background task", "task", nr.name)
			if err := nr.runner.Run(ctx); err != nil {
				s.logger.Error("background task failed", "task", nr.name, "error", err)
			}
		}()
	}
	s.mu.Unlock()

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its background components.
// It waits for the preload worker and background tasks to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	s.shutdown = true
	cancel := s.cancel
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)

	if cancel != nil {
		cancel()
	}
	if s.preload != nil {
		s.preload.Stop()
	}
	s.wg.Wait()

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
