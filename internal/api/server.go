package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/ffgate/internal/events"
	"github.com/mattjoyce/ffgate/internal/jobs"
	"github.com/mattjoyce/ffgate/internal/sweep"
	"github.com/mattjoyce/ffgate/internal/workspace"
)

// JobRunner executes media operations.
type JobRunner interface {
	Run(ctx context.Context, op jobs.Operation, input string, params jobs.Params) (*jobs.Result, error)
	RunInputs(ctx context.Context, op jobs.Operation, inputs []jobs.Input, params jobs.Params) (*jobs.Result, error)
	Batch(ctx context.Context, op jobs.Operation, inputs []jobs.Input, params jobs.Params) (*jobs.BatchResult, error)
	MaxBatch() int
}

// Sweeper is the subset of the background sweeper the API drives.
type Sweeper interface {
	RunOnce(ctx context.Context) ([]sweep.Report, error)
	State() sweep.State
	Last() ([]sweep.Report, time.Time)
}

// Root names a storage directory reported by /api/stats.
type Root struct {
	Name string
	Dir  string
}

// Config holds API server configuration
type Config struct {
	Listen string
	// PublicBase is the URL prefix outputs are served under, e.g. "/uploads".
	PublicBase     string
	UploadsDir     string
	Roots          []Root
	MaxUploadBytes int64
	CORSOrigins    []string
	// WriteTimeout bounds a whole request, encoder steps included.
	WriteTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	jobs       JobRunner
	workspaces workspace.Manager
	sweeper    Sweeper
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. sweeper may be nil when sweeping
// is disabled.
func New(config Config, jobRunner JobRunner, ws workspace.Manager, sweeper Sweeper, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 100 << 20
	}
	if config.PublicBase == "" {
		config.PublicBase = "/uploads"
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Minute
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:     config,
		jobs:       jobRunner,
		workspaces: ws,
		sweeper:    sweeper,
		events:     hub,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  time.Minute, // large uploads
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"X-Request-Id"},
		}).Handler)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/events", s.handleEvents)

	mount := uploadsMount(s.config.PublicBase)
	r.Get(mount+"/*", s.handleUploads(mount))

	r.Route("/api", func(r chi.Router) {
		r.Get("/operations", s.handleOperations)
		r.Get("/stats", s.handleStats)
		r.Post("/sweep", s.handleSweep)

		r.Route("/image", func(r chi.Router) {
			r.Post("/chromakey", s.handleOperation(jobs.OpChromaKey, "image"))
			r.Post("/advanced-keying", s.handleOperation(jobs.OpAdvancedKeying, "image"))
			r.Post("/crop", s.handleOperation(jobs.OpCrop, "image"))
			r.Post("/resize", s.handleOperation(jobs.OpResize, "image"))
			r.Post("/convert", s.handleOperation(jobs.OpConvert, "image"))
			r.Post("/chromakey-to-gif", s.handleOperation(jobs.OpChromaKeyGIF, "image"))
			r.Post("/overlay", s.handleFiles(jobs.OpOverlay, filePair(
				[]string{"baseImage", "base"}, []string{"overlayImage", "overlay"})))
			r.Post("/images-to-transparent-gif", s.handleFiles(jobs.OpImagesToGIF, fileList("images", "files")))
		})
		r.Route("/gif", func(r chi.Router) {
			r.Post("/compress", s.handleOperation(jobs.OpGIFCompress, "gif"))
			r.Post("/resize", s.handleOperation(jobs.OpGIFResize, "gif"))
			r.Post("/optimize-transparent", s.handleOperation(jobs.OpGIFOptimize, "gif"))
			r.Post("/crop", s.handleOperation(jobs.OpGIFCrop, "gif"))
			r.Post("/explode", s.handleOperation(jobs.OpGIFExplode, "gif"))
			r.Post("/create", s.handleFiles(jobs.OpGIFCreate, fileList("images", "files")))
			r.Post("/batch-process", s.handleBatch)
		})
		r.Route("/video", func(r chi.Router) {
			r.Post("/to-gif", s.handleOperation(jobs.OpVideoToGIF, "video"))
			r.Post("/convert", s.handleOperation(jobs.OpVideoConvert, "video"))
			r.Post("/trim", s.handleOperation(jobs.OpVideoTrim, "video"))
			r.Post("/compress", s.handleOperation(jobs.OpVideoCompress, "video"))
			r.Post("/resize", s.handleOperation(jobs.OpVideoResize, "video"))
		})
	})

	return r
}

// uploadsMount derives the route prefix for served outputs. An absolute URL
// base (a CDN in front of the service) still serves locally under /uploads.
func uploadsMount(base string) string {
	if !strings.HasPrefix(base, "/") {
		return "/uploads"
	}
	return strings.TrimRight(base, "/")
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
