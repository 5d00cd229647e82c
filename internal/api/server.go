package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/specialistvlad/buildgridgo/internal/agent"
	"github.com/specialistvlad/buildgridgo/internal/artifact"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"github.com/specialistvlad/buildgridgo/internal/trigger"
)

// Engine is what the API needs from the running engine.
type Engine interface {
	Handle(ctx context.Context, ev event.Event) []trigger.QueuedRun
	Reload(ctx context.Context) (*depgraph.Graph, error)
	Enqueue(ctx context.Context, req run.Request) (*run.Run, error)
	Cancel(ctx context.Context, id int64) (*run.Run, error)
	Get(ctx context.Context, id int64) (*run.Run, error)
	Runs() []*run.Run
	Graph() *depgraph.Graph
	Agents() []agent.Info
	Artifacts() *artifact.Store
}

// Server serves the HTTP API.
type Server struct {
	engine Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewServer creates a Server. logger is the base logger for request logs.
func NewServer(engine Engine, logger *slog.Logger) *Server {
	return &Server{engine: engine, logger: logger, now: time.Now}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleCreateRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/cancel", s.handleCancelRun)
			r.Get("/artifacts", s.handleListArtifacts)
			r.Get("/artifacts/*", s.handleDownloadArtifact)
		})
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/vcs", s.handleVcsEvent)
		r.Post("/schedule", s.handleScheduleEvent)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Post("/{agentID}", s.handleUpsertAgent)
		r.Delete("/{agentID}", s.handleRemoveAgent)
	})

	r.Get("/graph", s.handleGraph)
	r.Post("/config/reload", s.handleReload)
	return r
}

// requestLogger puts a request-scoped logger into the context and logs
// every request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		logger := s.logger.With("request_id", middleware.GetReqID(r.Context()))
		ctx := ctxlog.WithLogger(r.Context(), logger)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Debug("HTTP request served.",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}
