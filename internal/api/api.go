// Package api exposes linewatch over HTTP.
//
// Handlers validate input at the boundary and map failures onto status codes:
// invalid input is 400, unknown IDs are 404, and store or transport failures
// are 503 with "retryable": true.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rewired-gh/linewatch/internal/dashboard"
	"github.com/rewired-gh/linewatch/internal/models"
	"github.com/rewired-gh/linewatch/internal/movement"
	"github.com/rewired-gh/linewatch/internal/stats"
)

// Store is the read-side persistence the API queries directly.
type Store interface {
	Ping(ctx context.Context) error
	GetSeries(ctx context.Context, key models.SeriesKey) ([]models.Snapshot, error)
}

// Ingester accepts new snapshots.
type Ingester interface {
	Ingest(ctx context.Context, snap *models.Snapshot) error
}

// Dashboards serves materialized dashboards.
type Dashboards interface {
	Get(ctx context.Context, scope dashboard.Scope) (*dashboard.Dashboard, error)
}

// Movements serves detection, settlement and movement queries.
type Movements interface {
	Get(ctx context.Context, id string) (*models.Movement, error)
	List(ctx context.Context, f models.MovementFilter) ([]models.Movement, int, error)
	Summarize(ctx context.Context, f models.MovementFilter) (*movement.Summary, error)
	RunDetection(ctx context.Context, th movement.Thresholds) (int, error)
	AttachOutcome(ctx context.Context, o *models.Outcome) (int, error)
}

// Analysis runs and reports threshold analyses.
type Analysis interface {
	RunAnalysis(ctx context.Context, configs []stats.Config) ([]models.AnalysisResult, error)
	Results(ctx context.Context, label string) ([]models.AnalysisResult, error)
	Report(ctx context.Context) (string, error)
}

// Deps are the services behind the API. WebSocket may be nil.
type Deps struct {
	Store      Store
	Ingester   Ingester
	Dashboards Dashboards
	Movements  Movements
	Analysis   Analysis
	WebSocket  http.Handler
}

// Options tune request handling.
type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	// Thresholds applies when a detection request omits a threshold.
	Thresholds movement.Thresholds
	// Scope applies when a dashboard request omits a parameter.
	Scope dashboard.Scope
}

// Server holds HTTP handler dependencies.
type Server struct {
	deps Deps
	opts Options
}

// New creates an API server.
func New(deps Deps, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{deps: deps, opts: opts}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		// long-lived, so outside the request timeout
		if s.deps.WebSocket != nil {
			r.Handle("/ws", s.deps.WebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(s.opts.RequestTimeout))

			r.Get("/dashboard", s.getDashboard)

			r.Post("/snapshots", s.postSnapshots)
			r.Get("/props/timeline", s.getTimeline)
			r.Post("/outcomes", s.postOutcome)

			r.Get("/movements", s.listMovements)
			r.Get("/movements/summary", s.movementSummary)
			r.Post("/movements/detect", s.runDetection)
			r.Get("/movements/{id}", s.getMovement)

			r.Post("/analysis/run", s.runAnalysis)
			r.Get("/analysis/results", s.analysisResults)
			r.Get("/analysis/report", s.analysisReport)
		})
	})

	return r
}
