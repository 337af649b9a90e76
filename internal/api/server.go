// Package api is the HTTP surface of the engine: the internal determination
// endpoints, the evaluation service proxy, the partner API and ops routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/audit"
	"github.com/sells-group/origin-engine/internal/config"
	"github.com/sells-group/origin-engine/internal/determination"
	"github.com/sells-group/origin-engine/internal/metrics"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/monitoring"
	"github.com/sells-group/origin-engine/internal/rules"
	"github.com/sells-group/origin-engine/pkg/ltsd"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// Determiner runs origin determinations.
type Determiner interface {
	Determine(ctx context.Context, raw []byte) (*determination.Outcome, error)
}

// Store is the persistence surface used by the handlers.
type Store interface {
	Get(ctx context.Context, certID string) (*model.Certificate, error)
	CreateWebhook(ctx context.Context, wh *model.Webhook) error
	ListWebhooks(ctx context.Context, partnerID string) ([]model.Webhook, error)
	DeleteWebhook(ctx context.Context, partnerID, webhookID string) (bool, error)
	Ping(ctx context.Context) error
}

// KPISource produces KPI snapshots.
type KPISource interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.Snapshot, error)
}

// Deps are the collaborators of a Server. Evaluator may be nil, in which
// case the proxy routes answer 503.
type Deps struct {
	Determiner Determiner
	Store      Store
	Catalog    *rules.Catalog
	Evaluator  ltsd.Client
	KPI        KPISource
	Audit      *audit.Recorder
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
}

// Options tune the HTTP surface.
type Options struct {
	CORSOrigins   []string
	Partner       config.PartnerConfig
	LookbackHours int
}

// Server holds the handlers.
type Server struct {
	deps    Deps
	opts    Options
	apiKeys map[string]bool
	limiter *partnerLimiter
	now     func() time.Time
}

// New creates a server.
func New(deps Deps, opts Options) *Server {
	if opts.LookbackHours <= 0 {
		opts.LookbackHours = 24
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	keys := make(map[string]bool, len(opts.Partner.APIKeys))
	for _, k := range opts.Partner.APIKeys {
		keys[k] = true
	}
	window := time.Duration(opts.Partner.RateWindowSecs) * time.Second
	return &Server{
		deps:    deps,
		opts:    opts,
		apiKeys: keys,
		limiter: newPartnerLimiter(opts.Partner.RateLimit, window),
		now:     time.Now,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/origin/calculate", s.handleCalculate)
		r.Get("/certificates/{id}", s.handleGetCertificate)
		r.Get("/kpi", s.handleKPI)

		r.Post("/ltsd/evaluate", s.handleEvaluate)
		r.Post("/ltsd/generate", s.handleGenerate)

		r.Route("/partner/v1", s.registerPartner)
	})

	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Store    string `json:"store"`
	Degraded bool   `json:"degraded"`
}

type degradedReporter interface {
	Degraded() bool
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Store: "ok"}
	pingErr := s.deps.Store.Ping(ctx)
	if pingErr != nil {
		zap.L().Warn("api: health check store ping failed", zap.Error(pingErr))
		resp.Store = "error"
	}
	if dr, ok := s.deps.Store.(degradedReporter); ok && dr.Degraded() {
		resp.Status = "degraded"
		resp.Degraded = true
	}

	// A degraded store still answers from memory.
	if pingErr != nil && !resp.Degraded {
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestLogger logs each request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// recoverer turns a handler panic into a 500 JSON response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zap.L().Error("api: panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
