// Package server implements the HTTP transport layer for the Switchyard gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/config"
	"github.com/switchyardio/switchyard/internal/storage"
	"github.com/switchyardio/switchyard/internal/stream"
	"github.com/switchyardio/switchyard/internal/telemetry"
	"github.com/switchyardio/switchyard/internal/toolloop"
	"github.com/switchyardio/switchyard/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Dispatcher drives one request through classify, select and call.
// Satisfied by *app.Dispatcher; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, creq *gateway.CanonicalRequest) (*upstream.Reply, *gateway.RoutingDecision, error)
	Redispatch(ctx context.Context, creq *gateway.CanonicalRequest, prev *gateway.RoutingDecision) (*upstream.Reply, *gateway.RoutingDecision, error)
}

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// KeyInspector exposes the credential registry for the admin surface.
type KeyInspector interface {
	All() []gateway.KeyStatus
}

// UsageQuerier serves the admin usage endpoints.
type UsageQuerier interface {
	QueryUsage(ctx context.Context, f storage.UsageFilter) ([]gateway.UsageRecord, error)
	SummarizeUsage(ctx context.Context, f storage.UsageFilter) ([]storage.UsageSummary, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Cfg        *config.Config
	Dispatcher Dispatcher
	Streams    *stream.Manager
	Loops      *toolloop.Controller // nil = tool-loop endpoint disabled
	Usage      UsageRecorder        // nil = no usage recording
	Store      UsageQuerier         // nil = admin usage endpoints return 404
	Keys       KeyInspector         // nil = admin key endpoint returns 404
	Metrics    *telemetry.Metrics   // nil = no metrics
	Gatherer   prometheus.Gatherer  // nil = /metrics not mounted
	ReadyCheck ReadyChecker         // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Client-facing API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleCompletion(gateway.ProtocolChat))
		r.Post("/v1/responses", s.handleCompletion(gateway.ProtocolResponses))
		r.Post("/v1/responses/{id}/submit_tool_outputs", s.handleSubmitToolOutputs)
		r.Post("/v1/messages", s.handleCompletion(gateway.ProtocolAnthropic))
	})

	// Operator surface (same static key)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/admin/keys", s.handleAdminKeys)
		r.Get("/admin/usage", s.handleAdminUsage)
		r.Get("/admin/usage/summary", s.handleAdminUsageSummary)
	})

	return r
}

type server struct {
	deps Deps
}
