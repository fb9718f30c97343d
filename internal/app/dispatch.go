package app

import (
	"context"
	"log/slog"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/classifier"
	"github.com/switchyardio/switchyard/internal/config"
	"github.com/switchyardio/switchyard/internal/telemetry"
	"github.com/switchyardio/switchyard/internal/upstream"
)

// Caller performs one upstream attempt. Satisfied by *upstream.Pipeline;
// tests substitute fakes.
type Caller interface {
	Do(ctx context.Context, d *gateway.RoutingDecision, creq *gateway.CanonicalRequest) (*upstream.Reply, error)
}

// Dispatcher drives one request through classify -> select -> call, rotating
// to a different key on retryable failures up to the configured attempt cap.
type Dispatcher struct {
	cfg        *config.Config
	classifier *classifier.Classifier
	router     *VirtualRouter
	caller     Caller
	metrics    *telemetry.Metrics
}

// NewDispatcher wires the dispatch chain.
func NewDispatcher(cfg *config.Config, cls *classifier.Classifier, router *VirtualRouter, caller Caller, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{cfg: cfg, classifier: cls, router: router, caller: caller, metrics: metrics}
}

// Classify exposes the classifier verdict for a canonical request.
func (d *Dispatcher) Classify(creq *gateway.CanonicalRequest) gateway.Classification {
	cls := d.classifier.Classify(creq)
	if d.metrics != nil {
		d.metrics.ClassificationsTotal.WithLabelValues(string(cls.Route)).Inc()
	}
	return cls
}

// Dispatch runs the full chain for one request. Retryable upstream failures
// (rate limits, server errors) re-enter the router with the failed key
// excluded; every attempt gets a fresh routing decision. Non-retryable
// failures and exhaustion return the last error.
func (d *Dispatcher) Dispatch(ctx context.Context, creq *gateway.CanonicalRequest) (*upstream.Reply, *gateway.RoutingDecision, error) {
	cls := d.Classify(creq)
	return d.dispatch(ctx, creq, cls, nil)
}

// Redispatch re-enters the chain for a tool-loop continuation. The previous
// decision's key is reused when still eligible, keeping the conversation on
// one upstream; otherwise selection starts over for the same route.
func (d *Dispatcher) Redispatch(ctx context.Context, creq *gateway.CanonicalRequest, prev *gateway.RoutingDecision) (*upstream.Reply, *gateway.RoutingDecision, error) {
	if prev != nil && d.router.StillEligible(prev) {
		reuse := *prev
		reuse.Attempt = 0
		reply, err := d.caller.Do(ctx, &reuse, creq)
		if err == nil {
			return reply, &reuse, nil
		}
		if !gateway.KindOf(err).Retryable() {
			return nil, &reuse, err
		}
		// Fall through to fresh selection, skipping the key that just failed.
		cls := gateway.Classification{Route: prev.Route, Confidence: prev.Confidence, Reasons: prev.Reasons}
		return d.dispatch(ctx, creq, cls, map[string]bool{reuse.KeyRef(): true})
	}
	cls := gateway.Classification{Route: gateway.RouteDefault}
	if prev != nil {
		cls.Route = prev.Route
	}
	return d.dispatch(ctx, creq, cls, nil)
}

func (d *Dispatcher) dispatch(ctx context.Context, creq *gateway.CanonicalRequest, cls gateway.Classification, exclude map[string]bool) (*upstream.Reply, *gateway.RoutingDecision, error) {
	if exclude == nil {
		exclude = make(map[string]bool)
	}
	maxAttempts := d.cfg.Pipeline.MaxRetriesPerRoute
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var lastDecision *gateway.RoutingDecision
	for attempt := 0; attempt < maxAttempts; attempt++ {
		decision, err := d.router.Select(cls, exclude)
		if err != nil {
			if lastErr != nil {
				// Pool exhausted mid-retry: the upstream failure explains more
				// than the empty pool does.
				return nil, lastDecision, lastErr
			}
			return nil, nil, err
		}
		decision.Attempt = attempt
		if d.metrics != nil && decision.Route != cls.Route {
			d.metrics.RoutingFallbacks.Inc()
		}

		slog.LogAttrs(ctx, slog.LevelInfo, "routing decision",
			slog.String("request_id", gateway.RequestIDFromContext(ctx)),
			slog.String("route", string(decision.Route)),
			slog.String("provider", decision.ProviderID),
			slog.String("model", decision.Model),
			slog.String("key", decision.KeyAlias),
			slog.Int("attempt", attempt),
			slog.Float64("confidence", decision.Confidence),
		)

		reply, err := d.caller.Do(ctx, decision, creq)
		if err == nil {
			return reply, decision, nil
		}
		if !gateway.KindOf(err).Retryable() {
			return nil, decision, err
		}

		exclude[decision.KeyRef()] = true
		lastErr = err
		lastDecision = decision
		if d.metrics != nil {
			d.metrics.RetriesTotal.WithLabelValues(string(decision.Route)).Inc()
		}
	}
	return nil, lastDecision, lastErr
}
