// Package upstream implements the provider pipeline: one attempt against a
// routed provider, with wire encoding, credential injection, error
// classification and key-pool health reporting.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/cloudauth"
	"github.com/switchyardio/switchyard/internal/config"
	"github.com/switchyardio/switchyard/internal/keypool"
	"github.com/switchyardio/switchyard/internal/llmswitch"
	"github.com/switchyardio/switchyard/internal/telemetry"
)

// maxResponseBody caps buffered upstream bodies. Streams are not subject to
// this limit.
const maxResponseBody = 32 << 20

// anthropicVersion is the pinned wire version sent when the provider's
// header template does not override it.
const anthropicVersion = "2023-06-01"

// keyPlaceholder in a header template is replaced by the selected key secret.
const keyPlaceholder = "{{key}}"

// Reply is the outcome of one successful upstream attempt. Exactly one of
// Body (SSE stream, caller owns the close) or Response (buffered) is set.
type Reply struct {
	Protocol  gateway.Protocol
	Streaming bool
	Body      io.ReadCloser
	Response  *gateway.CanonicalResponse
	Latency   time.Duration
}

// Pipeline performs single upstream attempts. It holds one HTTP client per
// provider; per-key auth is injected per request from the header template.
type Pipeline struct {
	cfg     *config.Config
	pool    *keypool.Registry
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	clients map[string]*http.Client
}

// New builds a Pipeline over the configured providers. Providers with
// gcp_oauth auth get a token-injecting transport; construction fails when
// ADC credentials are unavailable for such a provider.
func New(ctx context.Context, cfg *config.Config, pool *keypool.Registry, metrics *telemetry.Metrics) (*Pipeline, error) {
	resolver := &dnscache.Resolver{}
	clients := make(map[string]*http.Client, len(cfg.Providers))
	for id, p := range cfg.Providers {
		base := NewTransport(resolver, strings.HasPrefix(p.BaseURL, "https://"), cfg.Pipeline.ConnectTimeout)
		var rt http.RoundTripper = base
		if p.Auth.Type == "gcp_oauth" {
			oauthRT, err := cloudauth.NewGCPOAuthTransport(ctx, base,
				"https://www.googleapis.com/auth/cloud-platform")
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", id, err)
			}
			rt = oauthRT
		}
		clients[id] = &http.Client{
			Transport: rt,
			// No client timeout: streams are unbounded by default. Connect is
			// capped by the dialer; the optional per-call cap is a context
			// deadline applied in Do.
			Timeout: 0,
		}
	}
	return &Pipeline{
		cfg:     cfg,
		pool:    pool,
		metrics: metrics,
		tracer:  telemetry.Tracer("switchyard/upstream"),
		clients: clients,
	}, nil
}

// endpointPath returns the completion path for an upstream protocol.
func endpointPath(proto gateway.Protocol) string {
	switch proto {
	case gateway.ProtocolChat:
		return "/chat/completions"
	case gateway.ProtocolResponses:
		return "/responses"
	case gateway.ProtocolAnthropic:
		return "/messages"
	}
	return ""
}

// Do performs one attempt against the decision's target. The canonical
// request is encoded in the provider's protocol with the decision's model;
// the caller's requested stream mode is honored unless the model cannot
// stream. Health outcomes are reported to the key pool before returning.
func (p *Pipeline) Do(ctx context.Context, d *gateway.RoutingDecision, creq *gateway.CanonicalRequest) (*Reply, error) {
	provider, ok := p.cfg.Providers[d.ProviderID]
	if !ok {
		return nil, gateway.E(gateway.KindNoHealthyUpstream, "provider %q not configured", d.ProviderID)
	}
	proto := gateway.Protocol(provider.Protocol)

	// Shallow copy: the caller's canonical request stays untouched across
	// retries against different targets.
	outReq := *creq
	outReq.Model = d.Model
	if m, ok := provider.Models[d.Model]; ok && !m.Streams() {
		outReq.Stream = false
	}

	body, err := llmswitch.EncodeRequest(proto, &outReq)
	if err != nil {
		return nil, err
	}

	// Optional per-call hard cap. For streaming replies the deadline must
	// outlive Do, so cancellation moves to the reply body's Close.
	var cancel context.CancelFunc
	if t := p.cfg.Pipeline.RequestTimeout; t > 0 {
		ctx, cancel = context.WithTimeout(ctx, t)
		defer func() {
			if cancel != nil {
				cancel()
			}
		}()
	}

	url := strings.TrimSuffix(provider.BaseURL, "/") + endpointPath(proto)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindServerError, err, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	if outReq.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	p.setAuth(req.Header, provider, d)

	ctx, span := p.tracer.Start(ctx, "upstream.call", trace.WithAttributes(
		attribute.String("provider", d.ProviderID),
		attribute.String("model", d.Model),
		attribute.String("route", string(d.Route)),
		attribute.Int("attempt", d.Attempt),
	))
	defer span.End()

	start := time.Now()
	resp, err := p.clients[d.ProviderID].Do(req)
	latency := time.Since(start)
	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(d.ProviderID, d.Model).Observe(latency.Seconds())
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			return nil, gateway.Wrap(gateway.KindRequestCanceled, err, "upstream call canceled")
		}
		gerr := gateway.Wrap(gateway.KindServerError, err, "upstream call failed")
		p.report(d, gerr)
		return nil, gerr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := classifyStatus(resp)
		resp.Body.Close()
		span.SetStatus(codes.Error, gerr.Error())
		if p.metrics != nil {
			p.metrics.UpstreamErrors.WithLabelValues(d.ProviderID, strconv.Itoa(resp.StatusCode)).Inc()
		}
		p.report(d, gerr)
		return nil, gerr
	}

	p.pool.ReportSuccess(d.KeyRef())
	span.SetStatus(codes.Ok, "")

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		streamBody := resp.Body
		if cancel != nil {
			streamBody = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			cancel = nil
		}
		return &Reply{Protocol: proto, Streaming: true, Body: streamBody, Latency: latency}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindServerError, err, "read upstream body")
	}
	canonical, err := llmswitch.DecodeResponse(proto, raw)
	if err != nil {
		return nil, err
	}
	return &Reply{Protocol: proto, Response: canonical, Latency: latency}, nil
}

// cancelOnClose releases the per-call deadline when a streaming body closes.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

// setAuth applies the provider's header template, or the protocol default
// when no template is configured. gcp_oauth providers authenticate in the
// transport, so templates without {{key}} still apply verbatim.
func (p *Pipeline) setAuth(h http.Header, provider config.ProviderEntry, d *gateway.RoutingDecision) {
	secret := provider.Auth.Keys[d.KeyAlias].Value

	if len(provider.Headers) > 0 {
		for name, tmpl := range provider.Headers {
			h.Set(name, strings.ReplaceAll(tmpl, keyPlaceholder, secret))
		}
		return
	}
	if provider.Auth.Type == "gcp_oauth" {
		return
	}
	switch gateway.Protocol(provider.Protocol) {
	case gateway.ProtocolAnthropic:
		h.Set("x-api-key", secret)
		h.Set("anthropic-version", anthropicVersion)
	default:
		h.Set("Authorization", "Bearer "+secret)
	}
}

// classifyStatus maps an upstream HTTP error status onto the error taxonomy.
func classifyStatus(resp *http.Response) *gateway.Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))

	var kind gateway.ErrorKind
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = gateway.KindRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = gateway.KindAuthError
	case resp.StatusCode >= 500:
		kind = gateway.KindServerError
	default:
		kind = gateway.KindClientError
	}

	gerr := gateway.E(kind, "upstream status %d: %s", resp.StatusCode, msg)
	gerr.StatusCode = resp.StatusCode
	if kind == gateway.KindRateLimited {
		gerr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return gerr
}

// parseRetryAfter reads a Retry-After header in seconds form. HTTP-date form
// is rare on LLM APIs and ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// report forwards a classified failure to the key pool.
func (p *Pipeline) report(d *gateway.RoutingDecision, gerr *gateway.Error) {
	p.pool.ReportFailure(d.KeyRef(), gerr.Kind, gerr.StatusCode, gerr.RetryAfter)
}
