package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/config"
	"github.com/switchyardio/switchyard/internal/keypool"
)

func testConfig(baseURL, protocol string, headers map[string]string) *config.Config {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderEntry{
		"prov": {
			BaseURL:  baseURL,
			Protocol: protocol,
			Headers:  headers,
			Auth: config.ProviderAuth{
				Keys: map[string]config.KeyEntry{"k1": {Value: "sk-secret"}},
			},
			Models: map[string]config.ModelEntry{"model-a": {}},
		},
	}
	cfg.Routing = map[string][]string{"default": {"prov.model-a"}}
	return cfg
}

func testPool(cfg *config.Config) *keypool.Registry {
	pool := keypool.New(keypool.DefaultConfig())
	bind := make(map[string][]keypool.AliasTier)
	for id, p := range cfg.Providers {
		for _, alias := range p.KeyAliases() {
			bind[id] = append(bind[id], keypool.AliasTier{Alias: alias, Tier: p.Auth.Keys[alias].PriorityTier})
		}
	}
	pool.Bind(bind)
	return pool
}

func decision() *gateway.RoutingDecision {
	return &gateway.RoutingDecision{
		Route: gateway.RouteDefault, Pool: "default",
		ProviderID: "prov", Model: "model-a", KeyAlias: "k1",
	}
}

func TestDoBufferedResponse(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","model":"model-a","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "chat", nil)
	pool := testPool(cfg)
	p, err := New(context.Background(), cfg, pool, nil)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := p.Do(context.Background(), decision(), &gateway.CanonicalRequest{Model: "ignored"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if reply.Streaming || reply.Response == nil {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Response.Text != "hi" {
		t.Errorf("text = %q", reply.Response.Text)
	}
	if gotAuth != "Bearer sk-secret" {
		t.Errorf("Authorization = %q (default bearer auth expected)", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if st, _ := pool.Status("prov.k1"); st.FailureCount != 0 || st.State != gateway.KeyHealthy {
		t.Errorf("key status after success = %+v", st)
	}
}

func TestDoAnthropicDefaultHeaders(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"m1","type":"message","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "anthropic", nil)
	p, err := New(context.Background(), cfg, testPool(cfg), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Do(context.Background(), decision(), &gateway.CanonicalRequest{}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotKey != "sk-secret" || gotVersion != anthropicVersion {
		t.Errorf("x-api-key=%q anthropic-version=%q", gotKey, gotVersion)
	}
}

func TestDoHeaderTemplate(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Custom-Auth")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "chat", map[string]string{"X-Custom-Auth": "token {{key}}"})
	p, err := New(context.Background(), cfg, testPool(cfg), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Do(context.Background(), decision(), &gateway.CanonicalRequest{}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got != "token sk-secret" {
		t.Errorf("templated header = %q", got)
	}
}

func TestDoStreamingReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "chat", nil)
	p, err := New(context.Background(), cfg, testPool(cfg), nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := p.Do(context.Background(), decision(), &gateway.CanonicalRequest{Stream: true})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !reply.Streaming || reply.Body == nil {
		t.Fatalf("reply = %+v", reply)
	}
	reply.Body.Close()
}

func TestDoErrorClassification(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		wantKind   gateway.ErrorKind
		wantState  gateway.KeyState
	}{
		{http.StatusTooManyRequests, "7", gateway.KindRateLimited, gateway.KeyCooling},
		{http.StatusUnauthorized, "", gateway.KindAuthError, gateway.KeyBlacklisted},
		{http.StatusInternalServerError, "", gateway.KindServerError, gateway.KeyCooling},
		{http.StatusBadRequest, "", gateway.KindClientError, gateway.KeyHealthy},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tt.retryAfter != "" {
				w.Header().Set("Retry-After", tt.retryAfter)
			}
			w.WriteHeader(tt.status)
			io.WriteString(w, "nope")
		}))

		cfg := testConfig(srv.URL, "chat", nil)
		pool := testPool(cfg)
		p, err := New(context.Background(), cfg, pool, nil)
		if err != nil {
			t.Fatal(err)
		}
		_, err = p.Do(context.Background(), decision(), &gateway.CanonicalRequest{})
		srv.Close()

		if gateway.KindOf(err) != tt.wantKind {
			t.Errorf("status %d: kind = %v, want %v", tt.status, gateway.KindOf(err), tt.wantKind)
		}
		st, _ := pool.Status("prov.k1")
		if st.State != tt.wantState {
			t.Errorf("status %d: key state = %v, want %v", tt.status, st.State, tt.wantState)
		}
		if tt.retryAfter != "" {
			var gerr *gateway.Error
			if !errors.As(err, &gerr) || gerr.RetryAfter != 7*time.Second {
				t.Errorf("status %d: retry-after not parsed: %v", tt.status, err)
			}
		}
	}
}

func TestDoNonStreamingModelForcesBuffered(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "chat", nil)
	noStream := false
	entry := cfg.Providers["prov"]
	entry.Models = map[string]config.ModelEntry{"model-a": {SupportsStreaming: &noStream}}
	cfg.Providers["prov"] = entry

	p, err := New(context.Background(), cfg, testPool(cfg), nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := p.Do(context.Background(), decision(), &gateway.CanonicalRequest{Stream: true})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if reply.Streaming {
		t.Error("stream-incapable model must yield a buffered reply")
	}
	if strings.Contains(gotBody, `"stream":true`) {
		t.Errorf("stream flag sent upstream: %s", gotBody)
	}
}

func TestDoRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL, "chat", nil)
	cfg.Pipeline.RequestTimeout = 50 * time.Millisecond
	pool := testPool(cfg)
	p, err := New(context.Background(), cfg, pool, nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = p.Do(context.Background(), decision(), &gateway.CanonicalRequest{})
	if gateway.KindOf(err) != gateway.KindServerError {
		t.Fatalf("want serverError on deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call not capped by request timeout: %v", elapsed)
	}
	// A timed-out call counts against the key like any upstream failure.
	if st, _ := pool.Status("prov.k1"); st.State != gateway.KeyCooling {
		t.Errorf("key state = %v, want cooling", st.State)
	}
}

func TestDoRequestTimeoutSpansStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "chat", nil)
	cfg.Pipeline.RequestTimeout = 50 * time.Millisecond
	p, err := New(context.Background(), cfg, testPool(cfg), nil)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := p.Do(context.Background(), decision(), &gateway.CanonicalRequest{Stream: true})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer reply.Body.Close()

	// The deadline keeps running while the body streams; a stalled upstream
	// unblocks the read when it fires.
	buf := make([]byte, 1)
	readDone := make(chan error, 1)
	go func() {
		_, err := reply.Body.Read(buf)
		readDone <- err
	}()
	select {
	case err := <-readDone:
		if err == nil {
			t.Fatal("read must fail once the per-call deadline fires")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream read not released by the per-call deadline")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("12"); got != 12*time.Second {
		t.Errorf("parseRetryAfter(12) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", got)
	}
	if got := parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"); got != 0 {
		t.Errorf("parseRetryAfter(date) = %v", got)
	}
}
