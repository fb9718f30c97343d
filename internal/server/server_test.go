package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/config"
	"github.com/switchyardio/switchyard/internal/stream"
	"github.com/switchyardio/switchyard/internal/testutil"
	"github.com/switchyardio/switchyard/internal/toolloop"
	"github.com/switchyardio/switchyard/internal/upstream"
)

func testHandler(t *testing.T, d *testutil.FakeDispatcher) (http.Handler, *testutil.FakeUsageRecorder) {
	t.Helper()
	loops, err := toolloop.New(config.ToolLoopConfig{MaxToolLoops: 4, SessionTTL: time.Minute, MaxSessions: 100})
	if err != nil {
		t.Fatal(err)
	}
	usage := &testutil.FakeUsageRecorder{}
	h := New(Deps{
		Cfg:        config.Default(),
		Dispatcher: d,
		Streams:    stream.NewManager(),
		Loops:      loops,
		Usage:      usage,
	})
	return h, usage
}

func post(t *testing.T, h http.Handler, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	h, _ := testHandler(t, &testutil.FakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
}

func TestHealthStatus(t *testing.T) {
	h, _ := testHandler(t, &testutil.FakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "status").String(); got != "ok" {
		t.Errorf("status = %q", got)
	}

	// A failing readiness probe reports starting.
	loops, err := toolloop.New(config.ToolLoopConfig{MaxToolLoops: 4, SessionTTL: time.Minute, MaxSessions: 100})
	if err != nil {
		t.Fatal(err)
	}
	notReady := New(Deps{
		Cfg:        config.Default(),
		Dispatcher: &testutil.FakeDispatcher{},
		Streams:    stream.NewManager(),
		Loops:      loops,
		ReadyCheck: func(context.Context) error { return context.DeadlineExceeded },
	})
	w = httptest.NewRecorder()
	notReady.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health while starting = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "status").String(); got != "starting" {
		t.Errorf("status = %q", got)
	}
}

func TestChatCompletionBuffered(t *testing.T) {
	d := &testutil.FakeDispatcher{}
	h, usage := testHandler(t, d)

	w := post(t, h, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if got := gjson.Get(body, "choices.0.message.content").String(); got != "hello" {
		t.Errorf("content = %q", got)
	}
	if got := gjson.Get(body, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}

	recs := usage.Recorded()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d", len(recs))
	}
	if recs[0].TotalTokens != 8 || recs[0].Streamed {
		t.Errorf("usage record = %+v", recs[0])
	}
}

func TestChatCompletionInvalidBody(t *testing.T) {
	h, _ := testHandler(t, &testutil.FakeDispatcher{})
	w := post(t, h, "/v1/chat/completions", `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error.type").String(); got != "invalid_request_error" {
		t.Errorf("error.type = %q", got)
	}
}

func TestChatCompletionStreamRelay(t *testing.T) {
	d := &testutil.FakeDispatcher{
		DispatchFn: func(_ context.Context, creq *gateway.CanonicalRequest) (*upstream.Reply, *gateway.RoutingDecision, error) {
			if !creq.Stream {
				t.Error("stream flag not decoded")
			}
			return testutil.StreamingReply(testutil.ChatSSE("hel", "lo")), testutil.Decision(), nil
		},
	}
	h, usage := testHandler(t, d)

	w := post(t, h, "/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}
	if !strings.Contains(body, `"content":"hel"`) || !strings.Contains(body, `"content":"lo"`) {
		t.Errorf("deltas not relayed:\n%s", body)
	}

	recs := usage.Recorded()
	if len(recs) != 1 || !recs[0].Streamed || recs[0].TotalTokens != 8 {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestChatCompletionSynthesizedStream(t *testing.T) {
	// Client wants a stream, upstream answered buffered JSON.
	h, _ := testHandler(t, &testutil.FakeDispatcher{})
	w := post(t, h, "/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"content":"hello"`) || !strings.Contains(body, "data: [DONE]") {
		t.Errorf("synthesized stream:\n%s", body)
	}
}

func TestChatCompletionCollectedStream(t *testing.T) {
	// Client wants buffered JSON, upstream answered with a stream.
	d := &testutil.FakeDispatcher{
		DispatchFn: func(context.Context, *gateway.CanonicalRequest) (*upstream.Reply, *gateway.RoutingDecision, error) {
			return testutil.StreamingReply(testutil.ChatSSE("hel", "lo")), testutil.Decision(), nil
		},
	}
	h, _ := testHandler(t, d)
	w := post(t, h, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "choices.0.message.content").String(); got != "hello" {
		t.Errorf("content = %q", got)
	}
}

func TestAnthropicMessages(t *testing.T) {
	h, _ := testHandler(t, &testutil.FakeDispatcher{})
	w := post(t, h, "/v1/messages",
		`{"model":"m","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if got := gjson.Get(body, "type").String(); got != "message" {
		t.Errorf("type = %q", got)
	}
	if got := gjson.Get(body, "content.0.text").String(); got != "hello" {
		t.Errorf("content = %q", got)
	}
	if got := gjson.Get(body, "stop_reason").String(); got != "end_turn" {
		t.Errorf("stop_reason = %q", got)
	}
}

func TestAnthropicErrorShape(t *testing.T) {
	d := &testutil.FakeDispatcher{
		DispatchFn: func(context.Context, *gateway.CanonicalRequest) (*upstream.Reply, *gateway.RoutingDecision, error) {
			return nil, nil, &gateway.Error{
				Kind: gateway.KindRateLimited, Message: "slow down", RetryAfter: 7 * time.Second,
			}
		},
	}
	h, _ := testHandler(t, d)
	w := post(t, h, "/v1/messages",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if got := gjson.Get(body, "type").String(); got != "error" {
		t.Errorf("type = %q", got)
	}
	if got := gjson.Get(body, "error.type").String(); got != "rate_limit_error" {
		t.Errorf("error.type = %q", got)
	}
	if got := w.Header().Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestNoHealthyUpstreamStatus(t *testing.T) {
	d := &testutil.FakeDispatcher{
		DispatchFn: func(context.Context, *gateway.CanonicalRequest) (*upstream.Reply, *gateway.RoutingDecision, error) {
			return nil, nil, gateway.E(gateway.KindNoHealthyUpstream, "pool empty")
		},
	}
	h, _ := testHandler(t, d)
	w := post(t, h, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestStaticKeyAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Server.APIKey = "secret"
	loops, err := toolloop.New(cfg.ToolLoop)
	if err != nil {
		t.Fatal(err)
	}
	h := New(Deps{
		Cfg:        cfg,
		Dispatcher: &testutil.FakeDispatcher{},
		Streams:    stream.NewManager(),
		Loops:      loops,
	})

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

	tests := []struct {
		name string
		hdr  map[string]string
		want int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"x-api-key", map[string]string{"x-api-key": "secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, "/v1/chat/completions", body, tt.hdr)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAnthropicUnauthorizedShape(t *testing.T) {
	cfg := config.Default()
	cfg.Server.APIKey = "secret"
	h := New(Deps{Cfg: cfg, Dispatcher: &testutil.FakeDispatcher{}, Streams: stream.NewManager()})

	w := post(t, h, "/v1/messages", `{}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "type").String(); got != "error" {
		t.Errorf("anthropic error envelope missing: %s", w.Body.String())
	}
}

func TestAdminKeysUnavailable(t *testing.T) {
	h, _ := testHandler(t, &testutil.FakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}
