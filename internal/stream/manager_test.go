package stream

import (
	"context"
	"io"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line  string
		event string
		data  string
		ok    bool
	}{
		{"event: message_start", "message_start", "", true},
		{"data: {}", "", "{}", true},
		{"data:{}", "", "{}", true},
		{": keep-alive", "", "", false},
		{"", "", "", false},
		{"id: 3", "", "", false},
	}
	for _, tt := range tests {
		event, data, ok := ParseLine(tt.line)
		if event != tt.event || data != tt.data || ok != tt.ok {
			t.Errorf("ParseLine(%q) = (%q, %q, %v)", tt.line, event, data, ok)
		}
	}
}

func TestChunkText(t *testing.T) {
	chunks := chunkText("hello world this is a test", 12)
	if got := strings.Join(chunks, ""); got != "hello world this is a test" {
		t.Fatalf("reassembled = %q", got)
	}
	for _, c := range chunks {
		if len(c) > 12 {
			t.Errorf("chunk %q exceeds limit", c)
		}
	}
	if chunkText("", 10) != nil {
		t.Error("empty input must yield no chunks")
	}
}

const chatSSE = `data: {"id":"c1","model":"m","choices":[{"delta":{"role":"assistant"}}]}

data: {"id":"c1","model":"m","choices":[{"delta":{"content":"hello"}}]}

data: {"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"lookup"}}]}}]}

data: {"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":1}"}}]}}]}

data: {"id":"c1","model":"m","choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: {"id":"c1","model":"m","choices":[],"usage":{"prompt_tokens":2,"completion_tokens":4,"total_tokens":6}}

data: [DONE]

`

func TestCollect(t *testing.T) {
	m := NewManager()
	body := io.NopCloser(strings.NewReader(chatSSE))

	resp, err := m.Collect(context.Background(), body, gateway.ProtocolChat)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if resp.ID != "c1" || resp.Text != "hello" {
		t.Errorf("id=%q text=%q", resp.ID, resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments != `{"q":1}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != gateway.FinishToolCalls {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestRelayTranslatesProtocol(t *testing.T) {
	m := NewManager()
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)
	if sw == nil {
		t.Fatal("recorder must support flushing")
	}
	sw.WriteHeaders()

	body := io.NopCloser(strings.NewReader(chatSSE))
	res, err := m.Relay(context.Background(), sw, body, gateway.ProtocolChat, gateway.ProtocolAnthropic)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if res.FinishReason != gateway.FinishToolCalls {
		t.Errorf("finish = %q", res.FinishReason)
	}

	out := rec.Body.String()
	for _, want := range []string{"event: message_start", "event: content_block_start", "event: message_stop", `"stop_reason":"tool_use"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestRelayCanceledContext(t *testing.T) {
	m := NewManager()
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A reader that never delivers data forces the select onto ctx.Done.
	pr, pw := io.Pipe()
	defer pw.Close()

	_, err := m.Relay(ctx, sw, pr, gateway.ProtocolChat, gateway.ProtocolChat)
	if gateway.KindOf(err) != gateway.KindRequestCanceled {
		t.Fatalf("want requestCanceled, got %v", err)
	}
}

// endlessFrames serves the same SSE frame forever, like an upstream that
// never stops talking.
type endlessFrames struct{ frame []byte }

func (e endlessFrames) Read(p []byte) (int, error) { return copy(p, e.frame), nil }

func TestRelayCanceledReleasesReader(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	frame := []byte("data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")

	before := runtime.NumGoroutine()
	for range 20 {
		rec := httptest.NewRecorder()
		sw := NewWriter(rec)
		body := io.NopCloser(endlessFrames{frame: frame})
		if _, err := m.Relay(ctx, sw, body, gateway.ProtocolChat, gateway.ProtocolChat); err == nil {
			t.Fatal("relay on canceled context must fail")
		}
	}

	// The reader goroutines exit once their consumer is gone.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Errorf("reader goroutines leaked: before=%d after=%d", before, n)
	}
}

func TestRelayMissingTerminalSynthesizesFinish(t *testing.T) {
	m := NewManager()
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)
	sw.WriteHeaders()

	// Upstream hangs up after the deltas, before its terminal frame.
	truncated := "data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n"
	body := io.NopCloser(strings.NewReader(truncated))

	res, err := m.Relay(context.Background(), sw, body, gateway.ProtocolChat, gateway.ProtocolChat)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if res.FinishReason != gateway.FinishStop {
		t.Errorf("finish = %q", res.FinishReason)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Errorf("finish chunk missing:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Errorf("stream must end with the terminal frame:\n%s", out)
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	m := &Manager{IdleTimeout: 30 * time.Millisecond, KeepAlive: 10 * time.Millisecond}
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	pr, pw := io.Pipe()
	defer pw.Close()

	_, err := m.Relay(context.Background(), sw, pr, gateway.ProtocolChat, gateway.ProtocolChat)
	if gateway.KindOf(err) != gateway.KindServerError {
		t.Fatalf("want serverError on idle timeout, got %v", err)
	}
	if !strings.Contains(rec.Body.String(), ": keep-alive") {
		t.Error("keep-alive comment not written while idle")
	}
}

func TestSynthesize(t *testing.T) {
	m := NewManager()
	rec := httptest.NewRecorder()
	sw := NewWriter(rec)

	resp := &gateway.CanonicalResponse{
		ID:           "r1",
		Model:        "m",
		Text:         "buffered answer",
		FinishReason: gateway.FinishStop,
		Usage:        &gateway.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}
	if err := m.Synthesize(context.Background(), sw, resp, gateway.ProtocolChat); err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	out := rec.Body.String()
	if !strings.Contains(out, `"content":"buffered answer"`) {
		t.Errorf("text chunk missing:\n%s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Errorf("terminal missing:\n%s", out)
	}
	if !strings.Contains(out, `"total_tokens":3`) {
		t.Errorf("usage missing:\n%s", out)
	}
}
