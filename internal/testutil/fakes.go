// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/upstream"
)

// FakeDispatcher is a configurable server.Dispatcher for testing.
type FakeDispatcher struct {
	DispatchFn   func(ctx context.Context, creq *gateway.CanonicalRequest) (*upstream.Reply, *gateway.RoutingDecision, error)
	RedispatchFn func(ctx context.Context, creq *gateway.CanonicalRequest, prev *gateway.RoutingDecision) (*upstream.Reply, *gateway.RoutingDecision, error)

	mu       sync.Mutex
	Requests []*gateway.CanonicalRequest
}

// Dispatch records the request and delegates to DispatchFn, defaulting to a
// buffered "hello" completion.
func (f *FakeDispatcher) Dispatch(ctx context.Context, creq *gateway.CanonicalRequest) (*upstream.Reply, *gateway.RoutingDecision, error) {
	f.mu.Lock()
	f.Requests = append(f.Requests, creq)
	f.mu.Unlock()
	if f.DispatchFn != nil {
		return f.DispatchFn(ctx, creq)
	}
	return BufferedReply("hello", gateway.FinishStop), Decision(), nil
}

// Redispatch delegates to RedispatchFn, falling back to Dispatch.
func (f *FakeDispatcher) Redispatch(ctx context.Context, creq *gateway.CanonicalRequest, prev *gateway.RoutingDecision) (*upstream.Reply, *gateway.RoutingDecision, error) {
	if f.RedispatchFn != nil {
		return f.RedispatchFn(ctx, creq, prev)
	}
	return f.Dispatch(ctx, creq)
}

// Decision returns a routing decision for the fake provider.
func Decision() *gateway.RoutingDecision {
	return &gateway.RoutingDecision{
		Route:      gateway.RouteDefault,
		ProviderID: "prov",
		Model:      "model-a",
		KeyAlias:   "k1",
	}
}

// BufferedReply builds a buffered chat-protocol reply with the given text.
func BufferedReply(text string, finish gateway.FinishReason) *upstream.Reply {
	return &upstream.Reply{
		Protocol: gateway.ProtocolChat,
		Response: &gateway.CanonicalResponse{
			ID:           "chatcmpl-fake",
			Model:        "model-a",
			Created:      1700000000,
			Text:         text,
			FinishReason: finish,
			Usage:        &gateway.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
		},
		Latency: 10 * time.Millisecond,
	}
}

// ToolCallReply builds a buffered reply that finishes with tool calls.
func ToolCallReply(calls ...gateway.ToolCall) *upstream.Reply {
	r := BufferedReply("", gateway.FinishToolCalls)
	r.Response.ToolCalls = calls
	return r
}

// StreamingReply builds a streaming chat-protocol reply serving the given
// raw SSE payload.
func StreamingReply(sse string) *upstream.Reply {
	return &upstream.Reply{
		Protocol:  gateway.ProtocolChat,
		Streaming: true,
		Body:      io.NopCloser(strings.NewReader(sse)),
		Latency:   10 * time.Millisecond,
	}
}

// ChatSSE builds a minimal chat-protocol SSE stream: one role chunk, the
// given text deltas, a finish chunk and the [DONE] sentinel.
func ChatSSE(deltas ...string) string {
	var b strings.Builder
	b.WriteString(`data: {"id":"chatcmpl-fake","model":"model-a","choices":[{"index":0,"delta":{"role":"assistant"}}]}` + "\n\n")
	for _, d := range deltas {
		b.WriteString(`data: {"id":"chatcmpl-fake","model":"model-a","choices":[{"index":0,"delta":{"content":"` + d + `"}}]}` + "\n\n")
	}
	b.WriteString(`data: {"id":"chatcmpl-fake","model":"model-a","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}` + "\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

// FakeUsageRecorder captures usage records synchronously.
type FakeUsageRecorder struct {
	mu      sync.Mutex
	Records []gateway.UsageRecord
}

// Record appends the usage record.
func (f *FakeUsageRecorder) Record(rec gateway.UsageRecord) {
	f.mu.Lock()
	f.Records = append(f.Records, rec)
	f.mu.Unlock()
}

// Recorded returns a copy of the captured records.
func (f *FakeUsageRecorder) Recorded() []gateway.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.UsageRecord, len(f.Records))
	copy(out, f.Records)
	return out
}
