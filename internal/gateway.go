// Package gateway defines domain types and interfaces for the Switchyard
// LLM routing gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- Wire protocols ---

// Protocol identifies the request/response shape spoken at an HTTP boundary,
// either client-facing or upstream.
type Protocol string

const (
	// ProtocolChat is the OpenAI chat-completions shape.
	ProtocolChat Protocol = "chat"
	// ProtocolResponses is the OpenAI responses (stateful, streaming-first) shape.
	ProtocolResponses Protocol = "responses"
	// ProtocolAnthropic is the Anthropic messages shape.
	ProtocolAnthropic Protocol = "anthropic"
)

// Valid reports whether p is a known wire protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolChat, ProtocolResponses, ProtocolAnthropic:
		return true
	}
	return false
}

// --- Routes ---

// Route is a named routing category. Each route maps to an ordered pool of
// provider/model/key targets in the configuration.
type Route string

const (
	RouteDefault     Route = "default"
	RouteCoding      Route = "coding"
	RouteTools       Route = "tools"
	RouteLongContext Route = "longContext"
	RouteThinking    Route = "thinking"
	RouteWebSearch   Route = "webSearch"
	RouteVision      Route = "vision"
	RouteBackground  Route = "background"
)

// --- Canonical request form ---

// CanonicalRequest is the protocol-agnostic internal form that every inbound
// request is converted to before routing, and converted from before the
// upstream call. It is owned by a single request and never shared.
type CanonicalRequest struct {
	Model        string
	Instructions string
	Messages     []Message
	Tools        []Tool
	ToolChoice   json.RawMessage
	Stream       bool
	MaxTokens    *int
	Temperature  *float64
	// Thinking is an opaque extended-thinking payload passed through to the
	// outbound codec untouched. Shape varies per provider.
	Thinking json.RawMessage
	// ToolAliases maps normalized tool names back to the originals when
	// collision renaming occurred. nil when no renames happened.
	ToolAliases map[string]string
}

// Message roles in the canonical form.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one canonical conversation turn.
//
// Invariants enforced by the switch:
//   - an assistant message carrying tool calls has no text parts;
//   - a tool message carries exactly one ToolResult whose CallID pairs with a
//     ToolCall on some earlier assistant message.
type Message struct {
	Role      string
	Parts     []Part
	ToolCalls []ToolCall
	Result    *ToolResult
}

// Text concatenates all text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// PartType discriminates the typed content part union.
type PartType int

const (
	PartText PartType = iota
	PartImageURL
	PartImageData
)

// Part is one typed content part of a message.
type Part struct {
	Type PartType
	Text string
	// ImageURL holds the URL for PartImageURL parts.
	ImageURL string
	// MimeType and Data hold inline media for PartImageData parts.
	MimeType string
	Data     string
}

// ToolCall is an assistant-initiated function invocation.
// Arguments is always a JSON object in text form; empty input is normalized
// to "{}" and never emitted empty.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult is the client-supplied output for a prior ToolCall.
type ToolResult struct {
	CallID string
	Output string
}

// Tool is a canonical tool definition.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// --- Canonical response form ---

// FinishReason is the canonical completion cause.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

// CanonicalResponse is the chat-shaped single-choice completion every
// upstream response is canonicalized to before re-emission.
type CanonicalResponse struct {
	ID           string
	Model        string
	Created      int64
	Text         string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        *Usage
}

// Usage holds token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Streaming ---

// EventKind discriminates canonical stream events.
type EventKind int

const (
	// EventStart opens the stream and carries the response ID and model.
	EventStart EventKind = iota
	// EventTextDelta carries a text fragment.
	EventTextDelta
	// EventToolCallStart announces a tool call: index, id and name. The name
	// always precedes any argument delta for the same index.
	EventToolCallStart
	// EventToolArgsDelta carries a partial tool-call argument fragment.
	EventToolArgsDelta
	// EventFinish closes the stream and carries the finish reason and usage.
	EventFinish
)

// StreamEvent is one canonical SSE event. Encoders map it to the frames of a
// client protocol; decoders produce it from upstream frames. Events for one
// stream arrive strictly ordered; EventFinish is always last unless Err is set.
type StreamEvent struct {
	Kind         EventKind
	ID           string
	Model        string
	Index        int
	Text         string
	ToolCallID   string
	ToolName     string
	ArgsDelta    string
	FinishReason FinishReason
	Usage        *Usage
	Err          error
}

// --- Credential pool ---

// KeyState is the health state of one provider credential.
type KeyState int

const (
	KeyHealthy KeyState = iota
	KeyCooling
	KeyBlacklisted
)

// String returns the persisted state name.
func (s KeyState) String() string {
	switch s {
	case KeyHealthy:
		return "healthy"
	case KeyCooling:
		return "cooling"
	case KeyBlacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// KeyStatus is a point-in-time view of one provider key. Snapshots are
// read-only copies; callers never hold them past one selection step.
type KeyStatus struct {
	ProviderID        string    `json:"provider"`
	Alias             string    `json:"alias"`
	State             KeyState  `json:"-"`
	StateName         string    `json:"state"`
	PriorityTier      int       `json:"priority_tier"`
	SelectionPenalty  float64   `json:"selection_penalty"`
	FailureCount      int       `json:"failure_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorCode     int       `json:"last_error_code,omitempty"`
	CooldownUntil     time.Time `json:"cooldown_until,omitzero"`
}

// Ref returns the "providerId.alias" identifier for the key.
func (k KeyStatus) Ref() string { return k.ProviderID + "." + k.Alias }

// --- Routing ---

// Classification is the classifier's verdict for one request.
type Classification struct {
	Route       Route
	Alternative Route // original winner when confidence fell below threshold
	Confidence  float64
	Reasons     []string
	TotalTokens int
}

// RoutingDecision names the upstream target chosen for one attempt.
// It is logged but never persisted across requests.
type RoutingDecision struct {
	Route      Route
	Pool       string
	ProviderID string
	Model      string
	KeyAlias   string
	Snapshot   []KeyStatus
	Attempt    int
	Confidence float64
	Reasons    []string
}

// KeyRef returns the "providerId.alias" identifier of the selected key.
func (d *RoutingDecision) KeyRef() string { return d.ProviderID + "." + d.KeyAlias }

// --- Request envelope ---

// RequestEnvelope is created by the HTTP boundary on receive and immutable
// thereafter. Downstream components receive read-only views.
type RequestEnvelope struct {
	RequestID          string
	Protocol           Protocol
	Endpoint           string
	SessionID          string
	ConversationID     string
	ServerToolRequired bool
	BornAt             time.Time
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Envelope pointer is set later by the endpoint handler via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Envelope  *RequestEnvelope
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// EnvelopeFromContext extracts the request envelope from ctx, or nil.
func EnvelopeFromContext(ctx context.Context) *RequestEnvelope {
	if m := metaFromContext(ctx); m != nil {
		return m.Envelope
	}
	return nil
}

// ContextWithEnvelope stores the envelope in the existing requestMeta if
// present, avoiding a new context allocation. Falls back to creating new
// metadata if none exists (e.g. in tests).
func ContextWithEnvelope(ctx context.Context, env *RequestEnvelope) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Envelope = env
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: env.RequestID, Envelope: env})
}

// --- Usage recording ---

// UsageRecord represents a single upstream call outcome for async persistence.
type UsageRecord struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Route            string    `json:"route"`
	ProviderID       string    `json:"provider_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        int       `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	Streamed         bool      `json:"streamed"`
	CreatedAt        time.Time `json:"created_at"`
}
