package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/llmswitch"
	"github.com/switchyardio/switchyard/internal/stream"
	"github.com/switchyardio/switchyard/internal/toolloop"
	"github.com/switchyardio/switchyard/internal/upstream"
)

// maxRequestBody is the maximum accepted request body size (16 MB; inline
// image payloads push chat bodies well past typical JSON sizes).
const maxRequestBody = 16 << 20

// bodyPool recycles read buffers across requests.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// readBody reads the size-capped request body. On failure it writes the
// protocol-shaped error and returns nil.
func readBody(w http.ResponseWriter, r *http.Request, proto gateway.Protocol) []byte {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeWireError(w, proto, gateway.Wrap(gateway.KindClientError, err, "read request body"))
		return nil
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)
	return body
}

// handleCompletion serves one protocol endpoint: decode to canonical form,
// dispatch through the router, and deliver in whichever stream/buffer shape
// the client asked for.
func (s *server) handleCompletion(proto gateway.Protocol) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := readBody(w, r, proto)
		if body == nil {
			return
		}
		creq, err := llmswitch.DecodeRequest(proto, body)
		if err != nil {
			writeWireError(w, proto, err)
			return
		}

		env := &gateway.RequestEnvelope{
			RequestID: gateway.RequestIDFromContext(r.Context()),
			Protocol:  proto,
			Endpoint:  r.URL.Path,
			BornAt:    time.Now(),
		}
		ctx := gateway.ContextWithEnvelope(r.Context(), env)

		reply, decision, err := s.deps.Dispatcher.Dispatch(ctx, creq)
		if err != nil {
			writeWireError(w, proto, err)
			return
		}

		s.deliver(w, r, proto, creq, reply, decision)
	}
}

// handleSubmitToolOutputs resumes a parked responses-protocol session with
// the client's tool outputs and re-dispatches the merged conversation.
func (s *server) handleSubmitToolOutputs(w http.ResponseWriter, r *http.Request) {
	proto := gateway.ProtocolResponses
	if s.deps.Loops == nil {
		writeWireError(w, proto, gateway.Wrap(gateway.KindClientError, gateway.ErrNotFound, "tool loop disabled"))
		return
	}
	responseID := chi.URLParam(r, "id")

	body := readBody(w, r, proto)
	if body == nil {
		return
	}
	outputs, err := decodeToolOutputs(body)
	if err != nil {
		writeWireError(w, proto, err)
		return
	}

	sess, err := s.deps.Loops.Resume(responseID, outputs)
	if err != nil {
		if gateway.KindOf(err) == gateway.KindToolLoopExhausted && s.deps.Metrics != nil {
			s.deps.Metrics.ToolLoopsTotal.WithLabelValues("exhausted").Inc()
		}
		writeWireError(w, proto, err)
		return
	}

	env := &gateway.RequestEnvelope{
		RequestID: gateway.RequestIDFromContext(r.Context()),
		Protocol:  proto,
		Endpoint:  r.URL.Path,
		SessionID: responseID,
		BornAt:    time.Now(),
	}
	ctx := gateway.ContextWithEnvelope(r.Context(), env)

	reply, decision, err := s.deps.Dispatcher.Redispatch(ctx, sess.Request, sess.Decision)
	if err != nil {
		writeWireError(w, proto, err)
		return
	}

	s.deliverSession(w, r, sess, reply, decision)
}

// deliver routes a reply through the four stream/buffer combinations. The
// responses protocol additionally needs the full canonical response in hand
// whenever the request carries tools, so tool-call turns can be parked.
func (s *server) deliver(w http.ResponseWriter, r *http.Request, proto gateway.Protocol,
	creq *gateway.CanonicalRequest, reply *upstream.Reply, decision *gateway.RoutingDecision) {

	if proto == gateway.ProtocolResponses && len(creq.Tools) > 0 && s.deps.Loops != nil {
		sess := &toolloop.Session{Request: creq, Protocol: proto}
		s.deliverSession(w, r, sess, reply, decision)
		return
	}

	switch {
	case creq.Stream && reply.Streaming:
		s.relay(w, r, proto, reply, decision)
	case creq.Stream:
		s.synthesize(w, r, proto, reply, decision)
	case reply.Streaming:
		resp, err := s.deps.Streams.Collect(r.Context(), reply.Body, reply.Protocol)
		if err != nil {
			s.writeStreamError(w, proto, err)
			return
		}
		s.writeResponse(w, r, proto, resp, reply, decision)
	default:
		s.writeResponse(w, r, proto, reply.Response, reply, decision)
	}
}

// deliverSession delivers a responses-protocol reply, buffering the upstream
// stream when needed so a requires_action turn can be parked for resumption.
func (s *server) deliverSession(w http.ResponseWriter, r *http.Request,
	sess *toolloop.Session, reply *upstream.Reply, decision *gateway.RoutingDecision) {

	proto := gateway.ProtocolResponses
	creq := sess.Request

	resp := reply.Response
	if reply.Streaming {
		var err error
		resp, err = s.deps.Streams.Collect(r.Context(), reply.Body, reply.Protocol)
		if err != nil {
			s.writeStreamError(w, proto, err)
			return
		}
	}

	resp.ID = "resp_" + uuid.Must(uuid.NewV7()).String()

	if resp.FinishReason == gateway.FinishToolCalls {
		sess.ResponseID = resp.ID
		sess.Decision = decision
		sess.Pending = resp.ToolCalls
		s.deps.Loops.Park(sess)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ToolLoopsTotal.WithLabelValues("parked").Inc()
		}
	} else if sess.ResponseID != "" {
		// A resumed loop that came back without tool calls is done.
		if s.deps.Metrics != nil {
			s.deps.Metrics.ToolLoopsTotal.WithLabelValues("completed").Inc()
		}
	}

	if creq.Stream {
		sw := stream.NewWriter(w)
		if sw == nil {
			slog.Error("ResponseWriter does not implement http.Flusher")
			writeWireError(w, proto, gateway.E(gateway.KindServerError, "streaming unsupported"))
			return
		}
		s.trackStream(func() {
			sw.WriteHeaders()
			if err := s.deps.Streams.Synthesize(r.Context(), sw, resp, proto); err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream synthesis failed",
					slog.String("error", err.Error()),
				)
			}
		})
		s.recordUsage(r, decision, reply, resp.Usage, true)
		return
	}
	s.writeResponse(w, r, proto, resp, reply, decision)
}

// relay pipes an upstream SSE stream straight through the protocol switch.
func (s *server) relay(w http.ResponseWriter, r *http.Request, proto gateway.Protocol,
	reply *upstream.Reply, decision *gateway.RoutingDecision) {

	sw := stream.NewWriter(w)
	if sw == nil {
		slog.Error("ResponseWriter does not implement http.Flusher")
		reply.Body.Close()
		writeWireError(w, proto, gateway.E(gateway.KindServerError, "streaming unsupported"))
		return
	}

	var result *stream.Result
	var err error
	s.trackStream(func() {
		sw.WriteHeaders()
		result, err = s.deps.Streams.Relay(r.Context(), sw, reply.Body, reply.Protocol, proto)
	})
	if err != nil {
		// Headers are committed; nothing to do but log. Client disconnects
		// are routine and logged at debug level only.
		if gateway.KindOf(err) != gateway.KindRequestCanceled {
			slog.LogAttrs(r.Context(), slog.LevelError, "stream relay failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	s.recordUsage(r, decision, reply, result.Usage, true)
}

// synthesize streams a buffered upstream response as client-facing SSE.
func (s *server) synthesize(w http.ResponseWriter, r *http.Request, proto gateway.Protocol,
	reply *upstream.Reply, decision *gateway.RoutingDecision) {

	sw := stream.NewWriter(w)
	if sw == nil {
		slog.Error("ResponseWriter does not implement http.Flusher")
		writeWireError(w, proto, gateway.E(gateway.KindServerError, "streaming unsupported"))
		return
	}
	s.trackStream(func() {
		sw.WriteHeaders()
		if err := s.deps.Streams.Synthesize(r.Context(), sw, reply.Response, proto); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "stream synthesis failed",
				slog.String("error", err.Error()),
			)
		}
	})
	s.recordUsage(r, decision, reply, reply.Response.Usage, true)
}

// writeResponse encodes a canonical response in the client protocol's shape.
func (s *server) writeResponse(w http.ResponseWriter, r *http.Request, proto gateway.Protocol,
	resp *gateway.CanonicalResponse, reply *upstream.Reply, decision *gateway.RoutingDecision) {

	out, err := llmswitch.EncodeResponse(proto, resp)
	if err != nil {
		writeWireError(w, proto, err)
		return
	}
	writeRawJSON(w, http.StatusOK, out)
	s.recordUsage(r, decision, reply, resp.Usage, false)
}

// writeStreamError reports a mid-collection failure. Collection happens
// before any client bytes are written, so the full error shape still fits.
func (s *server) writeStreamError(w http.ResponseWriter, proto gateway.Protocol, err error) {
	if gateway.KindOf(err) == gateway.KindRequestCanceled {
		return
	}
	writeWireError(w, proto, err)
}

// trackStream runs fn with the active-streams gauge held.
func (s *server) trackStream(fn func()) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveStreams.Inc()
		defer s.deps.Metrics.ActiveStreams.Dec()
	}
	fn()
}

// recordUsage emits the usage record and token metrics for one completed
// upstream exchange. r may be nil when the request context is already gone.
func (s *server) recordUsage(r *http.Request, decision *gateway.RoutingDecision,
	reply *upstream.Reply, usage *gateway.Usage, streamed bool) {

	if decision == nil {
		return
	}
	rec := gateway.UsageRecord{
		Route:      string(decision.Route),
		ProviderID: decision.ProviderID,
		Model:      decision.Model,
		LatencyMs:  int(reply.Latency.Milliseconds()),
		StatusCode: http.StatusOK,
		Streamed:   streamed,
		CreatedAt:  time.Now().UTC(),
	}
	if r != nil {
		rec.RequestID = gateway.RequestIDFromContext(r.Context())
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
		if s.deps.Metrics != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(decision.Model, "prompt").Add(float64(usage.PromptTokens))
			s.deps.Metrics.TokensProcessed.WithLabelValues(decision.Model, "completion").Add(float64(usage.CompletionTokens))
		}
	}
	if s.deps.Usage != nil {
		s.deps.Usage.Record(rec)
	}
}

// toolOutputsBody is the submit_tool_outputs request shape.
type toolOutputsBody struct {
	ToolOutputs []struct {
		ToolCallID string `json:"tool_call_id"`
		Output     string `json:"output"`
	} `json:"tool_outputs"`
}

func decodeToolOutputs(body []byte) ([]gateway.ToolResult, error) {
	var in toolOutputsBody
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, gateway.Wrap(gateway.KindClientError, err, "parse tool outputs")
	}
	outputs := make([]gateway.ToolResult, 0, len(in.ToolOutputs))
	for _, o := range in.ToolOutputs {
		outputs = append(outputs, gateway.ToolResult{CallID: o.ToolCallID, Output: o.Output})
	}
	return outputs, nil
}
