package stream

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/llmswitch"
)

const (
	// DefaultIdleTimeout aborts a stream when the upstream goes quiet.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultKeepAlive is the client-facing comment interval.
	DefaultKeepAlive = 15 * time.Second
	// synthChunkSize bounds the text fragment size when synthesizing a
	// stream from a buffered response.
	synthChunkSize = 256
)

// Result summarizes a completed stream for usage recording.
type Result struct {
	ID           string
	Model        string
	FinishReason gateway.FinishReason
	Usage        *gateway.Usage
}

// Manager relays, aggregates and synthesizes SSE streams. One Manager is
// shared across requests; all per-stream state lives on the stack.
type Manager struct {
	IdleTimeout time.Duration
	KeepAlive   time.Duration
}

// NewManager returns a Manager with default timeouts.
func NewManager() *Manager {
	return &Manager{IdleTimeout: DefaultIdleTimeout, KeepAlive: DefaultKeepAlive}
}

// frame is one upstream SSE data frame with its preceding event type.
type frame struct {
	event string
	data  string
}

// readFrames pumps parsed SSE frames from body into out until EOF, error, or
// done closes. The consumer closes done when it returns early (cancel, idle
// timeout, decode failure) so a send never blocks on an abandoned channel.
// The error, if any, is delivered on errc. Both channels close on return.
func readFrames(body io.Reader, out chan<- frame, errc chan<- error, done <-chan struct{}) {
	defer close(out)
	defer close(errc)

	scanner := NewScanner(body)
	var currentEvent string
	for scanner.Scan() {
		event, data, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		select {
		case out <- frame{event: currentEvent, data: data}:
		case <-done:
			return
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		errc <- fmt.Errorf("read stream: %w", err)
	}
}

// Relay pipes an upstream SSE body to the client, translating frames from
// the upstream protocol to the client protocol on the fly. It enforces the
// idle timeout, emits keep-alive comments, and stops when ctx is canceled
// (client disconnect cancels the request context).
func (m *Manager) Relay(ctx context.Context, sw *Writer, body io.ReadCloser, from, to gateway.Protocol) (*Result, error) {
	defer body.Close()

	dec := llmswitch.NewStreamDecoder(from)
	enc := llmswitch.NewStreamEncoder(to)

	frames := make(chan frame, 16)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readFrames(body, frames, errc, done)

	keepAlive := time.NewTicker(m.KeepAlive)
	defer keepAlive.Stop()
	idle := time.NewTimer(m.IdleTimeout)
	defer idle.Stop()

	res := &Result{}
	finished := false
	for {
		select {
		case <-ctx.Done():
			return res, gateway.Wrap(gateway.KindRequestCanceled, ctx.Err(), "stream canceled")

		case <-idle.C:
			return res, gateway.E(gateway.KindServerError, "upstream stream idle for %s", m.IdleTimeout)

		case <-keepAlive.C:
			sw.WriteKeepAlive()

		case f, ok := <-frames:
			if !ok {
				if err := <-errc; err != nil {
					return res, gateway.Wrap(gateway.KindServerError, err, "upstream stream")
				}
				if !finished {
					// Upstream hung up without its terminal event; the client
					// stream must still end with the protocol's terminal frames.
					fin := gateway.StreamEvent{
						Kind: gateway.EventFinish, ID: res.ID, Model: res.Model,
						FinishReason: gateway.FinishStop,
					}
					res.FinishReason = fin.FinishReason
					out, err := enc.Encode(fin)
					if err != nil {
						return res, err
					}
					for _, fr := range out {
						sw.WriteFrame(fr)
					}
				}
				return res, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(m.IdleTimeout)

			events, err := dec.Decode(f.event, f.data)
			if err != nil {
				return res, err
			}
			for _, ev := range events {
				switch ev.Kind {
				case gateway.EventStart:
					res.ID = ev.ID
					res.Model = ev.Model
				case gateway.EventFinish:
					res.FinishReason = ev.FinishReason
					res.Usage = ev.Usage
					finished = true
				}
				out, err := enc.Encode(ev)
				if err != nil {
					return res, err
				}
				for _, fr := range out {
					sw.WriteFrame(fr)
				}
			}
		}
	}
}

// Collect consumes an upstream SSE body and reassembles it into a buffered
// canonical response, for clients that asked for a non-stream completion
// from a stream-only upstream.
func (m *Manager) Collect(ctx context.Context, body io.ReadCloser, from gateway.Protocol) (*gateway.CanonicalResponse, error) {
	defer body.Close()

	dec := llmswitch.NewStreamDecoder(from)

	frames := make(chan frame, 16)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readFrames(body, frames, errc, done)

	idle := time.NewTimer(m.IdleTimeout)
	defer idle.Stop()

	resp := &gateway.CanonicalResponse{FinishReason: gateway.FinishStop}
	var text strings.Builder
	type partialCall struct {
		call gateway.ToolCall
		args strings.Builder
	}
	calls := make(map[int]*partialCall)

	for {
		select {
		case <-ctx.Done():
			return nil, gateway.Wrap(gateway.KindRequestCanceled, ctx.Err(), "stream canceled")

		case <-idle.C:
			return nil, gateway.E(gateway.KindServerError, "upstream stream idle for %s", m.IdleTimeout)

		case f, ok := <-frames:
			if !ok {
				if err := <-errc; err != nil {
					return nil, gateway.Wrap(gateway.KindServerError, err, "upstream stream")
				}
				resp.Text = text.String()
				indexes := make([]int, 0, len(calls))
				for i := range calls {
					indexes = append(indexes, i)
				}
				sort.Ints(indexes)
				for _, i := range indexes {
					pc := calls[i]
					args, err := llmswitch.NormalizeArguments(pc.args.String())
					if err != nil {
						return nil, err
					}
					pc.call.Arguments = args
					resp.ToolCalls = append(resp.ToolCalls, pc.call)
				}
				return resp, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(m.IdleTimeout)

			events, err := dec.Decode(f.event, f.data)
			if err != nil {
				return nil, err
			}
			for _, ev := range events {
				switch ev.Kind {
				case gateway.EventStart:
					resp.ID = ev.ID
					resp.Model = ev.Model
				case gateway.EventTextDelta:
					text.WriteString(ev.Text)
				case gateway.EventToolCallStart:
					calls[ev.Index] = &partialCall{call: gateway.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName}}
				case gateway.EventToolArgsDelta:
					if pc, ok := calls[ev.Index]; ok {
						pc.args.WriteString(ev.ArgsDelta)
					}
				case gateway.EventFinish:
					resp.FinishReason = ev.FinishReason
					resp.Usage = ev.Usage
				}
			}
		}
	}
}

// Synthesize streams a buffered canonical response to the client as SSE, for
// clients that asked for a stream from an upstream that answered with JSON.
// Text is re-chunked on whitespace boundaries; tool names always precede
// their argument payloads.
func (m *Manager) Synthesize(ctx context.Context, sw *Writer, resp *gateway.CanonicalResponse, to gateway.Protocol) error {
	enc := llmswitch.NewStreamEncoder(to)

	events := make([]gateway.StreamEvent, 0, 4+len(resp.ToolCalls)*2)
	events = append(events, gateway.StreamEvent{Kind: gateway.EventStart, ID: resp.ID, Model: resp.Model})
	for _, chunk := range chunkText(resp.Text, synthChunkSize) {
		events = append(events, gateway.StreamEvent{Kind: gateway.EventTextDelta, Text: chunk})
	}
	for i, tc := range resp.ToolCalls {
		events = append(events,
			gateway.StreamEvent{Kind: gateway.EventToolCallStart, Index: i, ToolCallID: tc.ID, ToolName: tc.Name},
			gateway.StreamEvent{Kind: gateway.EventToolArgsDelta, Index: i, ToolCallID: tc.ID, ArgsDelta: tc.Arguments},
		)
	}
	events = append(events, gateway.StreamEvent{
		Kind: gateway.EventFinish, FinishReason: resp.FinishReason, Usage: resp.Usage,
	})

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return gateway.Wrap(gateway.KindRequestCanceled, err, "stream canceled")
		}
		ev.ID = resp.ID
		ev.Model = resp.Model
		frames, err := enc.Encode(ev)
		if err != nil {
			return err
		}
		for _, fr := range frames {
			sw.WriteFrame(fr)
		}
	}
	return nil
}

// chunkText splits s into pieces of at most size bytes, preferring to break
// after the last whitespace inside the window.
func chunkText(s string, size int) []string {
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > size {
		cut := size
		if i := strings.LastIndexAny(s[:size], " \t\n"); i > 0 {
			cut = i + 1
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
