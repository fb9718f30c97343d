package llmswitch

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gateway "github.com/switchyardio/switchyard/internal"
)

// chatDone is the chat protocol's terminal data payload.
const chatDone = "[DONE]"

// --- decoder (upstream chat SSE -> canonical events) ---

// chatStreamDecoder consumes chat.completion.chunk frames. The protocol
// delivers finish_reason and usage on separate chunks before [DONE]; both
// are buffered and emitted as one EventFinish when the terminal arrives.
type chatStreamDecoder struct {
	id      string
	model   string
	started bool
	finish  gateway.FinishReason
	usage   *gateway.Usage
	// callIDs remembers the tool-call id per index so argument deltas can be
	// attributed after the opening chunk.
	callIDs map[int]string
}

func (d *chatStreamDecoder) Decode(_ string, data string) ([]gateway.StreamEvent, error) {
	if data == chatDone {
		ev := gateway.StreamEvent{
			Kind: gateway.EventFinish, ID: d.id, Model: d.model,
			FinishReason: d.finish, Usage: d.usage,
		}
		if ev.FinishReason == "" {
			ev.FinishReason = gateway.FinishStop
		}
		return []gateway.StreamEvent{ev}, nil
	}
	if !gjson.Valid(data) {
		return nil, gateway.E(gateway.KindProtocolViolation, "chat stream: invalid chunk JSON")
	}
	r := gjson.Parse(data)

	var out []gateway.StreamEvent
	if !d.started {
		d.id = r.Get("id").String()
		d.model = r.Get("model").String()
		d.started = true
		out = append(out, gateway.StreamEvent{Kind: gateway.EventStart, ID: d.id, Model: d.model})
	}
	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		d.usage = &gateway.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return out, nil
	}
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type == gjson.String {
		d.finish = finishReason(gateway.ProtocolChat, fr.String())
	}

	delta := choice.Get("delta")
	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		out = append(out, gateway.StreamEvent{
			Kind: gateway.EventTextDelta, ID: d.id, Model: d.model, Text: text.String(),
		})
	}
	var decodeErr error
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		if name := tc.Get("function.name"); name.Exists() {
			if d.callIDs == nil {
				d.callIDs = make(map[int]string)
			}
			d.callIDs[idx] = tc.Get("id").String()
			out = append(out, gateway.StreamEvent{
				Kind: gateway.EventToolCallStart, ID: d.id, Model: d.model,
				Index: idx, ToolCallID: d.callIDs[idx], ToolName: name.String(),
			})
			d.finish = gateway.FinishToolCalls
		}
		if args := tc.Get("function.arguments"); args.Exists() && args.String() != "" {
			if d.callIDs[idx] == "" {
				decodeErr = gateway.E(gateway.KindProtocolViolation,
					"chat stream: argument delta before tool call start at index %d", idx)
				return false
			}
			out = append(out, gateway.StreamEvent{
				Kind: gateway.EventToolArgsDelta, ID: d.id, Model: d.model,
				Index: idx, ToolCallID: d.callIDs[idx], ArgsDelta: args.String(),
			})
		}
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// --- encoder (canonical events -> client chat SSE) ---

type chatStreamEncoder struct {
	id    string
	model string
}

func (e *chatStreamEncoder) Encode(ev gateway.StreamEvent) ([]Frame, error) {
	switch ev.Kind {
	case gateway.EventStart:
		e.id = ev.ID
		e.model = ev.Model
		return []Frame{{Data: e.chunk(map[string]any{"role": "assistant"}, "")}}, nil

	case gateway.EventTextDelta:
		return []Frame{{Data: e.chunk(map[string]any{"content": ev.Text}, "")}}, nil

	case gateway.EventToolCallStart:
		return []Frame{{Data: e.chunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index": ev.Index,
				"id":    ev.ToolCallID,
				"type":  "function",
				"function": map[string]any{
					"name":      ev.ToolName,
					"arguments": "",
				},
			}},
		}, "")}}, nil

	case gateway.EventToolArgsDelta:
		return []Frame{{Data: e.chunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index":    ev.Index,
				"function": map[string]any{"arguments": ev.ArgsDelta},
			}},
		}, "")}}, nil

	case gateway.EventFinish:
		frames := []Frame{{Data: e.chunk(map[string]any{}, ev.FinishReason)}}
		if ev.Usage != nil {
			frames = append(frames, Frame{Data: e.usageChunk(ev.Usage)})
		}
		frames = append(frames, Frame{Data: []byte(chatDone)})
		return frames, nil
	}
	return nil, nil
}

// chunk builds one chat.completion.chunk payload with a single choice.
func (e *chatStreamEncoder) chunk(delta map[string]any, finish gateway.FinishReason) []byte {
	var fr any
	if finish != "" {
		fr = wireFinish(gateway.ProtocolChat, finish)
	}
	b, _ := json.Marshal(map[string]any{
		"id":     e.id,
		"object": "chat.completion.chunk",
		"model":  e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": fr,
		}},
	})
	return b
}

// usageChunk builds the trailing usage-only chunk with an empty choices array.
func (e *chatStreamEncoder) usageChunk(u *gateway.Usage) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"model":   e.model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     u.PromptTokens,
			"completion_tokens": u.CompletionTokens,
			"total_tokens":      u.TotalTokens,
		},
	})
	return b
}
