package llmswitch

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gateway "github.com/switchyardio/switchyard/internal"
)

// --- decoder (upstream responses SSE -> canonical events) ---

// responsesStreamDecoder consumes the responses protocol's typed events.
// Unknown event types are skipped; the protocol versions its event
// vocabulary and additions must not break the stream.
type responsesStreamDecoder struct {
	id    string
	model string
	// callIndexes maps output_index -> canonical tool index, assigned in
	// arrival order.
	callIndexes map[int]int
	callIDs     map[int]string
}

func (d *responsesStreamDecoder) Decode(event, data string) ([]gateway.StreamEvent, error) {
	if event == "" && data != "" {
		// Some servers omit the event line and carry the type in the payload.
		event = gjson.Get(data, "type").String()
	}
	if event == "" {
		return nil, nil
	}
	if !gjson.Valid(data) {
		return nil, gateway.E(gateway.KindProtocolViolation, "responses stream: invalid event JSON")
	}
	r := gjson.Parse(data)

	switch event {
	case "response.created":
		d.id = r.Get("response.id").String()
		d.model = r.Get("response.model").String()
		return []gateway.StreamEvent{{Kind: gateway.EventStart, ID: d.id, Model: d.model}}, nil

	case "response.output_text.delta":
		return []gateway.StreamEvent{{
			Kind: gateway.EventTextDelta, ID: d.id, Model: d.model,
			Text: r.Get("delta").String(),
		}}, nil

	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		outputIdx := int(r.Get("output_index").Int())
		if d.callIndexes == nil {
			d.callIndexes = make(map[int]int)
			d.callIDs = make(map[int]string)
		}
		idx := len(d.callIndexes)
		d.callIndexes[outputIdx] = idx
		callID := item.Get("call_id").String()
		if callID == "" {
			callID = item.Get("id").String()
		}
		d.callIDs[outputIdx] = callID
		return []gateway.StreamEvent{{
			Kind: gateway.EventToolCallStart, ID: d.id, Model: d.model,
			Index: idx, ToolCallID: callID, ToolName: item.Get("name").String(),
		}}, nil

	case "response.function_call_arguments.delta":
		outputIdx := int(r.Get("output_index").Int())
		idx, ok := d.callIndexes[outputIdx]
		if !ok {
			return nil, gateway.E(gateway.KindProtocolViolation,
				"responses stream: argument delta before output_item.added at index %d", outputIdx)
		}
		return []gateway.StreamEvent{{
			Kind: gateway.EventToolArgsDelta, ID: d.id, Model: d.model,
			Index: idx, ToolCallID: d.callIDs[outputIdx], ArgsDelta: r.Get("delta").String(),
		}}, nil

	case "response.completed", "response.incomplete", "response.failed":
		resp := r.Get("response")
		finish := finishReason(gateway.ProtocolResponses, resp.Get("status").String())
		if len(d.callIndexes) > 0 {
			finish = gateway.FinishToolCalls
		}
		ev := gateway.StreamEvent{
			Kind: gateway.EventFinish, ID: d.id, Model: d.model, FinishReason: finish,
		}
		if u := resp.Get("usage"); u.Exists() {
			prompt := int(u.Get("input_tokens").Int())
			completion := int(u.Get("output_tokens").Int())
			total := int(u.Get("total_tokens").Int())
			if total == 0 {
				total = prompt + completion
			}
			ev.Usage = &gateway.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
		}
		return []gateway.StreamEvent{ev}, nil
	}
	return nil, nil
}

// --- encoder (canonical events -> client responses SSE) ---

type responsesStreamEncoder struct {
	id    string
	model string
	// outputIndexes maps canonical tool index -> output_index. Text occupies
	// output index 0 when present; tool items follow.
	outputIndexes map[int]int
	nextOutput    int
	textOpened    bool
}

func (e *responsesStreamEncoder) Encode(ev gateway.StreamEvent) ([]Frame, error) {
	switch ev.Kind {
	case gateway.EventStart:
		e.id = ev.ID
		e.model = ev.Model
		return []Frame{e.frame("response.created", map[string]any{
			"response": map[string]any{
				"id":     e.id,
				"object": "response",
				"model":  e.model,
				"status": "in_progress",
			},
		})}, nil

	case gateway.EventTextDelta:
		var frames []Frame
		if !e.textOpened {
			e.textOpened = true
			frames = append(frames, e.frame("response.output_item.added", map[string]any{
				"output_index": e.claimOutput(),
				"item":         map[string]any{"type": "message", "role": "assistant"},
			}))
		}
		frames = append(frames, e.frame("response.output_text.delta", map[string]any{
			"delta": ev.Text,
		}))
		return frames, nil

	case gateway.EventToolCallStart:
		if e.outputIndexes == nil {
			e.outputIndexes = make(map[int]int)
		}
		outputIdx := e.claimOutput()
		e.outputIndexes[ev.Index] = outputIdx
		return []Frame{e.frame("response.output_item.added", map[string]any{
			"output_index": outputIdx,
			"item": map[string]any{
				"type":    "function_call",
				"call_id": ev.ToolCallID,
				"name":    ev.ToolName,
			},
		})}, nil

	case gateway.EventToolArgsDelta:
		return []Frame{e.frame("response.function_call_arguments.delta", map[string]any{
			"output_index": e.outputIndexes[ev.Index],
			"delta":        ev.ArgsDelta,
		})}, nil

	case gateway.EventFinish:
		status := wireFinish(gateway.ProtocolResponses, ev.FinishReason)
		response := map[string]any{
			"id":     e.id,
			"object": "response",
			"model":  e.model,
			"status": status,
		}
		if ev.Usage != nil {
			response["usage"] = map[string]any{
				"input_tokens":  ev.Usage.PromptTokens,
				"output_tokens": ev.Usage.CompletionTokens,
				"total_tokens":  ev.Usage.TotalTokens,
			}
		}
		terminal := "response.completed"
		if status == "incomplete" {
			terminal = "response.incomplete"
		}
		return []Frame{
			e.frame(terminal, map[string]any{"response": response}),
			e.frame("response.done", map[string]any{}),
		}, nil
	}
	return nil, nil
}

func (e *responsesStreamEncoder) claimOutput() int {
	idx := e.nextOutput
	e.nextOutput++
	return idx
}

func (e *responsesStreamEncoder) frame(event string, payload map[string]any) Frame {
	payload["type"] = event
	b, _ := json.Marshal(payload)
	return Frame{Event: event, Data: b}
}
