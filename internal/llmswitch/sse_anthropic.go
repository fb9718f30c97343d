package llmswitch

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gateway "github.com/switchyardio/switchyard/internal"
)

// --- decoder (upstream anthropic SSE -> canonical events) ---

// anthropicStreamDecoder consumes the anthropic event vocabulary. Usage
// arrives split across message_start (input) and message_delta (output); the
// finish reason arrives on message_delta and the EventFinish is emitted on
// message_stop.
type anthropicStreamDecoder struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
	// toolBlocks maps content block index -> canonical tool index.
	toolBlocks map[int]int
	callIDs    map[int]string
}

func (d *anthropicStreamDecoder) Decode(event, data string) ([]gateway.StreamEvent, error) {
	if event == "" && data != "" {
		event = gjson.Get(data, "type").String()
	}
	switch event {
	case "ping", "", "content_block_stop":
		return nil, nil
	}
	if !gjson.Valid(data) {
		return nil, gateway.E(gateway.KindProtocolViolation, "anthropic stream: invalid event JSON")
	}
	r := gjson.Parse(data)

	switch event {
	case "message_start":
		d.id = r.Get("message.id").String()
		d.model = r.Get("message.model").String()
		d.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		return []gateway.StreamEvent{{Kind: gateway.EventStart, ID: d.id, Model: d.model}}, nil

	case "content_block_start":
		block := r.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil, nil
		}
		blockIdx := int(r.Get("index").Int())
		if d.toolBlocks == nil {
			d.toolBlocks = make(map[int]int)
			d.callIDs = make(map[int]string)
		}
		idx := len(d.toolBlocks)
		d.toolBlocks[blockIdx] = idx
		d.callIDs[blockIdx] = block.Get("id").String()
		return []gateway.StreamEvent{{
			Kind: gateway.EventToolCallStart, ID: d.id, Model: d.model,
			Index: idx, ToolCallID: d.callIDs[blockIdx], ToolName: block.Get("name").String(),
		}}, nil

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []gateway.StreamEvent{{
				Kind: gateway.EventTextDelta, ID: d.id, Model: d.model,
				Text: r.Get("delta.text").String(),
			}}, nil
		case "input_json_delta":
			blockIdx := int(r.Get("index").Int())
			idx, ok := d.toolBlocks[blockIdx]
			if !ok {
				return nil, gateway.E(gateway.KindProtocolViolation,
					"anthropic stream: input_json_delta before content_block_start at index %d", blockIdx)
			}
			return []gateway.StreamEvent{{
				Kind: gateway.EventToolArgsDelta, ID: d.id, Model: d.model,
				Index: idx, ToolCallID: d.callIDs[blockIdx], ArgsDelta: r.Get("delta.partial_json").String(),
			}}, nil
		}
		return nil, nil

	case "message_delta":
		d.outputTokens = int(r.Get("usage.output_tokens").Int())
		d.stopReason = r.Get("delta.stop_reason").String()
		return nil, nil

	case "message_stop":
		finish := finishReason(gateway.ProtocolAnthropic, d.stopReason)
		if len(d.toolBlocks) > 0 {
			finish = gateway.FinishToolCalls
		}
		return []gateway.StreamEvent{{
			Kind: gateway.EventFinish, ID: d.id, Model: d.model, FinishReason: finish,
			Usage: &gateway.Usage{
				PromptTokens:     d.inputTokens,
				CompletionTokens: d.outputTokens,
				TotalTokens:      d.inputTokens + d.outputTokens,
			},
		}}, nil

	case "error":
		return nil, gateway.E(gateway.KindProtocolViolation, "anthropic stream: error event: %s",
			r.Get("error.message").String())
	}
	return nil, nil
}

// --- encoder (canonical events -> client anthropic SSE) ---

// anthropicStreamEncoder emits the block-structured anthropic vocabulary.
// Content blocks are opened lazily and closed before the next block or the
// message_delta/message_stop terminal pair.
type anthropicStreamEncoder struct {
	id        string
	model     string
	usage     *gateway.Usage
	nextBlock int
	openBlock int // index of the open block, -1 when none
	textBlock int // index of the text block, -1 until opened
	// blockOf maps canonical tool index -> content block index.
	blockOf map[int]int
}

func (e *anthropicStreamEncoder) Encode(ev gateway.StreamEvent) ([]Frame, error) {
	switch ev.Kind {
	case gateway.EventStart:
		e.id = ev.ID
		e.model = ev.Model
		e.openBlock = -1
		e.textBlock = -1
		return []Frame{e.frame("message_start", map[string]any{
			"message": map[string]any{
				"id":      e.id,
				"type":    "message",
				"role":    "assistant",
				"model":   e.model,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})}, nil

	case gateway.EventTextDelta:
		var frames []Frame
		if e.textBlock < 0 {
			frames = append(frames, e.closeOpen()...)
			e.textBlock = e.claimBlock()
			e.openBlock = e.textBlock
			frames = append(frames, e.frame("content_block_start", map[string]any{
				"index":         e.textBlock,
				"content_block": map[string]any{"type": "text", "text": ""},
			}))
		}
		frames = append(frames, e.frame("content_block_delta", map[string]any{
			"index": e.textBlock,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		}))
		return frames, nil

	case gateway.EventToolCallStart:
		frames := e.closeOpen()
		if e.blockOf == nil {
			e.blockOf = make(map[int]int)
		}
		blockIdx := e.claimBlock()
		e.blockOf[ev.Index] = blockIdx
		e.openBlock = blockIdx
		frames = append(frames, e.frame("content_block_start", map[string]any{
			"index": blockIdx,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    ev.ToolCallID,
				"name":  ev.ToolName,
				"input": map[string]any{},
			},
		}))
		return frames, nil

	case gateway.EventToolArgsDelta:
		return []Frame{e.frame("content_block_delta", map[string]any{
			"index": e.blockOf[ev.Index],
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ArgsDelta},
		})}, nil

	case gateway.EventFinish:
		frames := e.closeOpen()
		usage := map[string]any{"output_tokens": 0}
		if ev.Usage != nil {
			usage["output_tokens"] = ev.Usage.CompletionTokens
			usage["input_tokens"] = ev.Usage.PromptTokens
		}
		frames = append(frames,
			e.frame("message_delta", map[string]any{
				"delta": map[string]any{
					"stop_reason": wireFinish(gateway.ProtocolAnthropic, ev.FinishReason),
				},
				"usage": usage,
			}),
			e.frame("message_stop", map[string]any{}),
		)
		return frames, nil
	}
	return nil, nil
}

func (e *anthropicStreamEncoder) claimBlock() int {
	idx := e.nextBlock
	e.nextBlock++
	return idx
}

// closeOpen emits a content_block_stop for the currently open block, if any.
func (e *anthropicStreamEncoder) closeOpen() []Frame {
	if e.openBlock < 0 {
		return nil
	}
	f := e.frame("content_block_stop", map[string]any{"index": e.openBlock})
	if e.openBlock == e.textBlock {
		e.textBlock = -1
	}
	e.openBlock = -1
	return []Frame{f}
}

func (e *anthropicStreamEncoder) frame(event string, payload map[string]any) Frame {
	payload["type"] = event
	b, _ := json.Marshal(payload)
	return Frame{Event: event, Data: b}
}
