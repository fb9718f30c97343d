package llmswitch

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	gateway "github.com/switchyardio/switchyard/internal"
)

// defaultAnthropicMaxTokens is used when the canonical request carries no
// limit; the anthropic wire shape requires max_tokens.
const defaultAnthropicMaxTokens = 4096

// --- anthropic inbound (wire -> canonical) ---

func decodeAnthropicRequest(body []byte) (*gateway.CanonicalRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, gateway.E(gateway.KindSwitchFailed, "anthropic: body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &gateway.CanonicalRequest{
		Model:  root.Get("model").String(),
		Stream: root.Get("stream").Bool(),
	}
	if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := root.Get("temperature"); v.Exists() {
		t := v.Float()
		req.Temperature = &t
	}
	if v := root.Get("thinking"); v.Exists() {
		req.Thinking = json.RawMessage(v.Raw)
	}
	if v := root.Get("tool_choice"); v.Exists() {
		req.ToolChoice = json.RawMessage(v.Raw)
	}

	// system is a string or an array of text blocks.
	if sys := root.Get("system"); sys.Exists() {
		if sys.Type == gjson.String {
			req.Instructions = sys.String()
		} else {
			sys.ForEach(func(_, b gjson.Result) bool {
				if b.Get("type").String() == "text" {
					if req.Instructions != "" {
						req.Instructions += "\n"
					}
					req.Instructions += b.Get("text").String()
				}
				return true
			})
		}
	}

	var tools []gateway.Tool
	root.Get("tools").ForEach(func(_, t gjson.Result) bool {
		tool := gateway.Tool{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
		}
		if s := t.Get("input_schema"); s.Exists() {
			tool.Parameters = json.RawMessage(s.Raw)
		}
		tools = append(tools, tool)
		return true
	})
	var err error
	req.Tools, req.ToolAliases, err = NormalizeTools(tools)
	if err != nil {
		return nil, err
	}

	seenCalls := make(map[string]bool)
	var decodeErr error
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		content := m.Get("content")

		if content.Type == gjson.String {
			req.Messages = append(req.Messages, gateway.Message{
				Role:  role,
				Parts: []gateway.Part{{Type: gateway.PartText, Text: content.String()}},
			})
			return true
		}

		// Block content. Anthropic interleaves text / image / tool_use /
		// tool_result inside one message; tool blocks split into separate
		// canonical turns to preserve call/result pairing.
		var parts []gateway.Part
		var calls []gateway.ToolCall
		flushText := func() {
			if len(parts) == 0 {
				return
			}
			req.Messages = append(req.Messages, gateway.Message{Role: role, Parts: parts})
			parts = nil
		}
		content.ForEach(func(_, b gjson.Result) bool {
			switch b.Get("type").String() {
			case "text":
				parts = append(parts, gateway.Part{Type: gateway.PartText, Text: b.Get("text").String()})
			case "image":
				src := b.Get("source")
				switch src.Get("type").String() {
				case "base64":
					parts = append(parts, gateway.Part{
						Type:     gateway.PartImageData,
						MimeType: src.Get("media_type").String(),
						Data:     src.Get("data").String(),
					})
				case "url":
					parts = append(parts, gateway.Part{Type: gateway.PartImageURL, ImageURL: src.Get("url").String()})
				}
			case "tool_use":
				args, err := NormalizeArguments(b.Get("input").Raw)
				if err != nil {
					decodeErr = err
					return false
				}
				calls = append(calls, gateway.ToolCall{
					ID:        b.Get("id").String(),
					Name:      b.Get("name").String(),
					Arguments: args,
				})
				seenCalls[b.Get("id").String()] = true
			case "tool_result":
				callID := b.Get("tool_use_id").String()
				if callID == "" || !seenCalls[callID] {
					slog.Warn("anthropic: dropping unmatched tool_result", "tool_use_id", callID)
					return true
				}
				flushText()
				req.Messages = append(req.Messages, gateway.Message{
					Role:   gateway.RoleTool,
					Result: &gateway.ToolResult{CallID: callID, Output: anthropicResultText(b.Get("content"))},
				})
			default:
				slog.Debug("anthropic: dropping unknown content block", "type", b.Get("type").String())
			}
			return true
		})
		if decodeErr != nil {
			return false
		}
		if len(calls) > 0 {
			// Tool calls own the turn; any text in the same wire message is
			// dropped, matching the canonical invariant.
			req.Messages = append(req.Messages, gateway.Message{Role: gateway.RoleAssistant, ToolCalls: calls})
			return true
		}
		flushText()
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return req, nil
}

// anthropicResultText flattens a tool_result content value, which may be a
// plain string or an array of text blocks.
func anthropicResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var out string
	content.ForEach(func(_, b gjson.Result) bool {
		if b.Get("type").String() == "text" {
			out += b.Get("text").String()
		}
		return true
	})
	return out
}

// --- anthropic outbound (canonical -> wire) ---

type anthropicWireRequest struct {
	Model       string              `json:"model"`
	MaxTokens   int                 `json:"max_tokens"`
	System      string              `json:"system,omitempty"`
	Messages    []anthropicWireMsg  `json:"messages"`
	Tools       []anthropicWireTool `json:"tools,omitempty"`
	ToolChoice  json.RawMessage     `json:"tool_choice,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	Thinking    json.RawMessage     `json:"thinking,omitempty"`
}

type anthropicWireMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicWireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func encodeAnthropicRequest(req *gateway.CanonicalRequest) ([]byte, error) {
	out := anthropicWireRequest{
		Model:       req.Model,
		MaxTokens:   defaultAnthropicMaxTokens,
		System:      req.Instructions,
		ToolChoice:  req.ToolChoice,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		Thinking:    req.Thinking,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicWireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case gateway.RoleUser:
			out.Messages = append(out.Messages, anthropicWireMsg{
				Role:    "user",
				Content: encodeAnthropicBlocks(m.Parts),
			})
		case gateway.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				blocks := make([]map[string]any, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					blocks = append(blocks, map[string]any{
						"type":  "tool_use",
						"id":    tc.ID,
						"name":  OriginalToolName(req, tc.Name),
						"input": json.RawMessage(toolInputJSON(tc.Arguments)),
					})
				}
				out.Messages = append(out.Messages, anthropicWireMsg{Role: "assistant", Content: blocks})
				continue
			}
			out.Messages = append(out.Messages, anthropicWireMsg{
				Role:    "assistant",
				Content: encodeAnthropicBlocks(m.Parts),
			})
		case gateway.RoleTool:
			if m.Result == nil {
				continue
			}
			// Tool results ride on a user turn in the anthropic shape.
			out.Messages = append(out.Messages, anthropicWireMsg{
				Role: "user",
				Content: []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.Result.CallID,
					"content":     m.Result.Output,
				}},
			})
		}
	}
	return json.Marshal(&out)
}

// encodeAnthropicBlocks emits content blocks; text-only messages collapse to
// a plain string.
func encodeAnthropicBlocks(parts []gateway.Part) any {
	textOnly := true
	for _, p := range parts {
		if p.Type != gateway.PartText {
			textOnly = false
			break
		}
	}
	if textOnly {
		var s string
		for _, p := range parts {
			s += p.Text
		}
		return s
	}
	blocks := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case gateway.PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case gateway.PartImageData:
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": p.MimeType,
					"data":       p.Data,
				},
			})
		case gateway.PartImageURL:
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type": "url",
					"url":  p.ImageURL,
				},
			})
		}
	}
	return blocks
}

// toolInputJSON guards against non-object argument strings reaching the
// wire, where tool_use input must be a JSON value.
func toolInputJSON(args string) string {
	if json.Valid([]byte(args)) {
		return args
	}
	b, _ := json.Marshal(args)
	return string(b)
}

// --- anthropic response codecs ---

func decodeAnthropicResponse(body []byte) (*gateway.CanonicalResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, gateway.E(gateway.KindProtocolViolation, "anthropic: response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if root.Get("type").String() == "error" {
		return nil, gateway.E(gateway.KindProtocolViolation, "anthropic: error response: %s",
			root.Get("error.message").String())
	}

	resp := &gateway.CanonicalResponse{
		ID:    root.Get("id").String(),
		Model: root.Get("model").String(),
	}
	root.Get("content").ForEach(func(_, b gjson.Result) bool {
		switch b.Get("type").String() {
		case "text":
			resp.Text += b.Get("text").String()
		case "tool_use":
			args, err := NormalizeArguments(b.Get("input").Raw)
			if err != nil {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, gateway.ToolCall{
				ID:        b.Get("id").String(),
				Name:      b.Get("name").String(),
				Arguments: args,
			})
		}
		return true
	})

	resp.FinishReason = finishReason(gateway.ProtocolAnthropic, root.Get("stop_reason").String())
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = gateway.FinishToolCalls
	}
	if u := root.Get("usage"); u.Exists() {
		prompt := int(u.Get("input_tokens").Int())
		completion := int(u.Get("output_tokens").Int())
		resp.Usage = &gateway.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
	}
	return resp, nil
}

func encodeAnthropicResponse(resp *gateway.CanonicalResponse) ([]byte, error) {
	content := make([]map[string]any, 0, 1+len(resp.ToolCalls))
	if resp.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": json.RawMessage(toolInputJSON(tc.Arguments)),
		})
	}

	out := map[string]any{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     content,
		"stop_reason": wireFinish(gateway.ProtocolAnthropic, resp.FinishReason),
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(out)
}
