package llmswitch

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	gateway "github.com/switchyardio/switchyard/internal"
)

// --- responses inbound (wire -> canonical) ---

// decodeResponsesRequest canonicalizes an OpenAI responses-protocol request.
// The input field is either a plain string (one user turn) or an array of
// typed items embedding the prior conversation, including function_call /
// function_call_output entries.
func decodeResponsesRequest(body []byte) (*gateway.CanonicalRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, gateway.E(gateway.KindSwitchFailed, "responses: body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &gateway.CanonicalRequest{
		Model:        root.Get("model").String(),
		Instructions: root.Get("instructions").String(),
		Stream:       root.Get("stream").Bool(),
	}
	if v := root.Get("max_output_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := root.Get("temperature"); v.Exists() {
		t := v.Float()
		req.Temperature = &t
	}
	if v := root.Get("tool_choice"); v.Exists() {
		req.ToolChoice = json.RawMessage(v.Raw)
	}
	if v := root.Get("reasoning"); v.Exists() {
		req.Thinking = json.RawMessage(v.Raw)
	}

	tools, err := decodeResponsesTools(root.Get("tools"))
	if err != nil {
		return nil, err
	}
	req.Tools, req.ToolAliases, err = NormalizeTools(tools)
	if err != nil {
		return nil, err
	}

	input := root.Get("input")
	if input.Type == gjson.String {
		req.Messages = append(req.Messages, gateway.Message{
			Role:  gateway.RoleUser,
			Parts: []gateway.Part{{Type: gateway.PartText, Text: input.String()}},
		})
		return req, nil
	}

	seenCalls := make(map[string]bool)
	var decodeErr error
	input.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message", "":
			role := item.Get("role").String()
			parts := decodeResponsesParts(item.Get("content"))
			switch role {
			case "system", "developer":
				if req.Instructions != "" {
					req.Instructions += "\n"
				}
				for _, p := range parts {
					req.Instructions += p.Text
				}
			case gateway.RoleAssistant:
				req.Messages = append(req.Messages, gateway.Message{Role: gateway.RoleAssistant, Parts: parts})
			default:
				req.Messages = append(req.Messages, gateway.Message{Role: gateway.RoleUser, Parts: parts})
			}

		case "function_call":
			args, err := NormalizeArguments(item.Get("arguments").String())
			if err != nil {
				decodeErr = err
				return false
			}
			callID := item.Get("call_id").String()
			if callID == "" {
				callID = item.Get("id").String()
			}
			call := gateway.ToolCall{ID: callID, Name: item.Get("name").String(), Arguments: args}
			seenCalls[call.ID] = true
			// A prior-turn function call is an assistant message with exactly
			// that call and no content.
			req.Messages = append(req.Messages, gateway.Message{
				Role:      gateway.RoleAssistant,
				ToolCalls: []gateway.ToolCall{call},
			})

		case "function_call_output":
			callID := item.Get("call_id").String()
			if callID == "" || !seenCalls[callID] {
				slog.Warn("responses: dropping unmatched function_call_output", "call_id", callID)
				return true
			}
			req.Messages = append(req.Messages, gateway.Message{
				Role:   gateway.RoleTool,
				Result: &gateway.ToolResult{CallID: callID, Output: item.Get("output").String()},
			})

		default:
			slog.Debug("responses: dropping unknown input item", "type", item.Get("type").String())
		}
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return req, nil
}

// decodeResponsesTools reads tools in the responses flavor: flat
// {type:"function", name, ...}; the chat-style nested function wrapper is
// accepted too.
func decodeResponsesTools(tools gjson.Result) ([]gateway.Tool, error) {
	var out []gateway.Tool
	tools.ForEach(func(_, t gjson.Result) bool {
		src := t
		if fn := t.Get("function"); fn.Exists() {
			src = fn
		}
		tool := gateway.Tool{
			Name:        src.Get("name").String(),
			Description: src.Get("description").String(),
		}
		if p := src.Get("parameters"); p.Exists() {
			tool.Parameters = json.RawMessage(p.Raw)
		}
		out = append(out, tool)
		return true
	})
	return out, nil
}

// decodeResponsesParts converts responses content (string or typed items)
// into canonical parts.
func decodeResponsesParts(content gjson.Result) []gateway.Part {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []gateway.Part{{Type: gateway.PartText, Text: content.String()}}
	}
	var parts []gateway.Part
	content.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "input_text", "output_text", "text":
			parts = append(parts, gateway.Part{Type: gateway.PartText, Text: p.Get("text").String()})
		case "input_image":
			url := p.Get("image_url").String()
			if url == "" {
				url = p.Get("image_url.url").String()
			}
			parts = append(parts, gateway.Part{Type: gateway.PartImageURL, ImageURL: url})
		default:
			slog.Debug("responses: dropping unknown content part", "type", p.Get("type").String())
		}
		return true
	})
	return parts
}

// --- responses outbound (canonical -> wire) ---

type responsesWireRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions,omitempty"`
	Input           []any           `json:"input"`
	Tools           []respToolSpec  `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	Reasoning       json.RawMessage `json:"reasoning,omitempty"`
}

type respToolSpec struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// encodeResponsesRequest serializes a canonical request in the responses
// flavor: instructions plus a flattened typed input array.
func encodeResponsesRequest(req *gateway.CanonicalRequest) ([]byte, error) {
	out := responsesWireRequest{
		Model:           req.Model,
		Instructions:    req.Instructions,
		Input:           make([]any, 0, len(req.Messages)),
		ToolChoice:      req.ToolChoice,
		Stream:          req.Stream,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		Reasoning:       req.Thinking,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, respToolSpec{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case gateway.RoleUser:
			out.Input = append(out.Input, map[string]any{
				"type":    "message",
				"role":    "user",
				"content": encodeResponsesContent(m.Parts, "input"),
			})
		case gateway.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				for _, tc := range m.ToolCalls {
					out.Input = append(out.Input, map[string]any{
						"type":      "function_call",
						"call_id":   tc.ID,
						"name":      OriginalToolName(req, tc.Name),
						"arguments": tc.Arguments,
					})
				}
				continue
			}
			out.Input = append(out.Input, map[string]any{
				"type":    "message",
				"role":    "assistant",
				"content": encodeResponsesContent(m.Parts, "output"),
			})
		case gateway.RoleTool:
			if m.Result == nil {
				continue
			}
			out.Input = append(out.Input, map[string]any{
				"type":    "function_call_output",
				"call_id": m.Result.CallID,
				"output":  m.Result.Output,
			})
		}
	}
	return json.Marshal(&out)
}

// encodeResponsesContent emits typed content items. direction selects the
// input_text / output_text flavor.
func encodeResponsesContent(parts []gateway.Part, direction string) []map[string]any {
	out := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case gateway.PartText:
			out = append(out, map[string]any{"type": direction + "_text", "text": p.Text})
		case gateway.PartImageURL:
			out = append(out, map[string]any{"type": "input_image", "image_url": p.ImageURL})
		case gateway.PartImageData:
			url := "data:" + p.MimeType + ";base64," + p.Data
			out = append(out, map[string]any{"type": "input_image", "image_url": url})
		}
	}
	return out
}

// --- responses response codecs ---

// decodeResponsesResponse canonicalizes an upstream responses JSON body,
// including the requires_action shape.
func decodeResponsesResponse(body []byte) (*gateway.CanonicalResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, gateway.E(gateway.KindProtocolViolation, "responses: response is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	resp := &gateway.CanonicalResponse{
		ID:      root.Get("id").String(),
		Model:   root.Get("model").String(),
		Created: root.Get("created_at").Int(),
	}

	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, c gjson.Result) bool {
				if c.Get("type").String() == "output_text" {
					resp.Text += c.Get("text").String()
				}
				return true
			})
		case "function_call":
			args, err := NormalizeArguments(item.Get("arguments").String())
			if err != nil {
				args = "{}"
			}
			callID := item.Get("call_id").String()
			if callID == "" {
				callID = item.Get("id").String()
			}
			resp.ToolCalls = append(resp.ToolCalls, gateway.ToolCall{
				ID:        callID,
				Name:      item.Get("name").String(),
				Arguments: args,
			})
		}
		return true
	})

	// requires_action embeds the pending calls outside output.
	root.Get("required_action.submit_tool_outputs.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		name := tc.Get("function.name").String()
		args := tc.Get("function.arguments").String()
		if name == "" {
			name = tc.Get("name").String()
			args = tc.Get("arguments").String()
		}
		norm, err := NormalizeArguments(args)
		if err != nil {
			norm = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, gateway.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      name,
			Arguments: norm,
		})
		return true
	})

	if resp.Text == "" {
		// Convenience field emitted by some servers.
		resp.Text = root.Get("output_text").String()
	}

	resp.FinishReason = finishReason(gateway.ProtocolResponses, root.Get("status").String())
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = gateway.FinishToolCalls
	}
	if u := root.Get("usage"); u.Exists() {
		prompt := int(u.Get("input_tokens").Int())
		completion := int(u.Get("output_tokens").Int())
		total := int(u.Get("total_tokens").Int())
		if total == 0 {
			total = prompt + completion
		}
		resp.Usage = &gateway.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
	}
	return resp, nil
}

// encodeResponsesResponse re-emits a canonical response in the responses
// shape. Tool-call finishes become the requires_action form the tool loop
// controller continues from.
func encodeResponsesResponse(resp *gateway.CanonicalResponse) ([]byte, error) {
	out := map[string]any{
		"id":     resp.ID,
		"object": "response",
		"model":  resp.Model,
	}
	if resp.Usage != nil {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		}
	}

	if resp.FinishReason == gateway.FinishToolCalls {
		calls := make([]map[string]any, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			}
		}
		out["status"] = "requires_action"
		out["required_action"] = map[string]any{
			"type": "submit_tool_outputs",
			"submit_tool_outputs": map[string]any{
				"tool_calls": calls,
			},
		}
		out["output"] = []any{}
		return json.Marshal(out)
	}

	status := "completed"
	if resp.FinishReason == gateway.FinishLength || resp.FinishReason == gateway.FinishContentFilter {
		status = "incomplete"
		reason := "max_output_tokens"
		if resp.FinishReason == gateway.FinishContentFilter {
			reason = "content_filter"
		}
		out["incomplete_details"] = map[string]any{"reason": reason}
	}
	out["status"] = status
	out["output"] = []map[string]any{{
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{{
			"type": "output_text",
			"text": resp.Text,
		}},
	}}
	out["output_text"] = resp.Text
	return json.Marshal(out)
}
