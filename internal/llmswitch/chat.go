package llmswitch

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/switchyardio/switchyard/internal"
)

// --- chat inbound (wire -> canonical) ---

// decodeChatRequest canonicalizes an OpenAI chat-completions request.
func decodeChatRequest(body []byte) (*gateway.CanonicalRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, gateway.E(gateway.KindSwitchFailed, "chat: body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	req := &gateway.CanonicalRequest{
		Model:  root.Get("model").String(),
		Stream: root.Get("stream").Bool(),
	}
	if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	} else if v := root.Get("max_completion_tokens"); v.Exists() {
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
	if v := root.Get("thinking"); v.Exists() {
		req.Thinking = json.RawMessage(v.Raw)
	}

	tools, err := decodeWrappedTools(root.Get("tools"))
	if err != nil {
		return nil, err
	}
	req.Tools, req.ToolAliases, err = NormalizeTools(tools)
	if err != nil {
		return nil, err
	}

	seenCalls := make(map[string]bool)
	var decodeErr error
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		switch role {
		case "system", "developer":
			if req.Instructions != "" {
				req.Instructions += "\n"
			}
			req.Instructions += contentText(m.Get("content"))

		case gateway.RoleUser:
			req.Messages = append(req.Messages, gateway.Message{
				Role:  gateway.RoleUser,
				Parts: decodeChatParts(m.Get("content")),
			})

		case gateway.RoleAssistant:
			msg := gateway.Message{Role: gateway.RoleAssistant}
			m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				args, err := NormalizeArguments(tc.Get("function.arguments").String())
				if err != nil {
					decodeErr = err
					return false
				}
				call := gateway.ToolCall{
					ID:        tc.Get("id").String(),
					Name:      tc.Get("function.name").String(),
					Arguments: args,
				}
				seenCalls[call.ID] = true
				msg.ToolCalls = append(msg.ToolCalls, call)
				return true
			})
			if decodeErr != nil {
				return false
			}
			if len(msg.ToolCalls) == 0 {
				// Text parts only when no tool calls: assistant messages that
				// mix both lose the content to satisfy the downstream contract.
				msg.Parts = decodeChatParts(m.Get("content"))
			}
			req.Messages = append(req.Messages, msg)

		case gateway.RoleTool:
			callID := m.Get("tool_call_id").String()
			if callID == "" || !seenCalls[callID] {
				slog.Warn("chat: dropping unmatched tool result", "tool_call_id", callID)
				return true
			}
			req.Messages = append(req.Messages, gateway.Message{
				Role:   gateway.RoleTool,
				Result: &gateway.ToolResult{CallID: callID, Output: contentText(m.Get("content"))},
			})
		}
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return req, nil
}

// decodeWrappedTools reads tools in the chat flavor: each entry wraps the
// definition in {"type":"function","function":{...}}; unwrapped entries are
// accepted too.
func decodeWrappedTools(tools gjson.Result) ([]gateway.Tool, error) {
	var out []gateway.Tool
	tools.ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		if !fn.Exists() {
			fn = t
		}
		tool := gateway.Tool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if p := fn.Get("parameters"); p.Exists() {
			tool.Parameters = json.RawMessage(p.Raw)
		}
		out = append(out, tool)
		return true
	})
	return out, nil
}

// decodeChatParts converts a chat content value (string or typed part array)
// into canonical parts.
func decodeChatParts(content gjson.Result) []gateway.Part {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []gateway.Part{{Type: gateway.PartText, Text: content.String()}}
	}
	var parts []gateway.Part
	content.ForEach(func(_, p gjson.Result) bool {
		switch p.Get("type").String() {
		case "text", "input_text":
			parts = append(parts, gateway.Part{Type: gateway.PartText, Text: p.Get("text").String()})
		case "image_url":
			parts = append(parts, gateway.Part{Type: gateway.PartImageURL, ImageURL: p.Get("image_url.url").String()})
		case "input_image":
			parts = append(parts, gateway.Part{Type: gateway.PartImageURL, ImageURL: p.Get("image_url").String()})
		default:
			// Unknown part types are optional content; drop with a log.
			slog.Debug("chat: dropping unknown content part", "type", p.Get("type").String())
		}
		return true
	})
	return parts
}

// contentText flattens string-or-array content into plain text.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var out string
	content.ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("text"); t.Exists() {
			out += t.String()
		}
		return true
	})
	return out
}

// --- chat outbound (canonical -> wire) ---

type chatWireMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatWireTool struct {
	Type     string       `json:"type"`
	Function chatToolSpec `json:"function"`
}

type chatToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatWireRequest struct {
	Model       string            `json:"model"`
	Messages    []chatWireMessage `json:"messages"`
	Tools       []chatWireTool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Thinking    json.RawMessage   `json:"thinking,omitempty"`
}

// encodeChatRequest serializes a canonical request in the chat flavor.
func encodeChatRequest(req *gateway.CanonicalRequest) ([]byte, error) {
	out := chatWireRequest{
		Model:       req.Model,
		Tools:       encodeWrappedTools(req.Tools),
		ToolChoice:  req.ToolChoice,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Thinking:    req.Thinking,
	}
	if req.Instructions != "" {
		out.Messages = append(out.Messages, chatWireMessage{Role: "system", Content: req.Instructions})
	}
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case gateway.RoleUser, gateway.RoleAssistant:
			wm := chatWireMessage{Role: m.Role, Content: encodeChatContent(m.Parts)}
			for _, tc := range m.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, chatToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: chatFunction{
						Name:      OriginalToolName(req, tc.Name),
						Arguments: tc.Arguments,
					},
				})
			}
			if len(wm.ToolCalls) > 0 {
				wm.Content = nil
			}
			out.Messages = append(out.Messages, wm)
		case gateway.RoleTool:
			if m.Result == nil {
				continue
			}
			out.Messages = append(out.Messages, chatWireMessage{
				Role:       "tool",
				Content:    m.Result.Output,
				ToolCallID: m.Result.CallID,
			})
		}
	}
	return json.Marshal(&out)
}

func encodeWrappedTools(tools []gateway.Tool) []chatWireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatWireTool, len(tools))
	for i, t := range tools {
		out[i] = chatWireTool{
			Type:     "function",
			Function: chatToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		}
	}
	return out
}

// encodeChatContent emits a plain string for text-only content, a typed part
// array otherwise.
func encodeChatContent(parts []gateway.Part) any {
	if len(parts) == 0 {
		return ""
	}
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
	out := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case gateway.PartText:
			out = append(out, map[string]any{"type": "text", "text": p.Text})
		case gateway.PartImageURL:
			out = append(out, map[string]any{"type": "image_url", "image_url": map[string]any{"url": p.ImageURL}})
		case gateway.PartImageData:
			url := "data:" + p.MimeType + ";base64," + p.Data
			out = append(out, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
		}
	}
	return out
}

// --- chat response codecs ---

// decodeChatResponse canonicalizes an upstream chat-completions JSON body.
func decodeChatResponse(body []byte) (*gateway.CanonicalResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, gateway.E(gateway.KindProtocolViolation, "chat: response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil, gateway.E(gateway.KindProtocolViolation, "chat: response has no choices")
	}

	resp := &gateway.CanonicalResponse{
		ID:      root.Get("id").String(),
		Model:   root.Get("model").String(),
		Created: root.Get("created").Int(),
		Text:    contentText(choice.Get("message.content")),
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		args, err := NormalizeArguments(tc.Get("function.arguments").String())
		if err != nil {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, gateway.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: args,
		})
		return true
	})
	resp.FinishReason = finishReason(gateway.ProtocolChat, choice.Get("finish_reason").String())
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = gateway.FinishToolCalls
	}
	if u := root.Get("usage"); u.Exists() {
		resp.Usage = &gateway.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return resp, nil
}

// encodeChatResponse re-emits a canonical response as a chat completion.
func encodeChatResponse(resp *gateway.CanonicalResponse) ([]byte, error) {
	msg := map[string]any{"role": "assistant"}
	if len(resp.ToolCalls) > 0 {
		calls := make([]chatToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = chatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: chatFunction{Name: tc.Name, Arguments: tc.Arguments},
			}
		}
		msg["tool_calls"] = calls
		msg["content"] = nil
	} else {
		msg["content"] = resp.Text
	}

	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	out := map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": created,
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": wireFinish(gateway.ProtocolChat, resp.FinishReason),
		}},
	}
	if resp.Usage != nil {
		out["usage"] = resp.Usage
	}
	return json.Marshal(out)
}
