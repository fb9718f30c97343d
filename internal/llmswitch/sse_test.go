package llmswitch

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/switchyardio/switchyard/internal"
)

// feed runs a frame sequence through a decoder and collects the events.
func feed(t *testing.T, d StreamDecoder, frames []Frame) []gateway.StreamEvent {
	t.Helper()
	var out []gateway.StreamEvent
	for _, f := range frames {
		evs, err := d.Decode(f.Event, string(f.Data))
		if err != nil {
			t.Fatalf("decode %q: %v", f.Event, err)
		}
		out = append(out, evs...)
	}
	return out
}

func kinds(evs []gateway.StreamEvent) []gateway.EventKind {
	out := make([]gateway.EventKind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func TestChatStreamDecoder(t *testing.T) {
	frames := []Frame{
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"role":"assistant"}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"content":"hel"}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[],"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`)},
		{Data: []byte(chatDone)},
	}
	evs := feed(t, NewStreamDecoder(gateway.ProtocolChat), frames)

	want := []gateway.EventKind{gateway.EventStart, gateway.EventTextDelta, gateway.EventTextDelta, gateway.EventFinish}
	got := kinds(evs)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	fin := evs[len(evs)-1]
	if fin.FinishReason != gateway.FinishStop {
		t.Errorf("finish = %q", fin.FinishReason)
	}
	if fin.Usage == nil || fin.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v (usage chunk must fold into the finish event)", fin.Usage)
	}
}

func TestChatStreamDecoderToolCalls(t *testing.T) {
	frames := []Frame{
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{"role":"assistant"}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"lookup"}}]}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)},
		{Data: []byte(chatDone)},
	}
	evs := feed(t, NewStreamDecoder(gateway.ProtocolChat), frames)

	var name string
	var args strings.Builder
	for _, e := range evs {
		switch e.Kind {
		case gateway.EventToolCallStart:
			name = e.ToolName
		case gateway.EventToolArgsDelta:
			args.WriteString(e.ArgsDelta)
		}
	}
	if name != "lookup" || args.String() != `{"q":"x"}` {
		t.Errorf("name=%q args=%q", name, args.String())
	}
	if evs[len(evs)-1].FinishReason != gateway.FinishToolCalls {
		t.Errorf("finish = %q", evs[len(evs)-1].FinishReason)
	}
}

func TestChatStreamDecoderArgsBeforeStart(t *testing.T) {
	d := NewStreamDecoder(gateway.ProtocolChat)
	if _, err := d.Decode("", `{"id":"c1","model":"m","choices":[{"delta":{"role":"assistant"}}]}`); err != nil {
		t.Fatal(err)
	}
	_, err := d.Decode("", `{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{"}}]}}]}`)
	if gateway.KindOf(err) != gateway.KindProtocolViolation {
		t.Fatalf("want protocolViolation, got %v", err)
	}
}

func TestAnthropicStreamDecoder(t *testing.T) {
	frames := []Frame{
		{Event: "message_start", Data: []byte(`{"message":{"id":"msg_1","model":"m","usage":{"input_tokens":7}}}`)},
		{Event: "content_block_start", Data: []byte(`{"index":0,"content_block":{"type":"text","text":""}}`)},
		{Event: "content_block_delta", Data: []byte(`{"index":0,"delta":{"type":"text_delta","text":"hi"}}`)},
		{Event: "content_block_stop", Data: []byte(`{"index":0}`)},
		{Event: "content_block_start", Data: []byte(`{"index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"lookup"}}`)},
		{Event: "content_block_delta", Data: []byte(`{"index":1,"delta":{"type":"input_json_delta","partial_json":"{}"}}`)},
		{Event: "content_block_stop", Data: []byte(`{"index":1}`)},
		{Event: "message_delta", Data: []byte(`{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`)},
		{Event: "message_stop", Data: []byte(`{}`)},
	}
	evs := feed(t, NewStreamDecoder(gateway.ProtocolAnthropic), frames)

	want := []gateway.EventKind{
		gateway.EventStart, gateway.EventTextDelta,
		gateway.EventToolCallStart, gateway.EventToolArgsDelta, gateway.EventFinish,
	}
	got := kinds(evs)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	fin := evs[len(evs)-1]
	if fin.FinishReason != gateway.FinishToolCalls {
		t.Errorf("finish = %q", fin.FinishReason)
	}
	if fin.Usage == nil || fin.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", fin.Usage)
	}
	// Name precedes arguments for the same index.
	if evs[2].ToolName != "lookup" || evs[3].ToolCallID != "tu_1" {
		t.Errorf("tool events = %+v %+v", evs[2], evs[3])
	}
}

func TestResponsesStreamDecoder(t *testing.T) {
	frames := []Frame{
		{Event: "response.created", Data: []byte(`{"type":"response.created","response":{"id":"r1","model":"m"}}`)},
		{Event: "response.output_text.delta", Data: []byte(`{"type":"response.output_text.delta","delta":"he"}`)},
		{Event: "response.output_text.delta", Data: []byte(`{"type":"response.output_text.delta","delta":"y"}`)},
		{Event: "response.completed", Data: []byte(`{"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":1,"output_tokens":2}}}`)},
	}
	evs := feed(t, NewStreamDecoder(gateway.ProtocolResponses), frames)
	if len(evs) != 4 {
		t.Fatalf("events = %v", kinds(evs))
	}
	if evs[0].ID != "r1" || evs[3].FinishReason != gateway.FinishStop {
		t.Errorf("start=%+v finish=%+v", evs[0], evs[3])
	}
	if evs[3].Usage == nil || evs[3].Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", evs[3].Usage)
	}
}

// Translation: anthropic upstream replayed to a chat client.
func TestAnthropicToChatStream(t *testing.T) {
	dec := NewStreamDecoder(gateway.ProtocolAnthropic)
	enc := NewStreamEncoder(gateway.ProtocolChat)

	upstream := []Frame{
		{Event: "message_start", Data: []byte(`{"message":{"id":"msg_1","model":"m","usage":{"input_tokens":4}}}`)},
		{Event: "content_block_start", Data: []byte(`{"index":0,"content_block":{"type":"text"}}`)},
		{Event: "content_block_delta", Data: []byte(`{"index":0,"delta":{"type":"text_delta","text":"hello"}}`)},
		{Event: "message_delta", Data: []byte(`{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`)},
		{Event: "message_stop", Data: []byte(`{}`)},
	}

	var frames []Frame
	for _, f := range upstream {
		evs, err := dec.Decode(f.Event, string(f.Data))
		if err != nil {
			t.Fatal(err)
		}
		for _, ev := range evs {
			out, err := enc.Encode(ev)
			if err != nil {
				t.Fatal(err)
			}
			frames = append(frames, out...)
		}
	}

	last := frames[len(frames)-1]
	if string(last.Data) != chatDone {
		t.Fatalf("terminal frame = %q, want [DONE]", last.Data)
	}
	var text strings.Builder
	for _, f := range frames[:len(frames)-1] {
		r := gjson.ParseBytes(f.Data)
		text.WriteString(r.Get("choices.0.delta.content").String())
	}
	if text.String() != "hello" {
		t.Errorf("text = %q", text.String())
	}
}

// Translation: chat upstream replayed to an anthropic client.
func TestChatToAnthropicStream(t *testing.T) {
	dec := NewStreamDecoder(gateway.ProtocolChat)
	enc := NewStreamEncoder(gateway.ProtocolAnthropic)

	upstream := []Frame{
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{"role":"assistant"}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"lookup"}}]}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}`)},
		{Data: []byte(`{"id":"c1","model":"m","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)},
		{Data: []byte(chatDone)},
	}

	var events []string
	for _, f := range upstream {
		evs, err := dec.Decode(f.Event, string(f.Data))
		if err != nil {
			t.Fatal(err)
		}
		for _, ev := range evs {
			out, err := enc.Encode(ev)
			if err != nil {
				t.Fatal(err)
			}
			for _, o := range out {
				events = append(events, o.Event)
			}
		}
	}

	want := []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

// A finish with no prior blocks must not close a block that never opened.
func TestAnthropicEncoderFinishWithoutBlocks(t *testing.T) {
	enc := NewStreamEncoder(gateway.ProtocolAnthropic)
	frames, err := enc.Encode(gateway.StreamEvent{Kind: gateway.EventFinish, FinishReason: gateway.FinishStop})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range frames {
		names = append(names, f.Event)
	}
	want := []string{"message_delta", "message_stop"}
	if len(names) != len(want) {
		t.Fatalf("frames = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("frames = %v, want %v", names, want)
		}
	}
}

// Delta chunks carry a null finish_reason; only the finish chunk names one.
func TestChatEncoderFinishReasonPlacement(t *testing.T) {
	enc := NewStreamEncoder(gateway.ProtocolChat)
	evs := []gateway.StreamEvent{
		{Kind: gateway.EventStart, ID: "c1", Model: "m"},
		{Kind: gateway.EventTextDelta, Text: "hi"},
		{Kind: gateway.EventToolCallStart, Index: 0, ToolCallID: "t1", ToolName: "lookup"},
		{Kind: gateway.EventToolArgsDelta, Index: 0, ToolCallID: "t1", ArgsDelta: `{"q":1}`},
		{Kind: gateway.EventFinish, FinishReason: gateway.FinishToolCalls},
	}
	var frames []Frame
	for _, ev := range evs {
		out, err := enc.Encode(ev)
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, out...)
	}
	if len(frames) != 6 {
		t.Fatalf("frames = %d, want 5 chunks + [DONE]", len(frames))
	}
	for i, f := range frames[:4] {
		fr := gjson.GetBytes(f.Data, "choices.0.finish_reason")
		if fr.Type != gjson.Null {
			t.Errorf("chunk %d finish_reason = %s, want null", i, fr.Raw)
		}
	}
	if got := gjson.GetBytes(frames[4].Data, "choices.0.finish_reason").String(); got != "tool_calls" {
		t.Errorf("finish chunk finish_reason = %q", got)
	}
	if string(frames[5].Data) != chatDone {
		t.Errorf("terminal = %q", frames[5].Data)
	}
}

// Encoders always emit the tool name before any argument delta.
func TestResponsesEncoderToolOrdering(t *testing.T) {
	enc := NewStreamEncoder(gateway.ProtocolResponses)
	evs := []gateway.StreamEvent{
		{Kind: gateway.EventStart, ID: "r1", Model: "m"},
		{Kind: gateway.EventToolCallStart, Index: 0, ToolCallID: "c1", ToolName: "lookup"},
		{Kind: gateway.EventToolArgsDelta, Index: 0, ArgsDelta: `{"q":1}`},
		{Kind: gateway.EventFinish, FinishReason: gateway.FinishToolCalls},
	}
	var names []string
	for _, ev := range evs {
		frames, err := enc.Encode(ev)
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range frames {
			names = append(names, f.Event)
		}
	}
	want := []string{"response.created", "response.output_item.added", "response.function_call_arguments.delta", "response.completed", "response.done"}
	if len(names) != len(want) {
		t.Fatalf("frames = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("frames = %v, want %v", names, want)
		}
	}
}
