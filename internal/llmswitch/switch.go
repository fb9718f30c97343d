// Package llmswitch implements the protocol switch: bidirectional semantic
// conversion between the chat, responses and anthropic wire protocols via one
// canonical form and six codecs (three inbound, three outbound), plus the
// SSE frame translation for each protocol.
//
// Conversion errors on optional fields are logged and dropped; structural
// violations (unparseable bodies, broken tool pairing referenced as required
// action) fail with KindSwitchFailed and are never retried.
package llmswitch

import (
	gateway "github.com/switchyardio/switchyard/internal"
)

// DecodeRequest canonicalizes an inbound wire request body.
func DecodeRequest(proto gateway.Protocol, body []byte) (*gateway.CanonicalRequest, error) {
	switch proto {
	case gateway.ProtocolChat:
		return decodeChatRequest(body)
	case gateway.ProtocolResponses:
		return decodeResponsesRequest(body)
	case gateway.ProtocolAnthropic:
		return decodeAnthropicRequest(body)
	default:
		return nil, gateway.E(gateway.KindSwitchFailed, "unknown protocol %q", proto)
	}
}

// EncodeRequest serializes a canonical request into the wire shape of the
// upstream provider's protocol.
func EncodeRequest(proto gateway.Protocol, req *gateway.CanonicalRequest) ([]byte, error) {
	switch proto {
	case gateway.ProtocolChat:
		return encodeChatRequest(req)
	case gateway.ProtocolResponses:
		return encodeResponsesRequest(req)
	case gateway.ProtocolAnthropic:
		return encodeAnthropicRequest(req)
	default:
		return nil, gateway.E(gateway.KindSwitchFailed, "unknown protocol %q", proto)
	}
}

// DecodeResponse canonicalizes a non-stream upstream JSON response body.
func DecodeResponse(proto gateway.Protocol, body []byte) (*gateway.CanonicalResponse, error) {
	switch proto {
	case gateway.ProtocolChat:
		return decodeChatResponse(body)
	case gateway.ProtocolResponses:
		return decodeResponsesResponse(body)
	case gateway.ProtocolAnthropic:
		return decodeAnthropicResponse(body)
	default:
		return nil, gateway.E(gateway.KindSwitchFailed, "unknown protocol %q", proto)
	}
}

// EncodeResponse re-emits a canonical response in the client's wire shape.
func EncodeResponse(proto gateway.Protocol, resp *gateway.CanonicalResponse) ([]byte, error) {
	switch proto {
	case gateway.ProtocolChat:
		return encodeChatResponse(resp)
	case gateway.ProtocolResponses:
		return encodeResponsesResponse(resp)
	case gateway.ProtocolAnthropic:
		return encodeAnthropicResponse(resp)
	default:
		return nil, gateway.E(gateway.KindSwitchFailed, "unknown protocol %q", proto)
	}
}

// finishReason maps a provider-specific finish string onto the canonical set.
func finishReason(proto gateway.Protocol, s string) gateway.FinishReason {
	switch proto {
	case gateway.ProtocolChat:
		switch s {
		case "stop", "":
			return gateway.FinishStop
		case "tool_calls", "function_call":
			return gateway.FinishToolCalls
		case "length":
			return gateway.FinishLength
		case "content_filter":
			return gateway.FinishContentFilter
		}
	case gateway.ProtocolResponses:
		switch s {
		case "completed", "":
			return gateway.FinishStop
		case "requires_action":
			return gateway.FinishToolCalls
		case "incomplete":
			return gateway.FinishLength
		}
	case gateway.ProtocolAnthropic:
		switch s {
		case "end_turn", "":
			return gateway.FinishStop
		case "tool_use":
			return gateway.FinishToolCalls
		case "max_tokens":
			return gateway.FinishLength
		case "stop_sequence":
			return gateway.FinishContentFilter
		}
	}
	return gateway.FinishStop
}

// wireFinish maps the canonical finish reason onto a protocol's vocabulary.
func wireFinish(proto gateway.Protocol, r gateway.FinishReason) string {
	switch proto {
	case gateway.ProtocolChat:
		return string(r)
	case gateway.ProtocolResponses:
		switch r {
		case gateway.FinishToolCalls:
			return "requires_action"
		case gateway.FinishLength, gateway.FinishContentFilter:
			return "incomplete"
		default:
			return "completed"
		}
	case gateway.ProtocolAnthropic:
		switch r {
		case gateway.FinishToolCalls:
			return "tool_use"
		case gateway.FinishLength:
			return "max_tokens"
		case gateway.FinishContentFilter:
			return "stop_sequence"
		default:
			return "end_turn"
		}
	}
	return string(r)
}
