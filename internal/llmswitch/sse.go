package llmswitch

import (
	gateway "github.com/switchyardio/switchyard/internal"
)

// Frame is one SSE frame on the wire. Event is empty for data-only frames
// (the chat protocol); Data is the payload without the "data: " prefix.
type Frame struct {
	Event string
	Data  []byte
}

// StreamDecoder turns upstream SSE frames of one protocol into canonical
// stream events. Decoders are stateful and owned by a single stream.
type StreamDecoder interface {
	// Decode consumes one frame (event may be "") and returns zero or more
	// canonical events in order. Errors are structural: the stream is broken
	// and must be aborted.
	Decode(event, data string) ([]gateway.StreamEvent, error)
}

// StreamEncoder turns canonical stream events into the SSE frames of the
// client's protocol, including the protocol's terminal frames on EventFinish.
// Encoders are stateful and owned by a single stream.
type StreamEncoder interface {
	Encode(ev gateway.StreamEvent) ([]Frame, error)
}

// NewStreamDecoder returns a fresh decoder for the upstream protocol.
func NewStreamDecoder(proto gateway.Protocol) StreamDecoder {
	switch proto {
	case gateway.ProtocolChat:
		return &chatStreamDecoder{}
	case gateway.ProtocolResponses:
		return &responsesStreamDecoder{}
	case gateway.ProtocolAnthropic:
		return &anthropicStreamDecoder{}
	}
	return nil
}

// NewStreamEncoder returns a fresh encoder for the client protocol.
func NewStreamEncoder(proto gateway.Protocol) StreamEncoder {
	switch proto {
	case gateway.ProtocolChat:
		return &chatStreamEncoder{}
	case gateway.ProtocolResponses:
		return &responsesStreamEncoder{}
	case gateway.ProtocolAnthropic:
		return &anthropicStreamEncoder{openBlock: -1, textBlock: -1}
	}
	return nil
}
