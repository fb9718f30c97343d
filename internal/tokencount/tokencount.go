// Package tokencount provides token estimation for request classification.
// Uses a character-based heuristic (~4 chars per token for English) which is
// sufficient for routing thresholds. The classifier accepts any Estimator, so
// an exact BPE counter can be swapped in without touching call sites.
package tokencount

import (
	gateway "github.com/switchyardio/switchyard/internal"
)

// Estimator estimates the total token count of a canonical request.
type Estimator interface {
	EstimateRequest(req *gateway.CanonicalRequest) int
}

// Counter is the default character-heuristic estimator.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a canonical request:
// instructions, all message parts, tool calls and results, and tool schemas.
// Non-text parts contribute their serialized length.
func (c *Counter) EstimateRequest(req *gateway.CanonicalRequest) int {
	total := estimateTokens(req.Instructions)
	for i := range req.Messages {
		m := &req.Messages[i]
		total += messageOverhead
		total += estimateTokens(m.Role)
		for _, p := range m.Parts {
			switch p.Type {
			case gateway.PartText:
				total += estimateTokens(p.Text)
			case gateway.PartImageURL:
				total += estimateTokens(p.ImageURL)
			case gateway.PartImageData:
				total += estimateTokens(p.Data)
			}
		}
		for _, tc := range m.ToolCalls {
			total += estimateTokens(tc.Name) + estimateTokens(tc.Arguments)
		}
		if m.Result != nil {
			total += estimateTokens(m.Result.Output)
		}
	}
	for _, t := range req.Tools {
		total += estimateTokens(t.Name) + estimateTokens(t.Description)
		total += estimateTokens(string(t.Parameters))
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message framing cost (role, separators).
const messageOverhead = 4
