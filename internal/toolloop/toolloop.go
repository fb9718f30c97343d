// Package toolloop implements the server-tool loop controller for the
// responses endpoint: when a completion finishes with tool calls, the
// conversation state is parked in a TTL session keyed by the response ID,
// and the client resumes it by submitting tool outputs.
package toolloop

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/config"
)

// Session is one parked tool-loop conversation. It is owned by the
// controller; callers get it back on resume and must not retain it.
type Session struct {
	ResponseID string
	// Request is the canonical conversation up to and including the turn
	// that produced the pending calls.
	Request *gateway.CanonicalRequest
	// Decision is the routing decision that produced the pending calls;
	// continuations prefer the same key.
	Decision *gateway.RoutingDecision
	// Pending are the tool calls awaiting outputs, in emission order.
	Pending []gateway.ToolCall
	// Iterations counts completed loop round-trips.
	Iterations int
	// Protocol is the client's wire protocol for re-emission.
	Protocol gateway.Protocol
	BornAt   time.Time
}

// Controller stores and resumes tool-loop sessions. Sessions expire after
// the configured TTL and are capped in count; both bounds are enforced by
// the W-TinyLFU store.
type Controller struct {
	cfg      config.ToolLoopConfig
	sessions *otter.Cache[string, *Session]
}

// New creates a Controller with the configured TTL and session cap.
func New(cfg config.ToolLoopConfig) (*Controller, error) {
	sessions, err := otter.New[string, *Session](&otter.Options[string, *Session]{
		MaximumSize:      cfg.MaxSessions,
		ExpiryCalculator: otter.ExpiryWriting[string, *Session](cfg.SessionTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	return &Controller{cfg: cfg, sessions: sessions}, nil
}

// Park stores the conversation state behind its response ID, overwriting any
// previous state for the same ID.
func (c *Controller) Park(sess *Session) {
	if sess.BornAt.IsZero() {
		sess.BornAt = time.Now()
	}
	c.sessions.Set(sess.ResponseID, sess)
}

// Lookup returns the parked session without consuming it.
func (c *Controller) Lookup(responseID string) (*Session, bool) {
	return c.sessions.GetIfPresent(responseID)
}

// Resume consumes the parked session for responseID, merges the submitted
// tool outputs into the conversation, and returns the session ready for
// redispatch. The loop cap is enforced here: a session at the limit is
// dropped and toolLoopExhausted is returned.
func (c *Controller) Resume(responseID string, outputs []gateway.ToolResult) (*Session, error) {
	sess, ok := c.sessions.GetIfPresent(responseID)
	if !ok {
		return nil, gateway.E(gateway.KindClientError, "unknown or expired response %q", responseID)
	}

	// A malformed submission leaves the parked session intact for a retry.
	if err := validateOutputs(sess, outputs); err != nil {
		return nil, err
	}
	c.sessions.Invalidate(responseID)

	sess.Iterations++
	if sess.Iterations > c.cfg.MaxToolLoops {
		return nil, gateway.E(gateway.KindToolLoopExhausted,
			"response %q exceeded %d tool loops", responseID, c.cfg.MaxToolLoops)
	}

	mergeOutputs(sess, outputs)
	return sess, nil
}

// Complete drops the session; called when a continuation finishes without
// further tool calls.
func (c *Controller) Complete(responseID string) {
	c.sessions.Invalidate(responseID)
}

// validateOutputs checks that every pending call receives exactly one output
// and no output names an unknown call.
func validateOutputs(sess *Session, outputs []gateway.ToolResult) error {
	if len(outputs) == 0 {
		return gateway.E(gateway.KindClientError, "no tool outputs submitted")
	}
	pending := make(map[string]bool, len(sess.Pending))
	for _, tc := range sess.Pending {
		pending[tc.ID] = true
	}
	for _, out := range outputs {
		if !pending[out.CallID] {
			return gateway.E(gateway.KindClientError, "tool output for unknown or duplicate call %q", out.CallID)
		}
		delete(pending, out.CallID)
	}
	if len(pending) > 0 {
		return gateway.E(gateway.KindClientError, "%d pending tool calls received no output", len(pending))
	}
	return nil
}

// mergeOutputs appends the assistant tool-call turn and one tool-result turn
// per submitted output to the stored conversation. Outputs are pre-validated.
func mergeOutputs(sess *Session, outputs []gateway.ToolResult) {
	sess.Request.Messages = append(sess.Request.Messages, gateway.Message{
		Role:      gateway.RoleAssistant,
		ToolCalls: sess.Pending,
	})
	for _, out := range outputs {
		sess.Request.Messages = append(sess.Request.Messages, gateway.Message{
			Role:   gateway.RoleTool,
			Result: &gateway.ToolResult{CallID: out.CallID, Output: out.Output},
		})
	}
	sess.Pending = nil
}
