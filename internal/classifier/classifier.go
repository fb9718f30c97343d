// Package classifier maps an inbound canonical request to a route category.
// Classification is deterministic: identical inputs always produce the same
// verdict, and malformed input falls back to the default route rather than
// failing the request.
package classifier

import (
	"sort"
	"strings"

	gateway "github.com/switchyardio/switchyard/internal"
	"github.com/switchyardio/switchyard/internal/config"
	"github.com/switchyardio/switchyard/internal/tokencount"
)

// Tool categories detected from tool names and descriptions.
const (
	CategoryWebSearch     = "webSearch"
	CategoryCodeExecution = "codeExecution"
	CategoryFileSearch    = "fileSearch"
	CategoryDataAnalysis  = "dataAnalysis"
)

// Classifier produces route classifications from canonical requests.
type Classifier struct {
	cfg       config.ClassificationConfig
	estimator tokencount.Estimator
}

// New returns a Classifier using the given rules and token estimator.
// A nil estimator falls back to the default character-heuristic counter.
func New(cfg config.ClassificationConfig, est tokencount.Estimator) *Classifier {
	if est == nil {
		est = tokencount.NewCounter()
	}
	return &Classifier{cfg: cfg, estimator: est}
}

// signals holds the detected request features that drive route gates.
type signals struct {
	totalTokens int
	categories  map[string]bool
	vision      bool
	thinking    bool
}

// Classify maps the request to a route. It never fails: a nil request or any
// malformed shape yields the default route with reason "classification-fallback".
func (c *Classifier) Classify(req *gateway.CanonicalRequest) gateway.Classification {
	if req == nil {
		return gateway.Classification{
			Route:      gateway.RouteDefault,
			Confidence: 1,
			Reasons:    []string{"classification-fallback"},
		}
	}

	sig := c.detect(req)

	type candidate struct {
		route    string
		priority int
		reason   string
	}
	var qualifiers []candidate
	for name, dec := range c.cfg.RoutingDecisions {
		reason, ok := c.qualifies(name, dec, sig)
		if !ok {
			continue
		}
		qualifiers = append(qualifiers, candidate{route: name, priority: dec.Priority, reason: reason})
	}
	// Priority descending; name ascending keeps equal priorities deterministic.
	sort.Slice(qualifiers, func(i, j int) bool {
		if qualifiers[i].priority != qualifiers[j].priority {
			return qualifiers[i].priority > qualifiers[j].priority
		}
		return qualifiers[i].route < qualifiers[j].route
	})

	out := gateway.Classification{
		Route:       gateway.RouteDefault,
		Confidence:  1,
		TotalTokens: sig.totalTokens,
		Reasons:     []string{"default"},
	}
	if len(qualifiers) == 0 || qualifiers[0].route == string(gateway.RouteDefault) {
		return out
	}

	win := qualifiers[0]
	out.Route = gateway.Route(win.route)
	out.Reasons = []string{win.reason}
	out.Confidence = 1
	if len(qualifiers) > 1 {
		// Confidence is the priority margin over the runner-up, scaled to one
		// priority band (20 points).
		margin := float64(win.priority - qualifiers[1].priority)
		out.Confidence = min(1, margin/20.0)
	}

	if out.Confidence < c.cfg.ConfidenceThreshold {
		out.Alternative = out.Route
		out.Route = gateway.RouteDefault
		out.Reasons = append(out.Reasons, "low-confidence")
	}
	return out
}

// qualifies applies the route's configured gates plus the built-in gate for
// its name. The returned reason names the rule that matched.
func (c *Classifier) qualifies(name string, dec config.RouteDecision, sig signals) (string, bool) {
	for _, t := range dec.ToolTypes {
		if !sig.categories[t] {
			return "", false
		}
	}
	if sig.totalTokens < dec.TokenThreshold {
		return "", false
	}

	switch gateway.Route(name) {
	case gateway.RouteVision:
		if !sig.vision {
			return "", false
		}
		return "vision-part-detected", true
	case gateway.RouteThinking:
		if !sig.thinking {
			return "", false
		}
		return "thinking-keyword", true
	case gateway.RouteLongContext:
		if sig.totalTokens < c.cfg.LongContextThresholdTokens {
			return "", false
		}
		return "long-context-threshold", true
	case gateway.RouteTools:
		// Web-search-only requests belong to the webSearch route; tools is
		// for execution, file and data tooling.
		if !sig.categories[CategoryCodeExecution] && !sig.categories[CategoryFileSearch] && !sig.categories[CategoryDataAnalysis] {
			return "", false
		}
		return "tool-category:" + joinCategories(sig.categories), true
	case gateway.RouteCoding:
		return "code-execution-tools", true
	case gateway.RouteWebSearch:
		return "web-search-tools", true
	case gateway.RouteDefault:
		return "default", true
	default:
		// Custom routes qualify on their configured gates alone.
		return "route:" + name, true
	}
}

// detect extracts the classification signals from the request.
func (c *Classifier) detect(req *gateway.CanonicalRequest) signals {
	sig := signals{
		totalTokens: c.estimator.EstimateRequest(req),
		categories:  map[string]bool{},
	}

	for _, t := range req.Tools {
		probe := strings.ToLower(t.Name + " " + t.Description)
		if matchAny(probe, c.cfg.ToolPatterns.WebSearch) {
			sig.categories[CategoryWebSearch] = true
		}
		if matchAny(probe, c.cfg.ToolPatterns.CodeExecution) {
			sig.categories[CategoryCodeExecution] = true
		}
		if matchAny(probe, c.cfg.ToolPatterns.FileSearch) {
			sig.categories[CategoryFileSearch] = true
		}
		if matchAny(probe, c.cfg.ToolPatterns.DataAnalysis) {
			sig.categories[CategoryDataAnalysis] = true
		}
	}

	var userText strings.Builder
	userText.WriteString(strings.ToLower(req.Instructions))
	for i := range req.Messages {
		m := &req.Messages[i]
		for _, p := range m.Parts {
			switch p.Type {
			case gateway.PartImageURL, gateway.PartImageData:
				sig.vision = true
			case gateway.PartText:
				if m.Role == gateway.RoleUser {
					userText.WriteByte('\n')
					userText.WriteString(strings.ToLower(p.Text))
				}
			}
		}
	}

	text := userText.String()
	for _, kw := range c.cfg.ThinkingKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			sig.thinking = true
			break
		}
	}
	return sig
}

func matchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func joinCategories(set map[string]bool) string {
	cats := make([]string, 0, len(set))
	for c := range set {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return strings.Join(cats, ",")
}
