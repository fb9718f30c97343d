package llmswitch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	gateway "github.com/switchyardio/switchyard/internal"
)

// toolNamePattern is the canonical tool name grammar. Names outside it are
// rejected at normalization.
var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// markupTokens are fragments of stray tool-use markup that occasionally leak
// into argument strings. An argument that fails JSON parsing and contains one
// of these is rejected rather than passed through.
var markupTokens = []string{
	"<tool_use>", "</tool_use>", "<function_call>", "```json", "<invoke",
}

// NormalizeTools canonicalizes inbound tool definitions: provider wrappers
// are stripped, string-delivered parameter schemas are parsed, invalid names
// are rejected, and name collisions are renamed with a deterministic suffix.
// The returned alias map (normalized -> original) is nil when nothing was
// renamed; it rides on the canonical request for reverse translation.
func NormalizeTools(tools []gateway.Tool) ([]gateway.Tool, map[string]string, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}

	out := make([]gateway.Tool, 0, len(tools))
	seen := make(map[string]bool, len(tools))
	var aliases map[string]string

	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if !toolNamePattern.MatchString(name) {
			return nil, nil, gateway.E(gateway.KindSwitchFailed, "invalid tool name %q", t.Name)
		}

		params := t.Parameters
		if p, err := unquoteSchema(params); err != nil {
			return nil, nil, gateway.Wrap(gateway.KindSwitchFailed, err, "tool "+name+": bad parameters")
		} else if p != nil {
			params = p
		}

		if seen[name] {
			renamed := rename(name, seen)
			if aliases == nil {
				aliases = make(map[string]string)
			}
			aliases[renamed] = name
			name = renamed
		}
		seen[name] = true
		out = append(out, gateway.Tool{Name: name, Description: t.Description, Parameters: params})
	}
	return out, aliases, nil
}

// unquoteSchema parses a parameters schema that was delivered as a JSON
// string instead of an object. Returns nil when params is already an object
// (or empty).
func unquoteSchema(params json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(params))
	if trimmed == "" || trimmed[0] != '"' {
		return nil, nil
	}
	var inner string
	if err := json.Unmarshal(params, &inner); err != nil {
		return nil, fmt.Errorf("unquote schema: %w", err)
	}
	if !json.Valid([]byte(inner)) {
		return nil, fmt.Errorf("parameters string is not valid JSON")
	}
	return json.RawMessage(inner), nil
}

// rename appends the first free numeric suffix: name_2, name_3, ...
func rename(name string, seen map[string]bool) string {
	for i := 2; ; i++ {
		candidate := name + "_" + strconv.Itoa(i)
		if !seen[candidate] {
			return candidate
		}
	}
}

// OriginalToolName resolves a possibly renamed tool name back to the
// caller's original via the request's alias map.
func OriginalToolName(req *gateway.CanonicalRequest, name string) string {
	if req == nil || req.ToolAliases == nil {
		return name
	}
	if orig, ok := req.ToolAliases[name]; ok {
		return orig
	}
	return name
}

// NormalizeArguments validates one tool call's argument payload. Valid JSON
// objects pass through compacted; empty input normalizes to "{}"; anything
// that fails to parse AND carries known markup tokens is rejected. Other
// unparseable strings are kept raw -- some providers stream arguments the
// client reassembles itself.
func NormalizeArguments(args string) (string, error) {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || trimmed == "null" {
		return "{}", nil
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	lower := strings.ToLower(trimmed)
	for _, tok := range markupTokens {
		if strings.Contains(lower, tok) {
			return "", gateway.E(gateway.KindSwitchFailed, "tool arguments contain stray markup")
		}
	}
	return trimmed, nil
}

// ValidateArgumentKeys verifies the top-level keys of a parsed argument
// object against the tool's parameter schema properties, when the schema
// declares any. Unknown keys fail the call; a schema without properties
// accepts everything.
func ValidateArgumentKeys(tool *gateway.Tool, args string) error {
	if tool == nil || len(tool.Parameters) == 0 {
		return nil
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(tool.Parameters, &schema); err != nil || len(schema.Properties) == 0 {
		return nil
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		// Non-object arguments are handled by NormalizeArguments.
		return nil
	}
	for k := range parsed {
		if _, ok := schema.Properties[k]; !ok {
			return gateway.E(gateway.KindSwitchFailed, "tool %s: unexpected argument %q", tool.Name, k)
		}
	}
	return nil
}
