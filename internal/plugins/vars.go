package plugins

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/agencykit/agentd/internal/messages"
	"github.com/agencykit/agentd/internal/plan"
)

// varPattern matches $NAME references: an uppercase letter followed by
// uppercase letters, digits, or underscores.
var varPattern = regexp.MustCompile(`\$([A-Z][A-Z0-9_]*)`)

// VarsPlugin substitutes $NAME variable references in system prompts
// and tool call arguments. In prompts the value is stringified. In tool
// arguments a string that is exactly one reference keeps the variable's
// type; embedded references stringify. Unknown names are left verbatim.
func VarsPlugin() *Plugin {
	return &Plugin{
		Name: "vars",
		BeforeModel: func(ctx context.Context, rt Runtime, b *plan.Builder) error {
			b.TransformPrompt(func(s string) string {
				return SubstituteString(s, rt.Vars())
			})
			return nil
		},
		OnToolStart: func(ctx context.Context, rt Runtime, call *messages.ToolCall) (*ToolVeto, error) {
			call.Arguments = substituteValue(call.Arguments, rt.Vars()).(map[string]any)
			return nil, nil
		},
	}
}

// SubstituteString replaces every $NAME in s with the stringified value
// of vars[NAME], leaving unknown references in place.
func SubstituteString(s string, vars map[string]any) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return varPattern.ReplaceAllStringFunc(s, func(ref string) string {
		if v, ok := vars[ref[1:]]; ok {
			return stringify(v)
		}
		return ref
	})
}

// substituteValue walks an argument tree. Strings that are exactly one
// $NAME reference are replaced by the typed value; everything else goes
// through string substitution.
func substituteValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		if name, ok := exactRef(t); ok {
			if val, exists := vars[name]; exists {
				return val
			}
			return t
		}
		return SubstituteString(t, vars)
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = substituteValue(vv, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = substituteValue(vv, vars)
		}
		return out
	default:
		return v
	}
}

func exactRef(s string) (string, bool) {
	m := varPattern.FindStringSubmatch(s)
	if m != nil && m[0] == s {
		return m[1], true
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
