package envelope

import (
	"fmt"
	"strings"
)

// CustomIDSchema parses the underscore-delimited custom ids used by
// buttons, selects and modals, e.g. "alerts_toggle_position_<profile>".
// Each prefix declares its argument names once; ad-hoc splitting at
// call sites is what this replaces.
type CustomIDSchema struct {
	Prefix string
	Fields []string
}

// Build assembles a custom id from field values in schema order.
func (s CustomIDSchema) Build(values ...string) (string, error) {
	if len(values) != len(s.Fields) {
		return "", fmt.Errorf("customid: %s expects %d fields, got %d", s.Prefix, len(s.Fields), len(values))
	}
	if len(values) == 0 {
		return s.Prefix, nil
	}
	return s.Prefix + "_" + strings.Join(values, "_"), nil
}

// Parse extracts named fields from a custom id. The final field
// absorbs any remaining underscores, so only the last value may
// contain them.
func (s CustomIDSchema) Parse(customID string) (map[string]string, error) {
	if customID == s.Prefix {
		if len(s.Fields) == 0 {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("customid: %q missing fields %v", customID, s.Fields)
	}
	rest, ok := strings.CutPrefix(customID, s.Prefix+"_")
	if !ok {
		return nil, fmt.Errorf("customid: %q does not match prefix %q", customID, s.Prefix)
	}
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("customid: %q has trailing fields, schema %q declares none", customID, s.Prefix)
	}
	parts := strings.SplitN(rest, "_", len(s.Fields))
	if len(parts) < len(s.Fields) {
		return nil, fmt.Errorf("customid: %q has %d fields, schema %q wants %d", customID, len(parts), s.Prefix, len(s.Fields))
	}
	out := make(map[string]string, len(s.Fields))
	for i, name := range s.Fields {
		if parts[i] == "" {
			return nil, fmt.Errorf("customid: %q field %q is empty", customID, name)
		}
		out[name] = parts[i]
	}
	return out, nil
}

// Matches reports whether a custom id belongs to this schema.
func (s CustomIDSchema) Matches(customID string) bool {
	return customID == s.Prefix || strings.HasPrefix(customID, s.Prefix+"_")
}
