// Package redact removes sensitive fields from tool payloads before they
// are logged, persisted, or fed back into the conversation.
package redact

import "strings"

// Placeholder replaces redacted values. Kept short so token accounting on
// redacted payloads stays cheap.
const Placeholder = "[REDACTED]"

// Fields returns a copy of payload with every field named in fields
// replaced by the placeholder, at any nesting depth. Matching is
// case-insensitive. The input map is never mutated.
func Fields(fields []string, payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	if len(fields) == 0 {
		return clone(payload)
	}

	match := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		match[strings.ToLower(f)] = struct{}{}
	}
	return redactMap(match, payload)
}

// Rows applies Fields to each row of structured tool output.
func Rows(fields []string, rows []map[string]any) []map[string]any {
	if rows == nil {
		return nil
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = Fields(fields, row)
	}
	return out
}

func redactMap(match map[string]struct{}, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, hit := match[strings.ToLower(k)]; hit {
			out[k] = Placeholder
			continue
		}
		out[k] = redactValue(match, v)
	}
	return out
}

func redactValue(match map[string]struct{}, v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(match, t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(match, e)
		}
		return out
	default:
		return v
	}
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = clone(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]any); ok {
					cp[i] = clone(em)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
