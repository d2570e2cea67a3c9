package tools

import (
	"fmt"
	"strings"
)

// StringArg returns args[key] as a trimmed string, or "".
func StringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

// IntArg returns args[key] as an int. JSON numbers decode as float64;
// numeric strings are accepted too.
func IntArg(args map[string]any, key string) int {
	return int(FloatArg(args, key))
}

// FloatArg returns args[key] as a float64, or 0.
func FloatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

// StringSliceArg returns args[key] as a slice of strings. A single
// comma-separated string is split.
func StringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return v
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// RequireString returns args[key] or an error naming the missing argument.
func RequireString(args map[string]any, key string) (string, error) {
	v := StringArg(args, key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}
