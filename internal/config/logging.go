package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below Debug and is used for full LLM request and
// response payloads.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps log_level to a slog level. Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// secretKeys are attribute keys whose values never reach the log. User
// bearer tokens and app credentials pass through most components.
var secretKeys = map[string]bool{
	"token":         true,
	"bearer":        true,
	"authorization": true,
	"client_secret": true,
	"api_key":       true,
	"password":      true,
}

// ReplaceLogAttrs is the handler ReplaceAttr hook: it prints LevelTrace
// as TRACE and masks credential-bearing attributes.
func ReplaceLogAttrs(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
		return a
	}
	if secretKeys[strings.ToLower(a.Key)] && a.Value.Kind() == slog.KindString && a.Value.String() != "" {
		a.Value = slog.StringValue("[redacted]")
	}
	return a
}

// NewLogger builds the process logger for log_format "text" or "json".
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceLogAttrs}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
