// Package logging configures the process-wide structured logger.
//
// Production and staging emit JSON on stdout for the log shipper;
// development and test emit text. Secrets never reach a handler: known
// sensitive keys are redacted and URLs are masked before logging.
package logging

import (
	"log/slog"
	"net/url"
	"os"
	"strings"
)

// Extra levels beyond the slog built-ins. TRACE sits below DEBUG and
// FATAL above ERROR, matching the LOG_LEVEL contract.
const (
	LevelTrace = slog.LevelDebug - 4
	LevelFatal = slog.LevelError + 4
)

const redacted = "[REDACTED]"

// Keys whose values are always redacted, whatever the record.
var sensitiveKeys = map[string]bool{
	"token":             true,
	"bot_token":         true,
	"interaction_token": true,
	"password":          true,
	"authorization":     true,
}

// New builds a logger for the given NODE_ENV and LOG_LEVEL values and
// installs it as the slog default.
func New(env, level string, service string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	switch env {
	case "production", "staging":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a LOG_LEVEL string onto a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok {
			switch {
			case level <= LevelTrace:
				a.Value = slog.StringValue("TRACE")
			case level >= LevelFatal:
				a.Value = slog.StringValue("FATAL")
			}
		}
		return a
	}
	if sensitiveKeys[strings.ToLower(a.Key)] {
		a.Value = slog.StringValue(redacted)
	}
	return a
}

// MaskURL strips the password from a connection URL so it is safe to
// log. Unparseable input is fully redacted rather than leaked.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	return u.Redacted()
}
