package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a new slog.Logger instance with the specified logging level
// level can be: "info", "debug", "warn", "error"
// Default is "info"
func New(level string) *slog.Logger {
	return newLogger(os.Stdout, level, "text")
}

// NewJSON creates a new slog.Logger with JSON output
func NewJSON(level string) *slog.Logger {
	return newLogger(os.Stdout, level, "json")
}

// NewWithFormat picks the handler from the configured log format ("text" or "json").
func NewWithFormat(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TruncateLongFields shortens long string values in a JSON-RPC payload for debug logging.
// Calldata, bytecode and bloom filters can be hundreds of kilobytes.
// Non-JSON input is returned as-is.
func TruncateLongFields(body string, maxFieldLength int) string {
	var data interface{}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return body
	}

	data = truncateValue(data, maxFieldLength)

	truncated, err := json.Marshal(data)
	if err != nil {
		return body
	}

	return string(truncated)
}

// truncateValue recursively truncates long string values in a map or slice
func truncateValue(v interface{}, maxLength int) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for key, value := range val {
			switch key {
			case "input", "data", "logsBloom", "code":
				// Hex blobs: keep only a short prefix
				if str, ok := value.(string); ok && len(str) > 50 {
					val[key] = fmt.Sprintf("%s... [truncated %d chars]", str[:50], len(str)-50)
					continue
				}
				val[key] = truncateValue(value, maxLength)
			default:
				val[key] = truncateValue(value, maxLength)
			}
		}
		return val
	case []interface{}:
		for i := range val {
			val[i] = truncateValue(val[i], maxLength)
		}
		return val
	case string:
		if len(val) > maxLength {
			return val[:maxLength] + "... [truncated]"
		}
		return val
	default:
		return v
	}
}
