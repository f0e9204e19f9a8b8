package hostcap

import (
	"context"
	"log/slog"
)

// NewLogFunc returns the log host function for one module. Guest log calls
// never fail: a missing or unknown level clamps to info, a missing message
// logs empty.
func NewLogFunc(logger *slog.Logger, module string) Func {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", module))

	return func(ctx context.Context, args map[string]any) (any, error) {
		level := slog.LevelInfo
		switch args["level"] {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		msg, _ := args["message"].(string)

		var attrs []any
		if fields, ok := args["fields"].(map[string]any); ok {
			for k, v := range fields {
				attrs = append(attrs, slog.Any(k, v))
			}
		}

		logger.Log(ctx, level, msg, attrs...)
		return "ok", nil
	}
}
