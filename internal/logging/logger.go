package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	InitLevel(slog.LevelDebug)
}

// InitLevel configures the global slog logger with an explicit minimum
// level for the non-production text handler.
func InitLevel(level slog.Leveler) {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithRun returns a logger with program-run context fields attached.
// Use this for all logging within one program execution.
func WithRun(runID, sessionID string) *slog.Logger {
	return slog.With(
		"run_id", runID,
		"session_id", sessionID,
	)
}

// WithWorkflow returns a logger scoped to a specific workflow within a run.
func WithWorkflow(logger *slog.Logger, workflow string) *slog.Logger {
	return logger.With("workflow", workflow)
}
