package pkg

import (
	"log/slog"
	"os"
)

// SetupLogger builds the process-wide structured JSON logger and installs
// it as the slog default, per spec.md §6's ambient logging stack.
func SetupLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
