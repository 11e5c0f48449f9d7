package main

import (
	"io"
	"log/slog"
	"os"
)

func configureLogging(aid string) {
	slog.SetDefault(newLogger(os.Stderr, aid))
	slog.Debug("debug logging enabled")
}

func newLogger(w io.Writer, aid string) *slog.Logger {
	var (
		logger         *slog.Logger
		logHandler     slog.Handler
		handlerOptions slog.HandlerOptions
	)

	// Configure Log Handler
	if EnvDebugLogging.IsUnset() {
		handlerOptions = slog.HandlerOptions{Level: slog.LevelInfo}
	} else {
		handlerOptions = slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}
	}

	// Setup Log Format
	if EnvJSONLogging.IsSet() {
		logHandler = slog.NewJSONHandler(w, &handlerOptions)
	} else {
		logHandler = slog.NewTextHandler(w, &handlerOptions)
	}

	logger = slog.New(logHandler)

	// Several agents usually log to the same aggregator
	if EnvLogAgentID.IsSet() {
		logger = logger.With("agent_id", aid)
	}
	return logger
}
