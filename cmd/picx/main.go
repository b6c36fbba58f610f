package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// configureLogger installs the process-wide slog handler.
func configureLogger(debug bool) {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    debug,
	})

	slog.SetDefault(slog.New(handler))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("picx exited with error", "error", err)
		os.Exit(1)
	}
}
