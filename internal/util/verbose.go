package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	logger   *slog.Logger
	loggerMu sync.Mutex
)

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(verbose bool) {
	InitLoggerTo(os.Stdout, verbose)
}

// InitLoggerTo initializes the global logger writing to w.
func InitLoggerTo(w io.Writer, verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo, // Default level
	}

	if verbose {
		opts.Level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(w, opts)

	loggerMu.Lock()
	logger = slog.New(handler)
	slog.SetDefault(logger)
	loggerMu.Unlock()
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()

	if l == nil {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
		return GetLogger()
	}
	return l
}

// DeviceLogger returns the global logger tagged with a device index.
func DeviceLogger(index int) *slog.Logger {
	return GetLogger().With("device", index)
}

// IsVerbose checks if verbose mode is enabled by looking at command line arguments
// or the DEPTHSTREAM_VERBOSE environment variable.
func IsVerbose() bool {
	if v := os.Getenv("DEPTHSTREAM_VERBOSE"); v == "1" || v == "true" {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}
