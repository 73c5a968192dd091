// Package main is the entry point for the searchwarden API server.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/searchwarden/searchwarden/cmd/searchwarden-api/app"
)

// EnvPrefix is the prefix for environment variables consumed by the
// server (SWD_LOG_LEVEL, SWD_OPENSEARCH_PASSWORD, ...).
const EnvPrefix = "SWD"

// getLogLevel parses the SWD_LOG_LEVEL environment variable, defaulting
// to info.
func getLogLevel() slog.Level {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	switch strings.ToLower(v.GetString("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	// Structured JSON logging on stderr; stdout stays clean for
	// commands that output data (version --format json).
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: getLogLevel()})
	slog.SetDefault(slog.New(handler))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
