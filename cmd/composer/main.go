// Package main is the terminal composer. It sends through a running
// compose-server.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/shineum/mailcompose/internal/sendclient"
	"github.com/shineum/mailcompose/internal/ui/composer"
)

func main() {
	serverURL := flag.String("server", envOr("COMPOSE_SERVER_URL", "http://localhost:3000"), "base URL of the compose server")
	logFile := flag.String("log-file", "", "write JSON logs to this file (optional)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	closeLog, err := setupLogger(*logFile, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "composer: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	slog.Info("starting composer", "server", *serverURL)

	m := composer.New(sendclient.New(*serverURL))
	defer m.Close()

	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		slog.Error("composer error", "error", err)
		fmt.Fprintf(os.Stderr, "composer: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger sends logs to path, or discards them when path is empty since
// stdout belongs to the terminal UI.
func setupLogger(path, level string) (func(), error) {
	var w io.Writer = io.Discard
	closeFn := func() {}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
