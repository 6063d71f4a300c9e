// Package main is the entry point for the compose server, which exposes the
// send endpoint and forwards requests to the configured mail upstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/mailcompose/internal/certs"
	"github.com/shineum/mailcompose/internal/config"
	"github.com/shineum/mailcompose/internal/route"
	"github.com/shineum/mailcompose/internal/upstream"
	"github.com/shineum/mailcompose/internal/upstream/graph"
	"github.com/shineum/mailcompose/internal/upstream/logsink"
	"github.com/shineum/mailcompose/internal/upstream/relay"
	"github.com/shineum/mailcompose/internal/upstream/resend"
	"github.com/shineum/mailcompose/internal/upstream/ses"
)

const shutdownTimeout = 20 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envDir := flag.String("env-dir", ".", "directory holding .env and .env.<ENV> files")
	writeCert := flag.Bool("write-self-signed", false, "write a self-signed pair to TLS_CERT_FILE and TLS_KEY_FILE, then exit")
	flag.Parse()

	loaded, err := config.LoadDotEnv(*envDir)
	if err != nil {
		slog.Error("failed to load .env files", "error", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if len(loaded) > 0 {
		slog.Debug("loaded env files", "files", loaded)
	}

	if *writeCert {
		if err := writeSelfSigned(cfg.TLS); err != nil {
			slog.Error("failed to write self-signed certificate", "error", err)
			os.Exit(1)
		}
		slog.Info("wrote self-signed certificate",
			"cert_file", cfg.TLS.CertFile,
			"key_file", cfg.TLS.KeyFile,
			"hosts", cfg.TLS.Hosts,
		)
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tlsConfig, err := certs.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.SelfSigned, cfg.TLS.Hosts...)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	up, err := selectUpstream(ctx, cfg)
	if err != nil {
		slog.Error("failed to create upstream", "error", err)
		os.Exit(1)
	}

	router := route.NewRouter(up, route.Options{
		Timeout:            cfg.Upstream.Timeout,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		Logger:             slog.Default(),
	})
	defer router.Close()

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting compose-server",
		"listen", cfg.Server.Listen,
		"upstream", up.Name(),
		"timeout", cfg.Upstream.Timeout.String(),
		"rate_limit_per_minute", cfg.Server.RateLimitPerMinute,
		"tls_mode", tlsMode(cfg),
	)

	if err := serve(ctx, server); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("compose-server stopped")
}

// serve runs server until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("received signal, initiating shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return <-errCh
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
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

// writeSelfSigned generates a certificate for the configured hosts and stores
// it at the configured cert and key paths.
func writeSelfSigned(tc config.TLSConfig) error {
	if tc.CertFile == "" || tc.KeyFile == "" {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE are required")
	}
	pair, err := certs.GenerateSelfSigned(tc.Hosts...)
	if err != nil {
		return err
	}
	return pair.WriteFiles(tc.CertFile, tc.KeyFile)
}

func tlsMode(cfg *config.Config) string {
	switch {
	case cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "":
		return "file"
	case cfg.TLS.SelfSigned:
		return "self-signed"
	default:
		return "off"
	}
}

// selectUpstream builds the mail backend chosen by cfg.ResolveProvider.
// cfg must already have passed Validate.
func selectUpstream(ctx context.Context, cfg *config.Config) (upstream.Upstream, error) {
	switch p := cfg.ResolveProvider(); p {
	case config.ProviderRelay:
		slog.Info("using relay upstream", "url", cfg.Upstream.URL)
		return relay.New(relay.Config{
			BaseURL: cfg.Upstream.URL,
			APIKey:  cfg.Upstream.APIKey,
		}), nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph upstream", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES upstream",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		s, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES upstream: %w", err)
		}
		return s, nil

	case config.ProviderResend:
		slog.Info("using Resend upstream", "from", cfg.Resend.From)
		return resend.New(resend.Config{
			APIKey: cfg.Resend.APIKey,
			From:   cfg.Resend.From,
		}), nil

	case config.ProviderLog:
		slog.Info("no mail service configured, logging messages to stdout")
		return logsink.New(), nil

	default:
		return nil, fmt.Errorf("unknown upstream provider %q", p)
	}
}
