package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agime-team/agentstream/config"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the execution streaming HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to agentstream.yaml")
	cmd.Flags().IntP("port", "p", 8090, "Listen port")
	cmd.Flags().String("host", "127.0.0.1", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to the SQLite execution ledger (default: in-memory)")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key as name=key (repeatable)")
	cmd.Flags().String("default-provider", echoProvider, "Provider used when a request names none")
	cmd.Flags().Duration("echo-delay", 0, "Delay between words for the echo provider")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint (host:port or URL)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps push sessions open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

// loadServeConfig resolves the config file, applies environment overrides
// and then explicitly set flags.
func loadServeConfig(cmd *cobra.Command, environ []string) (config.File, error) {
	explicitPath, _ := cmd.Flags().GetString("config")
	path, found, err := config.Discover(explicitPath)
	if err != nil {
		return config.File{}, exitError(exitConfig, "%v", err)
	}
	if !found {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, exitError(exitConfig, "%v", err)
	}
	if err := cfg.ApplyEnv(environ); err != nil {
		return config.File{}, exitError(exitConfig, "%v", err)
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-body") {
		cfg.Server.MaxBody, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("read-timeout") || cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("write-timeout") {
		cfg.Server.WriteTimeout, _ = flags.GetDuration("write-timeout")
	}
	if flags.Changed("sqlite-path") {
		p, _ := flags.GetString("sqlite-path")
		cfg.Ledger.SQLitePath = strings.TrimSpace(p)
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}

	providerFlags, _ := flags.GetStringArray("provider-key")
	keys, err := parseProviderFlags(providerFlags)
	if err != nil {
		return config.File{}, exitError(exitProvider, "invalid provider flag: %v", err)
	}
	for name, key := range keys {
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]config.Provider)
		}
		p := cfg.Providers[name]
		p.APIKey = key
		cfg.Providers[name] = p
	}

	if err := cfg.Validate(); err != nil {
		return config.File{}, exitError(exitConfig, "invalid configuration: %v", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := NewLogger(cmd)
	slog.SetDefault(logger)

	cfg, err := loadServeConfig(cmd, os.Environ())
	if err != nil {
		return err
	}
	defaultProvider, _ := cmd.Flags().GetString("default-provider")
	echoDelay, _ := cmd.Flags().GetDuration("echo-delay")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{DefaultProvider: defaultProvider, EchoDelay: echoDelay}, logger)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return exitError(exitRuntime, "starting server: %v", err)
	}
	a.reaper.Start()

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "agentstream listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = exitError(exitRuntime, "server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Cancel executions first so open push sessions receive their done
	// frame before the listener drains.
	a.cancelActive()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = exitError(exitRuntime, "shutdown error: %v", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("shutdown cleanup failed", "error", err)
	}
	return serveErr
}
