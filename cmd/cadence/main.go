package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cadence/backend/internal/config"
)

var (
	configFile string
	cfg        config.Config
	log        *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "cadence",
	Short:         "Recurring booking series service",
	Long:          "cadence expands recurring booking patterns into concrete instances, keeps a rolling window of future instances, and serves them over gRPC and HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd, previewCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the JSON logger.
func loadConfig() error {
	var err error
	cfg, err = config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "cadence"),
	)
	slog.SetDefault(log)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(backend, databaseURL string) []any {
	if backend == "sqlite" {
		return []any{slog.String("db_backend", backend), slog.String("db_name", databaseURL)}
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_backend", backend), slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_backend", backend),
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
