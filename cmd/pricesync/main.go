// Command pricesync keeps the local price catalog in step with the supplier
// feed.
//
// Usage:
//
//	pricesync sync                      # one run, report on stdout
//	pricesync serve                     # HTTP trigger, status and metrics
//	pricesync missing list              # SKUs absent from recent feeds
//	pricesync missing confirm           # delete them with their history
//	pricesync missing discard           # keep them, clear the list
//	pricesync status                    # database and last run summary
//	pricesync runs [run-id]             # run log
//
// Configuration comes from --config (YAML), then environment variables
// (PRICE_JSON_URL, PRICE_DB_PATH, TG_BOT_TOKEN, ...).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/pricesync/observability"
	"github.com/hazyhaar/pricesync/pricesync"
)

var (
	configPath string
	logLevel   string

	cfg       *pricesync.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "pricesync",
	Short:         "Synchronize the price catalog with the supplier feed",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(configPath, os.Getenv)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, logCloser, err = observability.NewLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to pricesync.yaml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(syncCmd, serveCmd, missingCmd, statusCmd, runsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		l := logger
		if l == nil {
			l = slog.New(slog.NewJSONHandler(os.Stderr, nil))
		}
		l.Error("pricesync: fatal", "error", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the optional YAML file and applies environment overrides.
func loadConfig(path string, getenv func(string) string) (*pricesync.Config, error) {
	c := &pricesync.Config{}
	if path != "" {
		var err error
		if c, err = pricesync.LoadConfigFile(path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := c.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	return c, nil
}

func openService(opts ...pricesync.Option) (*pricesync.Service, error) {
	svc, err := pricesync.New(cfg, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return svc, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
