// Command caresync is the operator tool for a caresync installation: it
// logs events, manages sleep sessions, runs sync and migration, and serves
// the status dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nuzzle/caresync/internal/app"
	"github.com/nuzzle/caresync/internal/config"
	"github.com/nuzzle/caresync/internal/logging"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "caresync",
	Short: "Local-first baby care log with remote sync",
	Long: `caresync keeps a local log of feeds, sleep, diapers and tummy time and
reconciles it with a remote record store whenever connectivity allows.

Configuration is read from caresync.toml (see 'caresync config init') and
CARESYNC_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Annotations["skip-config"] == "true" {
			return
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log, os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: search "+config.DefaultConfigDir()+" and .)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddGroup(
		&cobra.Group{ID: "log", Title: "Logging care events:"},
		&cobra.Group{ID: "sync", Title: "Sync and storage:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

// openApp wires the configured components or exits.
func openApp(ctx context.Context) *app.App {
	a, err := app.Open(ctx, cfg, app.Options{}, logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}

// fatal prints err and exits after closing a.
func fatal(a *app.App, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	if a != nil {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
	os.Exit(1)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
