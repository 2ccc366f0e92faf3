package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nuzzle/caresync/internal/config"
	"github.com/nuzzle/caresync/internal/dashboard"
	"github.com/nuzzle/caresync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run sync in the foreground and serve a live status feed",
	Long: `Run the background loops (periodic sync, offline queue, connectivity
probe) and serve their state over HTTP.

Endpoints:
  /ws       WebSocket feed of sync_state, sync_complete, queue and
            connectivity messages
  /health   liveness
  /metrics  Prometheus metrics

Changes to log.level in the config file apply without a restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Dashboard.Addr
		}

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		server := dashboard.NewServer(dashboard.Config{
			Addr:    addr,
			Metrics: a.Metrics.Handler(),
			Logger:  logger.Logger,
		})
		var feed *dashboard.Feed
		if a.RemoteEnabled() {
			feed = dashboard.NewFeed(server, a.Engine, a.Queue, a.Monitor, logger.Logger)
			a.AddSyncObserver(feed)
		} else {
			feed = dashboard.NewFeed(server, nil, nil, a.Monitor, logger.Logger)
		}

		if err := server.Start(); err != nil {
			fatal(a, "failed to start dashboard: %v", err)
		}

		cfg.Watch(logger.Logger, func(next *config.Config) {
			if err := logger.SetLevel(next.Log.Level); err != nil {
				logger.Warn("ignoring log level", zap.Error(err))
			}
		})

		fmt.Printf("%s Dashboard on http://%s\n", ui.RenderPass("✓"), server.Addr())
		fmt.Printf("  WebSocket: ws://%s/ws\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.Run(gctx) })
		g.Go(func() error { return feed.Run(gctx) })
		err := g.Wait()

		fmt.Println("\nShutting down...")
		if stopErr := server.Stop(); stopErr != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", stopErr)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			fatal(a, "%v", err)
		}
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "", "listen address (default: dashboard.addr)")
	rootCmd.AddCommand(dashboardCmd)
}
