package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nuzzle/caresync/internal/remote"
	"github.com/nuzzle/caresync/internal/ui"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "advanced",
	Short:   "Remote record store tools",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST record API over a SQL store",
	Long: `Serve the REST API that remote.url clients speak, backed by the
SQL record store at remote.dsn (a file path, file: DSN or libsql:// URL).

Useful for a household server or for testing sync between devices.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		dsn := cfg.Remote.DSN
		if dsn == "" {
			fmt.Fprintf(os.Stderr, "Error: remote.dsn is required\n")
			os.Exit(1)
		}
		if cfg.Remote.FamilyID == "" {
			fmt.Fprintf(os.Stderr, "Error: remote.family_id is required\n")
			os.Exit(1)
		}

		ctx := cmd.Context()
		store, err := remote.OpenSQL(ctx, dsn, cfg.Remote.FamilyID, logger.Logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		srv := &http.Server{
			Addr:              addr,
			Handler:           remote.NewHandler(cfg.Remote.FamilyID, store, logger.Logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()

		fmt.Printf("%s Serving family %s on http://%s\n", ui.RenderPass("✓"), cfg.Remote.FamilyID, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("remote server failed", zap.Error(err))
			_ = store.Close()
			os.Exit(1)
		}
	},
}

func init() {
	remoteServeCmd.Flags().String("addr", "127.0.0.1:8378", "listen address")
	remoteCmd.AddCommand(remoteServeCmd)
	rootCmd.AddCommand(remoteCmd)
}
