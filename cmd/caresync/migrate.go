package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nuzzle/caresync/internal/config"
	"github.com/nuzzle/caresync/internal/migrate"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/storage/managed"
	"github.com/nuzzle/caresync/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "sync",
	Short:   "Copy the snapshot document into the managed database",
	Long: `Import every record from the snapshot document (snapshot.file) into the
managed database (managed.path). Invalid records are skipped and reported.

The snapshot is backed up first unless --no-backup is given. Running the
import twice is safe: records are upserted by id.

After a successful import set backend = "managed" in caresync.toml.`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noBackup, _ := cmd.Flags().GetBool("no-backup")
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		store, err := managed.Open(managed.Config{
			Path:      cfg.ManagedPath(),
			ReadyWait: cfg.Managed.ReadyWait,
			ReadyPoll: cfg.Managed.ReadyPoll,
			OpTimeout: cfg.Managed.OpTimeout,
		}, storage.Options{}, logger.Logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		if err := store.WaitReady(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: managed database not ready: %v\n", err)
			os.Exit(1)
		}

		res, err := migrate.SnapshotToManaged(ctx, migrate.Options{
			SnapshotPath: cfg.SnapshotPath(),
			Target:       store,
			DryRun:       dryRun,
			Backup:       !noBackup,
		}, logger.Logger)
		if errors.Is(err, migrate.ErrNothingToMigrate) {
			fmt.Printf("%s Nothing to migrate at %s\n", ui.RenderWarn("⚠"), cfg.SnapshotPath())
			return
		}
		if err != nil {
			_ = store.Close()
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
			return
		}

		verb := "Imported"
		if res.DryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d subjects, %d events, %d predictions into %s\n",
			ui.RenderPass("✓"), verb, res.Subjects, res.Events, res.Predictions, cfg.ManagedPath())
		if res.BackupCreated != "" {
			fmt.Printf("  Backup: %s\n", res.BackupCreated)
		}
		for _, msg := range res.Errors {
			fmt.Printf("  %s %s\n", ui.RenderWarn("skipped"), msg)
		}
		if !res.DryRun && cfg.Backend != config.BackendManaged {
			fmt.Printf("\nSet backend = %q in your config to use the managed database.\n", config.BackendManaged)
		}
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "report what would be imported without writing")
	migrateCmd.Flags().Bool("no-backup", false, "skip the snapshot backup")
	migrateCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(migrateCmd)
}
