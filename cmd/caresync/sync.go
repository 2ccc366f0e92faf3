package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuzzle/caresync/internal/reconcile"
	"github.com/nuzzle/caresync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle against the remote",
	Long: `Push local changes to the remote and pull remote changes from the
last ` + fmt.Sprint(reconcile.DefaultPullWindow/(24*time.Hour)) + ` days (sync.window_days).

The first time, run with --enable: every local record is pushed and
periodic sync is switched on.`,
	Run: func(cmd *cobra.Command, args []string) {
		enable, _ := cmd.Flags().GetBool("enable")
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		if !a.RemoteEnabled() {
			fatal(a, "no remote configured (set remote.url or remote.dsn)")
		}

		start := time.Now()
		var (
			report reconcile.Report
			err    error
		)
		if enable {
			fmt.Printf("%s Pushing every local record...\n", ui.RenderAccent("→"))
			report, err = a.Engine.Migrate(ctx)
		} else {
			report, err = a.Engine.Sync(ctx)
		}
		printReport(report, time.Since(start))
		if err != nil {
			fatal(a, "%v", err)
		}
		if report.SkipReason == reconcile.SkipDisabled {
			fmt.Printf("  Run 'caresync sync --enable' to turn sync on.\n")
		}
	},
}

func printReport(r reconcile.Report, elapsed time.Duration) {
	if r.Skipped {
		fmt.Printf("%s Sync skipped: %s\n", ui.RenderWarn("⚠"), r.SkipReason)
		return
	}
	marker := ui.RenderPass("✓")
	if r.BatchFailures > 0 || r.Deferred > 0 {
		marker = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync finished in %v\n", marker, elapsed.Round(time.Millisecond))
	fmt.Print(ui.KV([][2]string{
		{"  pushed", fmt.Sprint(r.Pushed)},
		{"  pulled", fmt.Sprint(r.Pulled)},
		{"  conflicts", fmt.Sprint(r.Conflicts)},
		{"  batches", fmt.Sprintf("%d (%d failed)", r.Batches, r.BatchFailures)},
		{"  deferred", fmt.Sprint(r.Deferred)},
	}))
}

func init() {
	syncCmd.Flags().Bool("enable", false, "push every local record and enable periodic sync")
	rootCmd.AddCommand(syncCmd)
}
