package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuzzle/caresync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect or drain the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued remote pushes",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		if a.Queue == nil {
			fatal(a, "no remote configured, nothing is queued")
		}
		entries, err := a.Queue.Entries(ctx)
		if err != nil {
			fatal(a, "%v", err)
		}
		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}
		for _, e := range entries {
			line := fmt.Sprintf("%4d  %-15s %s  %s", e.Seq, e.Op, e.RecordID, e.EnqueuedAt.Local().Format(time.DateTime))
			if e.Attempts > 0 {
				line += ui.RenderWarn(fmt.Sprintf("  %d attempts: %s", e.Attempts, e.LastError))
			}
			fmt.Println(line)
		}
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Push queued entries now",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		if a.Queue == nil {
			fatal(a, "no remote configured, nothing is queued")
		}
		if !a.Monitor.Connected() {
			fatal(a, "remote is unreachable, entries stay queued")
		}
		res, err := a.Queue.Drain(ctx)
		fmt.Printf("%s Pushed %d, failed %d, blocked %d, remaining %d\n",
			ui.RenderAccent("→"), res.Pushed, res.Failed, res.Blocked, res.Remaining)
		if err != nil {
			fatal(a, "%v", err)
		}
	},
}

func init() {
	queueListCmd.Flags().Bool("json", false, "print entries as JSON")
	queueCmd.AddCommand(queueListCmd, queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
