package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nuzzle/caresync/internal/loadtest"
	"github.com/nuzzle/caresync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Simulate concurrent caregivers against a scratch backend",
	Long: `Write events from several concurrent caregivers into a throwaway
backend, then check that nothing was lost or duplicated and report
latency percentiles. Your own data is never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		backend, _ := cmd.Flags().GetString("backend")
		caregivers, _ := cmd.Flags().GetInt("caregivers")
		events, _ := cmd.Flags().GetInt("events")
		reads, _ := cmd.Flags().GetInt("reads")
		jsonOut, _ := cmd.Flags().GetBool("json")
		compare, _ := cmd.Flags().GetBool("compare")
		ctx := cmd.Context()

		dir, err := os.MkdirTemp("", "caresync-loadtest-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		if compare {
			cmp, err := loadtest.Compare(ctx, dir, loadtest.Options{
				Caregivers:         caregivers,
				EventsPerCaregiver: events,
				ReadsPerWrite:      reads,
			}, logger.Logger)
			if err != nil {
				_ = os.RemoveAll(dir)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOut {
				_ = json.NewEncoder(os.Stdout).Encode(cmp)
			} else {
				cmp.Print(os.Stdout)
			}
			return
		}

		store, err := loadtest.OpenScratch(ctx, backend, dir, logger.Logger)
		if err != nil {
			_ = os.RemoveAll(dir)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		fmt.Fprintf(os.Stderr, "%s %d caregivers x %d events on the %s backend...\n",
			ui.RenderAccent("→"), caregivers, events, backend)
		res, err := loadtest.Run(ctx, store, loadtest.Options{
			Caregivers:         caregivers,
			EventsPerCaregiver: events,
			ReadsPerWrite:      reads,
		})
		if err != nil {
			_ = store.Close()
			_ = os.RemoveAll(dir)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOut {
			_ = json.NewEncoder(os.Stdout).Encode(res)
		} else {
			res.Print(os.Stdout)
		}
		if !res.OK() {
			fmt.Printf("%s Data loss or duplication detected\n", ui.RenderFail("✗"))
			_ = store.Close()
			_ = os.RemoveAll(dir)
			os.Exit(1)
		}
		fmt.Printf("%s No lost or duplicated events\n", ui.RenderPass("✓"))
	},
}

func init() {
	loadtestCmd.Flags().String("backend", loadtest.BackendManaged, "snapshot or managed")
	loadtestCmd.Flags().Int("caregivers", 8, "concurrent writers")
	loadtestCmd.Flags().Int("events", 100, "events per caregiver")
	loadtestCmd.Flags().Int("reads", 1, "day reads after each write")
	loadtestCmd.Flags().Bool("json", false, "print the result as JSON")
	loadtestCmd.Flags().Bool("compare", false, "run against both backends and compare write latency")
	rootCmd.AddCommand(loadtestCmd)
}
