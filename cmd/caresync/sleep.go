package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/ui"
)

var sleepCmd = &cobra.Command{
	Use:     "sleep",
	GroupID: "log",
	Short:   "Track an in-progress sleep session",
}

var sleepStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a sleep session now",
	Long: `Start a sleep session now.

With session_policy = "reject" (default) a running session is an error;
with "replace" the running session is closed first.`,
	Run: func(cmd *cobra.Command, args []string) {
		subjectRef, _ := cmd.Flags().GetString("subject")
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		subject, err := resolveSubject(ctx, a.Store, subjectRef)
		if err != nil {
			fatal(a, "%v", err)
		}
		e, err := a.Store.StartActiveSession(ctx, subject.ID)
		if err != nil {
			fatal(a, "%v", err)
		}
		fmt.Printf("%s %s fell asleep at %s\n", ui.RenderPass("✓"), subject.Name,
			e.StartTime.In(subject.Location()).Format("15:04"))
	},
}

var sleepStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sleep session",
	Long: fmt.Sprintf(`Stop the running sleep session.

Without a running session a %v nap ending now is logged instead.`, storage.FallbackSessionDuration),
	Run: func(cmd *cobra.Command, args []string) {
		subjectRef, _ := cmd.Flags().GetString("subject")
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		subject, err := resolveSubject(ctx, a.Store, subjectRef)
		if err != nil {
			fatal(a, "%v", err)
		}
		e, err := a.Store.StopActiveSession(ctx, subject.ID)
		if err != nil {
			fatal(a, "%v", err)
		}
		marker := ui.RenderPass("✓")
		if e.Note == storage.FallbackSessionNote {
			marker = ui.RenderWarn("⚠")
		}
		fmt.Printf("%s %s slept %dm (%s-%s)\n", marker, subject.Name, e.DurationMinutes(),
			e.StartTime.In(subject.Location()).Format("15:04"), e.EndTime.In(subject.Location()).Format("15:04"))
	},
}

var sleepStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running sleep session",
	Run: func(cmd *cobra.Command, args []string) {
		subjectRef, _ := cmd.Flags().GetString("subject")
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		subject, err := resolveSubject(ctx, a.Store, subjectRef)
		if err != nil {
			fatal(a, "%v", err)
		}
		open, err := a.Store.GetActiveSession(ctx, subject.ID)
		if err != nil {
			fatal(a, "%v", err)
		}
		if open == nil {
			fmt.Printf("%s is awake\n", subject.Name)
			return
		}
		fmt.Printf("%s asleep since %s (%s)\n", subject.Name,
			open.StartTime.In(subject.Location()).Format("15:04"),
			time.Since(open.StartTime).Round(time.Minute))
	},
}

func init() {
	for _, c := range []*cobra.Command{sleepStartCmd, sleepStopCmd, sleepStatusCmd} {
		c.Flags().StringP("subject", "s", "", "baby name or id (default: the only baby)")
	}
	sleepCmd.AddCommand(sleepStartCmd, sleepStopCmd, sleepStatusCmd)
	rootCmd.AddCommand(sleepCmd)
}
