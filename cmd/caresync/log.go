package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/ui"
)

var logCmd = &cobra.Command{
	Use:       "log <feed|sleep|diaper|tummy_time>",
	GroupID:   "log",
	Short:     "Log a care event",
	ValidArgs: []string{"feed", "sleep", "diaper", "tummy_time"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Long: `Log a completed care event.

--at accepts a timestamp (2006-01-02T15:04) or natural language such as
"20 minutes ago" or "yesterday at 9pm". Omitted fields are filled from the
last event of the same type.

Examples:
  caresync log feed --amount 120 --unit ml --subtype bottle
  caresync log diaper --subtype dirty --at "10 minutes ago"
  caresync log sleep --at "2 hours ago" --duration 45m`,
	Run: func(cmd *cobra.Command, args []string) {
		typ := model.EventType(args[0])
		subjectRef, _ := cmd.Flags().GetString("subject")
		at, _ := cmd.Flags().GetString("at")
		duration, _ := cmd.Flags().GetDuration("duration")
		subtype, _ := cmd.Flags().GetString("subtype")
		unit, _ := cmd.Flags().GetString("unit")
		side, _ := cmd.Flags().GetString("side")
		note, _ := cmd.Flags().GetString("note")

		now := time.Now()
		start, err := parseWhen(at, now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		subject, err := resolveSubject(ctx, a.Store, subjectRef)
		if err != nil {
			fatal(a, "%v", err)
		}

		e := model.NewEvent(subject.ID, typ, start, now)
		e.Subtype = subtype
		e.Unit = unit
		e.Side = side
		e.Note = note
		if cmd.Flags().Changed("amount") {
			amount, _ := cmd.Flags().GetFloat64("amount")
			e.Amount = &amount
		}

		last, err := a.Store.GetLastUsed(ctx, typ)
		if err != nil {
			fatal(a, "%v", err)
		}
		applyLastUsed(&e, last, cmd.Flags().Changed("duration"))
		if duration > 0 {
			end := start.Add(duration)
			e.EndTime = &end
		}

		saved, err := a.Store.AddEvent(ctx, e)
		if err != nil {
			fatal(a, "%v", err)
		}
		fmt.Printf("%s Logged %s for %s at %s%s\n", ui.RenderPass("✓"), describeEvent(saved), subject.Name,
			saved.StartTime.In(subject.Location()).Format("15:04"), syncSuffix(a.RemoteEnabled(), a.Monitor.Connected()))
	},
}

// parseWhen accepts empty (now), RFC 3339, a local "2006-01-02T15:04" or
// natural language relative to now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	return r.Time, nil
}

// applyLastUsed fills fields the caller left empty from the previous event
// of the same type.
func applyLastUsed(e *model.Event, last *model.LastUsedValues, durationSet bool) {
	if last == nil {
		return
	}
	if e.Subtype == "" {
		e.Subtype = last.Subtype
	}
	if e.Amount == nil && last.Amount != nil {
		amount := *last.Amount
		e.Amount = &amount
	}
	if e.Unit == "" {
		e.Unit = last.Unit
	}
	if e.Side == "" {
		e.Side = last.Side
	}
	if !durationSet && e.EndTime == nil && last.DurationMinutes != nil && e.Type != model.EventDiaper {
		end := e.StartTime.Add(time.Duration(*last.DurationMinutes) * time.Minute)
		e.EndTime = &end
	}
}

func describeEvent(e model.Event) string {
	parts := []string{string(e.Type)}
	if e.Subtype != "" {
		parts = append(parts, e.Subtype)
	}
	if e.Amount != nil {
		parts = append(parts, fmt.Sprintf("%g%s", *e.Amount, e.Unit))
	}
	if e.EndTime != nil {
		parts = append(parts, fmt.Sprintf("%dm", e.DurationMinutes()))
	}
	return strings.Join(parts, " ")
}

func syncSuffix(remoteEnabled, connected bool) string {
	if remoteEnabled && !connected {
		return ui.RenderWarn(" (offline, queued for sync)")
	}
	return ""
}

func init() {
	logCmd.Flags().StringP("subject", "s", "", "baby name or id (default: the only baby)")
	logCmd.Flags().String("at", "", `start time, e.g. "20 minutes ago" (default: now)`)
	logCmd.Flags().Duration("duration", 0, "duration for sleep, tummy time or feeds")
	logCmd.Flags().Float64("amount", 0, "amount for feeds")
	logCmd.Flags().String("unit", "", "ml or oz")
	logCmd.Flags().String("subtype", "", "e.g. bottle, breast, wet, dirty, nap")
	logCmd.Flags().String("side", "", "left, right or both")
	logCmd.Flags().String("note", "", "free-text note")

	rootCmd.AddCommand(logCmd)
}
