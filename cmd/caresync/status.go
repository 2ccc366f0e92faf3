package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nuzzle/caresync/internal/app"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/ui"
)

type subjectStatus struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	AsleepSince *time.Time `json:"asleep_since,omitempty" yaml:"asleep_since,omitempty"`
	EventsToday int        `json:"events_today" yaml:"events_today"`
}

type statusView struct {
	Backend      string          `json:"backend" yaml:"backend"`
	ConfigFile   string          `json:"config_file,omitempty" yaml:"config_file,omitempty"`
	Remote       string          `json:"remote,omitempty" yaml:"remote,omitempty"`
	Connected    bool            `json:"connected" yaml:"connected"`
	Interface    string          `json:"interface" yaml:"interface"`
	SyncEnabled  bool            `json:"sync_enabled" yaml:"sync_enabled"`
	LastSyncAt   *time.Time      `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
	QueuePending int             `json:"queue_pending" yaml:"queue_pending"`
	Subjects     []subjectStatus `json:"subjects" yaml:"subjects"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show backend, connectivity, sync and per-baby state",
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		view, err := buildStatus(cmd, a)
		if err != nil {
			fatal(a, "%v", err)
		}

		switch output {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(view)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			_ = enc.Encode(view)
			_ = enc.Close()
		default:
			printStatus(view)
		}
	},
}

func buildStatus(cmd *cobra.Command, a *app.App) (*statusView, error) {
	ctx := cmd.Context()
	link := a.Monitor.Status()
	view := &statusView{
		Backend:    cfg.Backend,
		ConfigFile: cfg.FileUsed(),
		Remote:     redactRemote(cfg.Remote.URL, cfg.Remote.DSN),
		Connected:  link.Connected,
		Interface:  string(link.Interface),
	}

	settings, err := a.Store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	view.SyncEnabled = settings.SyncEnabled
	view.LastSyncAt = settings.LastSyncAt

	if a.Queue != nil {
		if view.QueuePending, err = a.Queue.Pending(ctx); err != nil {
			return nil, err
		}
	}

	subjects, err := a.Store.FetchSubjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range subjects {
		st := subjectStatus{ID: s.ID, Name: s.Name}
		open, err := a.Store.GetActiveSession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if open != nil {
			since := open.StartTime
			st.AsleepSince = &since
		}
		loc := s.Location()
		today, err := storage.FetchEventsDay(ctx, a.Store, s.ID, time.Now().In(loc), loc)
		if err != nil {
			return nil, err
		}
		st.EventsToday = len(today)
		view.Subjects = append(view.Subjects, st)
	}
	return view, nil
}

// redactRemote hides credentials in a DSN or URL.
func redactRemote(rawURL, dsn string) string {
	s := dsn
	if s == "" {
		s = rawURL
	}
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

func printStatus(v *statusView) {
	remoteDesc := ui.RenderMuted("none (local only)")
	if v.Remote != "" {
		remoteDesc = v.Remote
	}
	link := ui.RenderPass("online") + " (" + v.Interface + ")"
	if !v.Connected {
		link = ui.RenderWarn("offline")
	}
	lastSync := ui.RenderMuted("never")
	if v.LastSyncAt != nil {
		lastSync = v.LastSyncAt.Local().Format(time.DateTime)
	}
	syncState := ui.RenderMuted("disabled")
	if v.SyncEnabled {
		syncState = "enabled, last " + lastSync
	}
	pending := fmt.Sprint(v.QueuePending)
	if v.QueuePending > 0 {
		pending = ui.RenderWarn(pending)
	}

	fmt.Printf("\n%s\n\n", ui.RenderHeader("caresync status"))
	fmt.Print(ui.KV([][2]string{
		{"Backend", v.Backend},
		{"Remote", remoteDesc},
		{"Network", link},
		{"Sync", syncState},
		{"Queued", pending},
	}))
	fmt.Println()
	for _, s := range v.Subjects {
		state := "awake"
		if s.AsleepSince != nil {
			state = ui.RenderAccent(fmt.Sprintf("asleep %v", time.Since(*s.AsleepSince).Round(time.Minute)))
		}
		fmt.Printf("  %-20s %-16s %d events today\n", s.Name, state, s.EventsToday)
	}
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
