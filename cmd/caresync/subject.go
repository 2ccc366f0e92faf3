package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/ui"
)

var subjectCmd = &cobra.Command{
	Use:     "subject",
	GroupID: "log",
	Short:   "Manage tracked babies",
}

var subjectAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a baby",
	Long: `Add a baby to track.

Missing --name or --dob are prompted for when running in a terminal.`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		dob, _ := cmd.Flags().GetString("dob")
		tz, _ := cmd.Flags().GetString("tz")

		if (name == "" || dob == "") && term.IsTerminal(int(os.Stdin.Fd())) {
			if err := promptSubject(&name, &dob); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		if name == "" || dob == "" {
			fmt.Fprintf(os.Stderr, "Error: --name and --dob are required\n")
			os.Exit(1)
		}
		born, err := time.Parse(time.DateOnly, dob)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: --dob must be YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		}

		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		subj := model.NewSubject(name, born, time.Now())
		if tz != "" {
			subj.Timezone = tz
		}
		saved, err := a.Store.AddSubject(ctx, subj)
		if err != nil {
			fatal(a, "%v", err)
		}
		fmt.Printf("%s Added %s (%s)\n", ui.RenderPass("✓"), saved.Name, ui.RenderMuted(saved.ID))
	},
}

func promptSubject(name, dob *string) error {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Name").
			Value(name).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("name is required")
				}
				return nil
			}),
		huh.NewInput().
			Title("Date of birth").
			Placeholder("YYYY-MM-DD").
			Value(dob).
			Validate(func(s string) error {
				_, err := time.Parse(time.DateOnly, s)
				return err
			}),
	)).Run()
}

var subjectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List babies",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		subjects, err := a.Store.FetchSubjects(ctx)
		if err != nil {
			fatal(a, "%v", err)
		}
		if len(subjects) == 0 {
			fmt.Println("No babies yet. Add one with 'caresync subject add'.")
			return
		}
		for _, s := range subjects {
			fmt.Printf("%s  %-20s born %s  %s\n",
				ui.RenderMuted(s.ID), s.Name, s.DateOfBirth.Format(time.DateOnly), s.Timezone)
		}
	},
}

// resolveSubject finds a subject by id or case-insensitive name. An empty
// ref picks the only subject, or fails when there are several.
func resolveSubject(ctx context.Context, store storage.Store, ref string) (model.Subject, error) {
	subjects, err := store.FetchSubjects(ctx)
	if err != nil {
		return model.Subject{}, err
	}
	if ref == "" {
		switch len(subjects) {
		case 0:
			return model.Subject{}, errors.New("no babies yet, add one with 'caresync subject add'")
		case 1:
			return subjects[0], nil
		default:
			return model.Subject{}, errors.New("several babies tracked, pick one with --subject")
		}
	}
	for _, s := range subjects {
		if s.ID == ref || strings.EqualFold(s.Name, ref) {
			return s, nil
		}
	}
	return model.Subject{}, fmt.Errorf("no baby matches %q", ref)
}

func init() {
	subjectAddCmd.Flags().String("name", "", "baby's name")
	subjectAddCmd.Flags().String("dob", "", "date of birth (YYYY-MM-DD)")
	subjectAddCmd.Flags().String("tz", "", "IANA timezone (default: local)")

	subjectCmd.AddCommand(subjectAddCmd, subjectListCmd)
	rootCmd.AddCommand(subjectCmd)
}
