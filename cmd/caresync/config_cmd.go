package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nuzzle/caresync/internal/config"
	"github.com/nuzzle/caresync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Create or inspect caresync.toml",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default config file",
	Annotations: map[string]string{"skip-config": "true"},
	Long: `Write caresync.toml with every key at its default value.

Without --config the file goes to ` + filepath.Join(config.DefaultConfigDir(), config.FileName) + `.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			path = filepath.Join(config.DefaultConfigDir(), config.FileName)
		}
		if err := config.WriteDefault(path, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		source := cfg.FileUsed()
		if source == "" {
			source = "defaults and environment only"
		}
		fmt.Printf("%s %s\n\n", ui.RenderAccent("Config:"), source)
		for _, key := range config.Keys() {
			val := fmt.Sprint(cfg.Get(key))
			if key == "remote.api_key" && val != "" {
				val = "********"
			}
			fmt.Printf("  %-28s %s\n", key, val)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
