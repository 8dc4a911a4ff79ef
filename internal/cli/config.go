package cli

import (
	"fmt"
	"strings"

	"github.com/sdejongh/vcsreconcile/pkg/config"
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `View or create the vcsreconcile configuration file.`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigInitCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Printf("Workspace Root: %s\n", orDefault(cfg.Workspace.Root, "current directory"))
			fmt.Printf("Server Database: %s\n", orDefault(cfg.Workspace.ServerDB, "<workspace>/.vcsreconcile/server.db"))
			fmt.Printf("Server Root: %s\n", orDefault(cfg.Workspace.ServerRoot, "$/<workspace name>"))
			fmt.Printf("Local Conflict Policy: %s\n", cfg.Apply.LocalConflictPolicy)
			fmt.Printf("Allow Download: %t\n", cfg.Apply.AllowDownload)
			fmt.Printf("Overwrite Writable: %t\n", cfg.Apply.OverwriteWritable)
			fmt.Printf("Name Choice: %s\n", cfg.Resolve.NameChoice)
			fmt.Printf("Content Merger: %s\n", cfg.Resolve.ContentMerger)
			fmt.Printf("Download Timeout: %s\n", cfg.Download.Timeout)
			fmt.Printf("Download Retries: %d\n", cfg.Download.Retries)
			fmt.Printf("Bandwidth Limit: %s\n", orDefault(cfg.Download.BandwidthLimit, "unlimited"))
			fmt.Printf("Output Format: %s\n", cfg.Output.Format)
			fmt.Printf("Log Format: %s\n", cfg.Logging.Format)
			fmt.Printf("Log Level: %s\n", cfg.Logging.Level)
			fmt.Printf("Exclude: %s\n", strings.Join(cfg.Exclude, ", "))

			return nil
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigFile
			if path == "" {
				var err error
				path, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			cfg := config.Default()
			if err := config.SaveToFile(cfg, path); err != nil {
				return err
			}

			fmt.Printf("Configuration file created at: %s\n", path)
			return nil
		},
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
