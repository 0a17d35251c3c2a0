package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/vulnsearch/configs"
	"github.com/Aman-CERP/vulnsearch/internal/config"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/output"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the user configuration file and inspect the effective configuration.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/vulnsearch/config.yaml)
  3. Project config (vulnsearch.yaml)
  4. Environment variables (VULNSEARCH_*)`,
		Example: `  # Create user config from template
  vulnsearch config init

  # Show effective configuration
  vulnsearch config show

  # Undo the last init
  vulnsearch config restore`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigRestoreCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force, project, defaults bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Create the user configuration file from the commented template, or a
project config (vulnsearch.yaml in the current directory) with --project.

An existing user config is only replaced with --force, and is backed up
first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())

			path := config.GetUserConfigPath()
			if project {
				path = config.ProjectConfigName
			}

			if _, err := os.Stat(path); err == nil {
				if !force {
					return verrors.New(verrors.ErrCodeConfigInvalid, "configuration already exists", nil).
						WithDetail("path", path).
						WithSuggestion("use --force to overwrite it")
				}
				if !project {
					backup, err := config.BackupUserConfig()
					if err != nil {
						return err
					}
					out.Statusf("💾", "Backed up existing config to %s", backup)
				}
			}

			if defaults {
				if err := config.NewConfig().WriteYAML(path); err != nil {
					return err
				}
			} else {
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					return fmt.Errorf("failed to create config directory: %w", err)
				}
				if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
			}
			out.Successf("Created %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&project, "project", false, "Create vulnsearch.yaml in the current directory")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write every default value instead of the commented template")

	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(a.cfg)
			}
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml, json")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}

func newConfigRestoreCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "restore [backup]",
		Short: "Restore the user config from a backup (newest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			backups, err := config.ListUserConfigBackups()
			if err != nil {
				return err
			}
			if list {
				for _, b := range backups {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), b)
				}
				return nil
			}

			var src string
			switch {
			case len(args) == 1:
				src = args[0]
			case len(backups) > 0:
				src = backups[0]
			default:
				return errors.New("no config backups found")
			}
			if err := config.RestoreUserConfig(src); err != nil {
				return err
			}
			out.Successf("Restored %s from %s", config.GetUserConfigPath(), src)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List backups, newest first")
	return cmd
}
