// Package config implements the 'syscat config' commands.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/syscat/internal/cli/helpers"
	"github.com/coral-mesh/syscat/internal/config"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the syscat configuration",
		Long: `Manage the syscat configuration.

Configuration priority:
  1. Command line flags (highest)
  2. SYSCAT_* environment variables
  3. Configuration file (--config, $SYSCAT_CONFIG or ~/.syscat/config.yaml)
  4. Built-in defaults`,
	}

	cmd.AddCommand(newViewCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newPathCmd())
	return cmd
}

func loaderOf(cmd *cobra.Command) *config.Loader {
	path, _ := cmd.Flags().GetString(helpers.ConfigFlag)
	return config.NewLoader(path)
}

func newViewCmd() *cobra.Command {
	var format string
	formats := []helpers.OutputFormat{helpers.FormatYAML, helpers.FormatJSON}

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, formats); err != nil {
				return err
			}
			cfg, err := loaderOf(cmd).Load()
			if err != nil {
				return err
			}
			f, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return f.Format(cfg, cmd.OutOrStdout())
		},
	}
	helpers.AddFormatFlag(cmd, &format, helpers.FormatYAML, formats)
	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := loaderOf(cmd)
			_, err := os.Stat(loader.Path())
			switch {
			case err == nil && !force:
				return fmt.Errorf("%s already exists, use --force to overwrite it", loader.Path())
			case err != nil && !errors.Is(err, fs.ErrNotExist):
				return err
			}
			if err := loader.Save(config.DefaultConfig()); err != nil {
				return err
			}
			cmd.Printf("Wrote %s\n", loader.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := loaderOf(cmd)
			if _, err := loader.Load(); err != nil {
				return err
			}
			cmd.Printf("%s is valid\n", loader.Path())
			return nil
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(loaderOf(cmd).Path())
		},
	}
}
