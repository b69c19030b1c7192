package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/tars/pkg/tars/config"
)

// newConfigCmd creates `tars config` and its subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and secrets",
	}
	cmd.AddCommand(newConfigSetTokenCmd(), newConfigDeleteTokenCmd(), newConfigCheckCmd())
	return cmd
}

func newConfigSetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token",
		Short: "Store the Discord bot token in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			token, err := config.ReadSecret("Discord bot token: ")
			if err != nil {
				return err
			}
			if token == "" {
				return errors.New("empty token, nothing stored")
			}
			if err := config.StoreToken(token); err != nil {
				return err
			}
			fmt.Println("token stored in the OS keyring")
			return nil
		},
	}
}

func newConfigDeleteTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-token",
		Short: "Remove the Discord bot token from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.DeleteToken(); err != nil {
				return err
			}
			fmt.Println("token removed")
			return nil
		},
	}
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, os.Stderr)
			config.ResolveToken(cfg, logger)
			if err := cfg.Validate(); err != nil {
				return err
			}

			if path == "" {
				path = "(defaults)"
			}
			fmt.Printf("config:      %s\n", path)
			fmt.Printf("state dir:   %s\n", cfg.StateDir)
			fmt.Printf("registry:    %s\n", cfg.RegistryDir())
			fmt.Printf("overwatch:   %t (%s, db %s)\n", cfg.Overwatch.Enabled, cfg.Overwatch.Schedule, cfg.OverwatchDB())
			fmt.Printf("endpoint:    http://%s (slot 1, control routes %t, token %t)\n",
				cfg.HTTPAddr(1), cfg.HTTP.Enabled, cfg.HTTP.AuthToken != "")
			fmt.Println("configuration OK")
			return nil
		},
	}
}
