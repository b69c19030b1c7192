package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/tars/pkg/tars/channels"
	"github.com/jholhewres/tars/pkg/tars/config"
	"github.com/jholhewres/tars/pkg/tars/registry"
	"github.com/jholhewres/tars/pkg/tars/relay"
)

// newGatewayCmd creates `tars gateway`, the relay served over MCP stdio
// without a supervisor. `tars serve` does not use it; it runs its relay
// in-process.
func newGatewayCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the chat relay over MCP stdio, without a supervisor",
		Long: `Connect to Discord and serve the relay tools on stdin/stdout to any MCP
client. Channels come from discord.primary_channel and
discord.overwatch_channel, or from the TARS_SLOT / TARS_CHANNEL_* environment
when present. The relay exits when its input closes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd, version)
		},
	}
}

func runGateway(cmd *cobra.Command, version string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol.
	logger := newLogger(cmd, cfg, os.Stderr)
	config.ResolveToken(cfg, logger)

	binding := config.Binding{Channels: channels.Bindings{
		"primary":   cfg.Discord.PrimaryChannel,
		"overwatch": cfg.Discord.OverwatchChannel,
	}}
	if os.Getenv(config.EnvSlot) != "" {
		if binding, err = config.BindingFromEnv(); err != nil {
			return err
		}
		logger = logger.With("slot", binding.Slot)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chat, err := connectRelay(ctx, cfg, binding.Channels, logger)
	if err != nil {
		return err
	}
	defer chat.Close()

	var migrator relay.Migrator
	if binding.Slot > 0 {
		reg, err := registry.New(cfg.RegistryDir(), logger)
		if err != nil {
			return err
		}
		migrator = registry.SlotMigrator{Registry: reg, Slot: binding.Slot}
	}
	tools := relay.NewTools(chat.gateway, migrator)

	logger.Info("relay serving on stdio")
	return tools.ServeStdio(ctx, version, os.Stdin, os.Stdout)
}
