package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/tars/pkg/tars/channels"
	"github.com/jholhewres/tars/pkg/tars/channels/discord"
	"github.com/jholhewres/tars/pkg/tars/config"
	"github.com/jholhewres/tars/pkg/tars/registry"
	"github.com/jholhewres/tars/pkg/tars/supervisor"
)

// newServeCmd creates the `tars serve` command that runs one instance.
func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run an instance: relay, primary child and overwatcher",
		Long: `Claim an instance slot, bind its Discord channels, start the chat relay
on the loopback listener, then the primary LLM child (pointed at the relay's
MCP endpoint) and the overwatcher. Runs until interrupted.

Examples:
  tars serve
  tars serve --config ./tars.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	// ── Resolve secrets ──
	config.ResolveToken(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating tars executable: %w", err)
	}
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	// ── Registry ──
	reg, err := registry.New(cfg.RegistryDir(), logger)
	if err != nil {
		return err
	}

	// ── Channels ──
	var provisioner channels.Provisioner
	bindings := channels.Bindings{}
	if cfg.Discord.AutoCreateChannels {
		provisioner = discord.New(discord.Config{
			Token:        cfg.Discord.Token,
			GuildID:      cfg.Discord.GuildID,
			CategoryName: cfg.Discord.CategoryName,
		}, logger)
	} else {
		bindings["primary"] = cfg.Discord.PrimaryChannel
		if cfg.Discord.OverwatchChannel != "" {
			bindings["overwatch"] = cfg.Discord.OverwatchChannel
		}
	}

	// ── Children ──
	primary, err := primarySpec(cfg)
	if err != nil {
		return err
	}
	var overwatch *supervisor.ChildSpec
	if cfg.Overwatch.Enabled {
		args := []string{"overwatch"}
		if verbose {
			args = append(args, "--verbose")
		}
		overwatch = &supervisor.ChildSpec{Path: exe, Args: args}
	}

	// ── Relay ──
	metrics := supervisor.NewMetrics()
	rel := &instanceRelay{
		cfg:     cfg,
		version: version,
		reg:     reg,
		metrics: metrics.Registry,
		logger:  logger,
	}

	sup := supervisor.New(supervisor.Options{
		Registry:        reg,
		Provisioner:     provisioner,
		Bindings:        bindings,
		Primary:         primary,
		Overwatch:       overwatch,
		InitialPrompt:   cfg.Primary.InitialPrompt,
		Relay:           rel,
		StateDir:        cfg.StateDir,
		ConfigPath:      configPath,
		RestartPolicy:   supervisor.FixedDelay(cfg.Supervisor.RestartDelay.Std()),
		GracePeriod:     cfg.Supervisor.GracePeriod.Std(),
		ShutdownTimeout: cfg.Supervisor.ShutdownTimeout.Std(),
		Metrics:         metrics,
		Logger:          logger,
	})
	rel.svc = sup

	// ── Start ──
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	logger.Info("tars running", "version", version, "slot", sup.Slot(), "config", configPath, "endpoint", cfg.HTTPAddr(sup.Slot()))

	// ── Wait for shutdown ──
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := sup.Shutdown("signal"); err != nil {
		if errors.Is(err, supervisor.ErrShutdownTimeout) {
			logger.Error("cleanup did not finish in time, exiting anyway")
			return nil
		}
		return err
	}
	logger.Info("tars stopped")
	return nil
}

// primarySpec builds the primary child's command line from config.
func primarySpec(cfg *config.Config) (supervisor.ChildSpec, error) {
	args := slices.Clone(cfg.Primary.Args)
	if cfg.Primary.Model != "" {
		args = append(args, "--model", cfg.Primary.Model)
	}
	if cfg.Primary.SystemPromptFile != "" {
		prompt, err := os.ReadFile(cfg.Primary.SystemPromptFile)
		if err != nil {
			return supervisor.ChildSpec{}, &config.Error{Issues: []string{"primary.system_prompt_file: " + err.Error()}}
		}
		args = append(args, "--append-system-prompt", string(prompt))
	}
	return supervisor.ChildSpec{
		Path: cfg.Primary.Command,
		Args: args,
		Dir:  cfg.Primary.WorkDir,
	}, nil
}
