package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/tars/pkg/tars/config"
	"github.com/jholhewres/tars/pkg/tars/overwatch"
)

// newOverwatchCmd creates `tars overwatch`, the evaluator child started by
// `tars serve`. Observations arrive on stdin, directives leave on stdout.
func newOverwatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "overwatch",
		Short:  "Run the overwatcher child (started by tars serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runOverwatch,
	}
}

func runOverwatch(cmd *cobra.Command, _ []string) error {
	binding, err := config.BindingFromEnv()
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr).With("slot", binding.Slot)

	rubric, err := overwatch.LoadRubric(cfg.Overwatch.RubricFile)
	if err != nil {
		return err
	}
	store, err := overwatch.OpenStore(cfg.OverwatchDB(), binding.Slot)
	if err != nil {
		return err
	}
	defer store.Close()

	ow, err := overwatch.New(overwatch.Options{
		Schedule:          cfg.Overwatch.Schedule,
		Rubric:            rubric,
		Threshold:         cfg.Overwatch.Threshold,
		SlingshotCooldown: cfg.Overwatch.SlingshotCooldown.Std(),
		Window:            cfg.Overwatch.Window,
		History:           cfg.Overwatch.History,
		Model: overwatch.CLIModel{
			Command: cfg.Overwatch.Command,
			Args:    cfg.Overwatch.Args,
			Model:   cfg.Overwatch.Model,
			Timeout: cfg.Overwatch.Timeout.Std(),
		},
		Store:  store,
		Out:    os.Stdout,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return ow.Run(ctx, os.Stdin)
}
