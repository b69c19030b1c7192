package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/tars/pkg/tars/registry"
)

// newSlotsCmd creates `tars slots`.
func newSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List live instances on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Only warnings: the listing itself goes to stdout.
			cfg.Logging.Level = "warn"
			logger := newLogger(cmd, cfg, os.Stderr)

			reg, err := registry.New(cfg.RegistryDir(), logger)
			if err != nil {
				return err
			}
			watch, _ := cmd.Flags().GetBool("watch")
			if !watch {
				printSlots(os.Stdout, reg, reg.List())
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return reg.Watch(ctx, func(slots []registry.Slot) {
				fmt.Printf("── %s ──\n", time.Now().Format(time.TimeOnly))
				printSlots(os.Stdout, reg, slots)
			})
		},
	}
	cmd.Flags().BoolP("watch", "w", false, "re-list whenever the registry changes")
	return cmd
}

func printSlots(w io.Writer, reg *registry.Registry, slots []registry.Slot) {
	if len(slots) == 0 {
		fmt.Fprintln(w, "no live instances")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tOWNER\tPRIMARY\tOVERWATCH\tHOST\tUPTIME\tMIGRATION")
	for _, s := range slots {
		migration := "-"
		if m, ok := reg.PendingMigration(s.Number); ok {
			migration = m.TargetHost + ":" + m.TargetPath
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Number, s.OwnerPID, pid(s.ChildPIDs.Primary), pid(s.ChildPIDs.Overwatch),
			s.Host, time.Since(s.CreatedAt).Round(time.Second), migration)
	}
	tw.Flush()
}

func pid(n int) string {
	if n == 0 {
		return "-"
	}
	if !registry.ProcessAlive(n) {
		return fmt.Sprintf("%d (dead)", n)
	}
	return fmt.Sprint(n)
}
