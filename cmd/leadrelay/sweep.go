package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fieldline/leadrelay/internal/config"
	"github.com/fieldline/leadrelay/internal/inbound"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var configPath string
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail inbound receipts stuck in processing",
		Long: `Marks inbound receipts wedged in the processing state as failed.

A receipt gets stuck when the process crashes between admission and
finalization. The serve command runs this sweep on a schedule; this
one-shot form exists for manual cleanup after an incident.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.OutOrStdout(), configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "leadrelay.yaml", "path to config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", inbound.DefaultStaleAfter,
		"only sweep receipts older than this")
	return cmd
}

func runSweep(out io.Writer, configPath string, olderThan time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	gdb, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	guard, err := inbound.NewGuard(gdb, newLogger())
	if err != nil {
		return err
	}
	n, err := guard.SweepStale(context.Background(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Swept %d stale receipts\n", n)
	return nil
}
