package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/eligibility-extractor/internal/config"
	"github.com/Sternrassler/eligibility-extractor/pkg/checkpoint"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or clear stored checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored checkpoint of every configured year",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showCheckpoints(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the stored checkpoint of every configured year",
	Long:  "Delete stored checkpoints so the next --resume run starts from the first identifier.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return clearCheckpoints(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointClearCmd)

	for _, c := range []*cobra.Command{checkpointShowCmd, checkpointClearCmd} {
		c.Flags().String("years", "", "comma separated years, default from configuration")
		c.Flags().String("output-dir", "", "output directory of the file backend")
		c.Flags().String("checkpoint-backend", "", "checkpoint store: file, redis or memory")
		c.Flags().String("redis-addr", "", "redis address for the redis checkpoint backend")
	}
}

func showCheckpoints(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store, closeStore, err := cfg.OpenCheckpointStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	rows := make([]checkpointRow, 0, len(cfg.Processing.Years))
	for _, partition := range cfg.Partitions() {
		cp, err := store.Read(ctx, partition)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			rows = append(rows, checkpointRow{Partition: partition})
		case err != nil:
			return fmt.Errorf("read checkpoint %s: %w", partition, err)
		default:
			rows = append(rows, checkpointRow{Partition: partition, Checkpoint: cp})
		}
	}

	renderCheckpointTable(out, store.Backend(), rows)
	return nil
}

func clearCheckpoints(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store, closeStore, err := cfg.OpenCheckpointStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	for _, partition := range cfg.Partitions() {
		if err := store.Delete(ctx, partition); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", partition, err)
		}
		fmt.Fprintf(out, "Cleared checkpoint %s (%s)\n", partition, store.Backend())
	}
	return nil
}
