package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/randalmurphal/flowstream/pkg/flowstream/config"
)

// StoreOptions selects the checkpoint store to inspect.
type StoreOptions struct {
	DB    string
	JobID string
}

// NewCheckpointsCommand creates the checkpoints command group.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	storeOpts := &StoreOptions{}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect completed checkpoints of a job",
		Long: `Inspect the completed checkpoints a job recorded in its SQLite
checkpoint store. The store is opened read-only in spirit: nothing is
added or pruned.`,
	}

	cmd.PersistentFlags().StringVar(&storeOpts.DB, "db", "", "path to the SQLite checkpoint store (required)")
	cmd.PersistentFlags().StringVar(&storeOpts.JobID, "job", config.Defaults().Job.ID, "job id")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List retained checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, rootOpts, storeOpts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one checkpoint with its task snapshot handles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid checkpoint id %q", args[0]))
			}
			return runShow(cmd, rootOpts, storeOpts, func(ctx context.Context, s checkpoint.Store) (*checkpoint.Completed, error) {
				return s.Get(ctx, id)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "latest",
		Short: "Show the checkpoint a restarted job would restore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShow(cmd, rootOpts, storeOpts, func(ctx context.Context, s checkpoint.Store) (*checkpoint.Completed, error) {
				return s.Latest(ctx)
			})
		},
	})

	return cmd
}

// openStore opens an existing store. A missing file is an error rather
// than an empty store.
func openStore(opts *StoreOptions) (*checkpoint.SQLiteStore, error) {
	if _, err := os.Stat(opts.DB); err != nil {
		return nil, WrapExitError(ExitCommandError, "checkpoint store not found", err)
	}
	store, err := checkpoint.NewSQLiteStore(opts.DB, opts.JobID)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open checkpoint store", err)
	}
	return store, nil
}

func runList(cmd *cobra.Command, rootOpts *RootOptions, storeOpts *StoreOptions) error {
	f := newFormatter(rootOpts, cmd)
	store, err := openStore(storeOpts)
	if err != nil {
		return err
	}
	defer store.Close()

	f.VerboseLog("listing checkpoints of job %s in %s", storeOpts.JobID, storeOpts.DB)
	infos, err := store.List(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "list checkpoints", err)
	}

	if f.JSON() {
		return f.Success(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintf(f.Writer, "No completed checkpoints for job %s\n", storeOpts.JobID)
		return nil
	}
	fmt.Fprintf(f.Writer, "%-8s %-11s %-25s %10s %6s %10s\n", "ID", "KIND", "COMPLETED", "DURATION", "TASKS", "SIZE")
	for _, info := range infos {
		fmt.Fprintf(f.Writer, "%-8d %-11s %-25s %10s %6d %10d\n",
			info.ID,
			info.Kind,
			info.CompletedAt.Format(time.RFC3339),
			info.CompletedAt.Sub(info.TriggeredAt).Round(time.Millisecond),
			info.Tasks,
			info.Size,
		)
	}
	return nil
}

func runShow(cmd *cobra.Command, rootOpts *RootOptions, storeOpts *StoreOptions,
	get func(context.Context, checkpoint.Store) (*checkpoint.Completed, error),
) error {
	f := newFormatter(rootOpts, cmd)
	store, err := openStore(storeOpts)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := get(cmd.Context(), store)
	if errors.Is(err, checkpoint.ErrNotFound) {
		_ = f.Error(err.Error(), nil)
		return WrapExitError(ExitFailure, "no such checkpoint", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "read checkpoint", err)
	}

	if f.JSON() {
		return f.Success(c)
	}
	printCheckpoint(f, c)
	return nil
}

func printCheckpoint(f *OutputFormatter, c *checkpoint.Completed) {
	w := f.Writer
	fmt.Fprintf(w, "Checkpoint %d (%s)\n", c.ID, c.Kind)
	fmt.Fprintf(w, "  Job:       %s\n", c.JobID)
	fmt.Fprintf(w, "  Status:    %s\n", c.Status)
	fmt.Fprintf(w, "  Triggered: %s\n", c.TriggeredAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "  Completed: %s\n", c.CompletedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "  Duration:  %s\n", c.Duration())
	fmt.Fprintf(w, "  Size:      %d bytes\n", c.Size())
	fmt.Fprintf(w, "  Tasks:     %d\n", len(c.Tasks))

	ids := make([]string, 0, len(c.Tasks))
	for id := range c.Tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "    %-20s %s\n", id, c.Tasks[id])
	}
}
