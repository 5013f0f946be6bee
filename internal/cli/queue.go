package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}
	cmd.AddCommand(
		newQueueListCmd(),
		newQueueStatsCmd(),
		newQueueRetryCmd(),
		newQueueCancelCmd(),
	)
	return cmd
}

// openQueue opens the store and wraps its shared handle. The caller must
// Close the returned store.
func openQueue(ctx context.Context, cfg *config.Config) (*store.Store, *queue.Queue, error) {
	s, err := store.New(ctx, cfg.Paths.DatabaseFile, cfg.Paths.NodesDir)
	if err != nil {
		return nil, nil, err
	}
	q := queue.New(s.DB(), queue.Config{
		BaseRetryDelay: cfg.Queue.BaseRetryDelay,
		MaxRetryDelay:  cfg.Queue.MaxRetryDelay,
		UnknownRetries: cfg.Queue.UnknownRetries,
	})
	return s, q, nil
}

func newQueueListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			s, q, err := openQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			jobs, err := q.ListByStatus(ctx, queue.Status(status), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPRIORITY\tRETRIES\tQUEUED\tTARGET")
			for _, j := range jobs {
				target := j.SessionPath
				if target == "" {
					target = j.TargetNodeID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
					j.ID, j.Kind, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
					j.QueuedAt.Local().Format("01-02 15:04"), target)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "job status to list (pending|running|completed|failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			s, q, err := openQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			stats, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending:   %d\nrunning:   %d\ncompleted: %d\nfailed:    %d\n",
				stats.Pending, stats.Running, stats.Completed, stats.Failed)
			return nil
		},
	}
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Return a failed job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			s, q, err := openQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := q.Retry(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s requeued\n", args[0])
			return nil
		},
	}
}

func newQueueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			s, q, err := openQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := q.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s canceled\n", args[0])
			return nil
		},
	}
}
