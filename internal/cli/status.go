package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hindsight-dev/hindsight/internal/daemon"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and store state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			st, err := daemon.ReadStatus(cfg.Paths.StatusFile)
			switch {
			case err == nil && st.Running:
				fmt.Fprintf(out, "daemon:     running (pid %d, version %s)\n", st.PID, st.Version)
				fmt.Fprintf(out, "updated:    %s\n", st.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
				fmt.Fprintf(out, "watching:   %d files (%d events dropped)\n", st.TrackedFiles, st.DroppedEvents)
				fmt.Fprintf(out, "jobs:       %d pending, %d running, %d completed, %d failed\n",
					st.Jobs.Pending, st.Jobs.Running, st.Jobs.Completed, st.Jobs.Failed)
				fmt.Fprintf(out, "store:      %d nodes, %d edges, %d embeddings\n",
					st.Nodes, st.Edges, st.Embeddings)
				return nil
			case err != nil && !os.IsNotExist(err):
				return fmt.Errorf("failed to read status file: %w", err)
			}

			// No live status file; read the database directly.
			fmt.Fprintln(out, "daemon:     not running")
			s, err := store.New(ctx, cfg.Paths.DatabaseFile, cfg.Paths.NodesDir)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			nodes, edges, embeddings, err := s.Counts(ctx)
			if err != nil {
				return err
			}
			stats, err := queue.New(s.DB(), queue.DefaultConfig()).Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "jobs:       %d pending, %d running, %d completed, %d failed\n",
				stats.Pending, stats.Running, stats.Completed, stats.Failed)
			fmt.Fprintf(out, "store:      %d nodes, %d edges, %d embeddings\n", nodes, edges, embeddings)
			return nil
		},
	}
}
