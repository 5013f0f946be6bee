package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hindsight-dev/hindsight/internal/daemon"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

// staleStatusAfter is how old the status file may be before a running
// daemon is considered unresponsive.
const staleStatusAfter = 2 * time.Minute

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon and store health",
		Long:  "Exits 0 when the daemon is live and the store is readable; non-zero otherwise.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			st, err := daemon.ReadStatus(cfg.Paths.StatusFile)
			switch {
			case os.IsNotExist(err):
				fmt.Fprintln(out, "daemon: never started")
			case err != nil:
				return fmt.Errorf("status file unreadable: %w", err)
			case !st.Running:
				fmt.Fprintln(out, "daemon: stopped")
			case time.Since(st.UpdatedAt) > staleStatusAfter:
				return fmt.Errorf("daemon unresponsive: status last written %s", st.UpdatedAt.Local().Format(time.RFC3339))
			default:
				fmt.Fprintf(out, "daemon: healthy (pid %d)\n", st.PID)
			}

			s, err := store.New(ctx, cfg.Paths.DatabaseFile, cfg.Paths.NodesDir)
			if err != nil {
				return fmt.Errorf("store unhealthy: %w", err)
			}
			defer func() { _ = s.Close() }()
			nodes, _, _, err := s.Counts(ctx)
			if err != nil {
				return fmt.Errorf("store unhealthy: %w", err)
			}
			fmt.Fprintf(out, "store:  healthy (%d nodes)\n", nodes)

			jobs, err := queue.New(s.DB(), queue.DefaultConfig()).ListByStatus(ctx, queue.StatusFailed, 1000)
			if err != nil {
				return err
			}
			byReason := make(map[string]int)
			for _, j := range jobs {
				byReason[j.LastReason]++
			}
			if len(jobs) > 0 {
				fmt.Fprintf(out, "failed jobs: %d\n", len(jobs))
				for reason, n := range byReason {
					fmt.Fprintf(out, "  %s: %d\n", reason, n)
				}
			}
			return nil
		},
	}
}
