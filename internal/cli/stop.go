package cli

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hindsight-dev/hindsight/internal/daemon"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

const stopWait = 30 * time.Second

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal a running daemon to shut down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			st, err := daemon.ReadStatus(cfg.Paths.StatusFile)
			if err != nil {
				return fmt.Errorf("failed to read daemon status: %w", err)
			}
			if !st.Running || st.PID <= 0 {
				return errors.New("daemon is not running")
			}
			if err := syscall.Kill(st.PID, syscall.SIGTERM); err != nil {
				if errors.Is(err, syscall.ESRCH) {
					return fmt.Errorf("daemon pid %d is gone; status file is stale", st.PID)
				}
				return fmt.Errorf("failed to signal pid %d: %w", st.PID, err)
			}
			logger.Info(ctx, "stop signal sent", tag.PID(st.PID))

			deadline := time.Now().Add(stopWait)
			for time.Now().Before(deadline) {
				if err := syscall.Kill(st.PID, 0); errors.Is(err, syscall.ESRCH) {
					logger.Info(ctx, "daemon stopped", tag.PID(st.PID))
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			return fmt.Errorf("daemon pid %d did not exit within %s", st.PID, stopWait)
		},
	}
}
