package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hindsight-dev/hindsight/internal/build"
	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/daemon"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			logFile, err := openDaemonLog(cfg)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer func() { _ = logFile.Close() }()
				logOpts := []logger.Option{
					logger.WithLevel(cfg.LogLevel),
					logger.WithFormat(cfg.LogFormat),
					logger.WithWriter(logFile),
				}
				if cfg.Debug {
					logOpts = append(logOpts, logger.WithDebug())
				}
				if quietFlag {
					logOpts = append(logOpts, logger.WithQuiet())
				}
				ctx = logger.WithLogger(ctx, logger.NewLogger(logOpts...))
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			logger.Info(ctx, "daemon starting",
				tag.String("version", build.Version), tag.Dir(cfg.Paths.DataDir))
			return daemon.New(cfg).Run(ctx)
		},
	}
}

// openDaemonLog opens a dated log file under the configured log dir. The
// file carries O_SYNC so concurrent handler writes stay line-atomic.
func openDaemonLog(cfg *config.Config) (*os.File, error) {
	if cfg.Paths.LogDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	name := fmt.Sprintf("daemon-%s.log", time.Now().Format("20060102"))
	f, err := os.OpenFile(filepath.Join(cfg.Paths.LogDir, name),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_SYNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
