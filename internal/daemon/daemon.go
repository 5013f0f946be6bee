// Package daemon assembles and runs the full pipeline: watcher, queue,
// worker pool, scheduler, and metrics over a single knowledge store.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/hindsight-dev/hindsight/internal/analyze"
	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/embed"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
	"github.com/hindsight-dev/hindsight/internal/metrics"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/scheduler"
	"github.com/hindsight-dev/hindsight/internal/store"
	"github.com/hindsight-dev/hindsight/internal/watcher"
	"github.com/hindsight-dev/hindsight/internal/worker"
)

const (
	statusInterval  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Daemon owns the component lifecycle. Construction wires everything;
// Run starts the pieces in dependency order and stops them in reverse.
type Daemon struct {
	cfg  *config.Config
	lock *flock.Flock

	store     *store.Store
	queue     *queue.Queue
	watcher   *watcher.Watcher
	workers   *worker.Pool
	scheduler *scheduler.Scheduler
	metrics   *metrics.Server
}

// New builds the daemon from config. The store stays closed until Run.
func New(cfg *config.Config) *Daemon {
	return &Daemon{cfg: cfg}
}

// Run starts every component and blocks until ctx is canceled, then
// shuts down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.acquireLock(ctx); err != nil {
		return err
	}
	defer func() { _ = d.lock.Unlock() }()

	st, err := store.New(ctx, d.cfg.Paths.DatabaseFile, d.cfg.Paths.NodesDir)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	d.store = st
	d.queue = queue.New(st.DB(), queue.Config{
		BaseRetryDelay: d.cfg.Queue.BaseRetryDelay,
		MaxRetryDelay:  d.cfg.Queue.MaxRetryDelay,
		UnknownRetries: d.cfg.Queue.UnknownRetries,
		Limits: queue.RetryLimits{
			Initial:             d.cfg.Queue.MaxRetries.Initial,
			Reanalysis:          d.cfg.Queue.MaxRetries.Reanalysis,
			ConnectionDiscovery: d.cfg.Queue.MaxRetries.ConnectionDiscovery,
		},
	})

	// Jobs claimed by a previous process that died become claimable again.
	if n, err := d.queue.ReclaimStale(ctx, d.cfg.Queue.StaleClaimWindow); err != nil {
		logger.Warn(ctx, "stale claim reclaim failed", tag.Error(err))
	} else if n > 0 {
		logger.Info(ctx, "stale claims reclaimed", tag.Count(n))
	}

	skills, err := d.loadSkills(ctx)
	if err != nil {
		return err
	}
	engine, err := embed.NewEngine(d.cfg.Embedding)
	if err != nil {
		return err
	}

	d.watcher = watcher.New(d.cfg.Paths.SessionDirs, d.cfg.Watcher)

	if d.cfg.Metrics.Enabled {
		reg := metrics.NewRegistry(metrics.NewCollector(d.store, d.queue, d.watcher))
		d.metrics = metrics.NewServer(d.cfg.Metrics.Addr, reg)
		d.metrics.Start(ctx)
	}

	runner := analyze.NewCLIRunner(d.cfg.Analyzer)
	d.workers = worker.New(d.store, d.queue, runner, engine, skills,
		d.cfg.Worker, d.cfg.Analyzer, d.cfg.Segmenter)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.watcher.Start(runCtx); err != nil {
		return err
	}
	d.workers.Start(runCtx)

	if d.cfg.Scheduler.Enabled {
		sched, err := scheduler.New(d.cfg.Scheduler, scheduler.NewMaintenance(d.store, d.queue, engine))
		if err != nil {
			return err
		}
		d.scheduler = sched
		go d.scheduler.Start(runCtx)
	}

	go d.statusLoop(runCtx)
	go d.reclaimLoop(runCtx)
	d.pumpEvents(runCtx)

	// Watcher events are done; stop the rest in reverse order.
	shutdownCtx, shutdownCancel := context.WithTimeout(
		logger.WithLogger(context.Background(), logger.FromContext(ctx)), shutdownTimeout)
	defer shutdownCancel()

	if d.scheduler != nil {
		d.scheduler.Stop(shutdownCtx)
	}
	d.workers.Wait()
	d.watcher.Wait()
	if d.metrics != nil {
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "metrics shutdown failed", tag.Error(err))
		}
	}
	d.writeStatus(shutdownCtx, false)
	logger.Info(shutdownCtx, "daemon stopped")
	return nil
}

// acquireLock takes the data-dir lock so two daemons never share one
// database writer.
func (d *Daemon) acquireLock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.Paths.LockFile), 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	d.lock = flock.New(d.cfg.Paths.LockFile)
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", d.cfg.Paths.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", d.cfg.Paths.LockFile)
	}
	logger.Info(ctx, "instance lock acquired", tag.File(d.cfg.Paths.LockFile))
	return nil
}

// loadSkills discovers analyzer skills and verifies the required set.
func (d *Daemon) loadSkills(ctx context.Context) ([]analyze.Skill, error) {
	if d.cfg.Analyzer.SkillsDir == "" {
		return nil, nil
	}
	skills, err := analyze.DiscoverSkills(ctx, d.cfg.Analyzer.SkillsDir)
	if err != nil {
		return nil, err
	}
	if err := analyze.VerifyRequiredSkills(skills, d.cfg.Analyzer.RequiredSkills); err != nil {
		return nil, err
	}
	logger.Info(ctx, "skills discovered", tag.Count(len(skills)), tag.Dir(d.cfg.Analyzer.SkillsDir))
	return skills, nil
}

// reclaimLoop periodically returns jobs with dead claims to pending, so a
// worker that vanished mid-job does not strand its row until restart.
func (d *Daemon) reclaimLoop(ctx context.Context) {
	window := d.cfg.Queue.StaleClaimWindow
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.queue.ReclaimStale(ctx, window); err != nil {
				logger.Warn(ctx, "stale claim reclaim failed", tag.Error(err))
			}
		}
	}
}

// pumpEvents translates watcher events into initial analysis jobs. It
// returns when the watcher channel closes.
func (d *Daemon) pumpEvents(ctx context.Context) {
	for ev := range d.watcher.Events() {
		switch ev.Kind {
		case watcher.EventSessionReady:
			d.enqueueInitial(ctx, ev.Path)
		case watcher.EventSessionIdle:
			logger.Debug(ctx, "session idle", tag.Session(ev.Path))
		case watcher.EventError:
			logger.Warn(ctx, "watcher reported file error", tag.File(ev.Path), tag.Error(ev.Err))
		}
	}
}

// enqueueInitial creates an initial job for a ready session unless one is
// already pending or running.
func (d *Daemon) enqueueInitial(ctx context.Context, path string) {
	exists, err := d.queue.HasExistingJob(ctx, path, queue.KindInitial)
	if err != nil {
		logger.Error(ctx, "job dedupe check failed", tag.Session(path), tag.Error(err))
		return
	}
	if exists {
		logger.Debug(ctx, "initial job already queued", tag.Session(path))
		return
	}
	id, err := d.queue.Enqueue(ctx, queue.Job{
		Kind:        queue.KindInitial,
		SessionPath: path,
	})
	if err != nil {
		logger.Error(ctx, "failed to enqueue initial job", tag.Session(path), tag.Error(err))
		return
	}
	logger.Info(ctx, "session queued for analysis", tag.Session(path), tag.Job(id))
}
