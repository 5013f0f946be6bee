// Package scheduler runs the recurring maintenance jobs on cron
// schedules: reanalysis sweeps, connection discovery, pattern
// aggregation, clustering, and embedding backfill.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

// TaskKind identifies one recurring maintenance task.
type TaskKind string

const (
	TaskReanalysis          TaskKind = "reanalysis"
	TaskConnectionDiscovery TaskKind = "connection_discovery"
	TaskPatternAggregation  TaskKind = "pattern_aggregation"
	TaskClustering          TaskKind = "clustering"
	TaskBackfillEmbeddings  TaskKind = "backfill_embeddings"
)

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// entry is one validated schedule.
type entry struct {
	kind     TaskKind
	schedule cron.Schedule
	spec     string
	run      func(ctx context.Context) error
	running  atomic.Bool
}

// Scheduler fires maintenance tasks on a minute-truncated timer. A tick
// for a task whose previous run is still live is skipped, never queued.
type Scheduler struct {
	entries  []*entry
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	wg       sync.WaitGroup
}

// Tasks supplies the implementations the schedules invoke.
type Tasks interface {
	Reanalysis(ctx context.Context) error
	ConnectionDiscovery(ctx context.Context) error
	PatternAggregation(ctx context.Context) error
	Clustering(ctx context.Context) error
	BackfillEmbeddings(ctx context.Context) error
}

// New validates the configured schedules and builds the scheduler.
func New(cfg config.SchedulerConfig, tasks Tasks) (*Scheduler, error) {
	specs := []struct {
		kind  TaskKind
		entry config.ScheduleEntry
		run   func(ctx context.Context) error
	}{
		{TaskReanalysis, cfg.Reanalysis, tasks.Reanalysis},
		{TaskConnectionDiscovery, cfg.ConnectionDiscovery, tasks.ConnectionDiscovery},
		{TaskPatternAggregation, cfg.PatternAggregation, tasks.PatternAggregation},
		{TaskClustering, cfg.Clustering, tasks.Clustering},
		{TaskBackfillEmbeddings, cfg.BackfillEmbeddings, tasks.BackfillEmbeddings},
	}

	s := &Scheduler{stopChan: make(chan struct{})}
	for _, spec := range specs {
		if !spec.entry.Enabled {
			continue
		}
		schedule, err := cronParser.Parse(spec.entry.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q for %s: %w", spec.entry.Cron, spec.kind, err)
		}
		s.entries = append(s.entries, &entry{
			kind:     spec.kind,
			schedule: schedule,
			spec:     spec.entry.Cron,
			run:      spec.run,
		})
	}
	return s, nil
}

// Start runs the timer loop until Stop is called or ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.entries) == 0 {
		logger.Info(ctx, "scheduler has no enabled tasks")
		return
	}
	for _, e := range s.entries {
		logger.Info(ctx, "schedule registered",
			tag.Name(string(e.kind)), tag.Schedule(e.spec), tag.NextRun(e.schedule.Next(now())))
	}

	s.running.Store(true)
	t := now().Truncate(time.Minute)
	timer := time.NewTimer(0)
	for {
		select {
		case <-timer.C:
			s.tick(ctx, t)
			t = nextTick(t)
			_ = timer.Stop()
			timer.Reset(t.Sub(now()))
		case <-ctx.Done():
			_ = timer.Stop()
			s.Stop(ctx)
			return
		case <-s.stopChan:
			_ = timer.Stop()
			return
		}
	}
}

// tick fires every task whose next scheduled time is at or before the
// minute boundary. Overlapping runs of the same task are skipped.
func (s *Scheduler) tick(ctx context.Context, t time.Time) {
	for _, e := range s.entries {
		next := e.schedule.Next(t.Add(-time.Second))
		if next.After(t) {
			continue
		}
		if !e.running.CompareAndSwap(false, true) {
			logger.Info(ctx, "previous run still live, skipping tick", tag.Name(string(e.kind)))
			continue
		}
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			defer e.running.Store(false)
			started := now()
			if err := e.run(ctx); err != nil {
				logger.Error(ctx, "maintenance task failed", tag.Name(string(e.kind)), tag.Error(err))
				return
			}
			logger.Info(ctx, "maintenance task finished",
				tag.Name(string(e.kind)), tag.Duration(now().Sub(started)))
		}(e)
	}
}

func nextTick(t time.Time) time.Time {
	return t.Add(time.Minute).Truncate(time.Minute)
}

// Stop halts the timer loop and waits for live task runs to return.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.running.Load() {
		return
	}
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.running.Store(false)
	logger.Info(ctx, "scheduler stopped")
}

var (
	// fixedTime pins the clock in tests.
	fixedTime     time.Time
	fixedTimeLock sync.RWMutex
)

func setFixedTime(t time.Time) {
	fixedTimeLock.Lock()
	defer fixedTimeLock.Unlock()
	fixedTime = t
}

func now() time.Time {
	fixedTimeLock.RLock()
	defer fixedTimeLock.RUnlock()
	if fixedTime.IsZero() {
		return time.Now()
	}
	return fixedTime
}
