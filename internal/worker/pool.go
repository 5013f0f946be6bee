// Package worker runs the analysis pipeline: claim a job, process it,
// commit the result, enqueue follow-on work, repeat.
package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hindsight-dev/hindsight/internal/analyze"
	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/embed"
	"github.com/hindsight-dev/hindsight/internal/fileutil"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/session"
	"github.com/hindsight-dev/hindsight/internal/store"
)

const (
	defaultPollInterval = 2 * time.Second
	heartbeatInterval   = 30 * time.Second

	sessionCacheSize = 64
	sessionCacheTTL  = 5 * time.Minute
)

// Pool runs N workers over the shared queue.
type Pool struct {
	id     string
	store  *store.Store
	queue  *queue.Queue
	runner analyze.Runner
	engine embed.Engine // nil when embedding is disabled
	skills []analyze.Skill

	workerCfg    config.WorkerConfig
	analyzerCfg  config.AnalyzerConfig
	segmenterCfg config.SegmenterConfig

	// sessions caches parsed session files by size and mtime, so a retry
	// or a follow-up segment of an unchanged file skips the re-parse.
	sessions *fileutil.Cache[*session.Session]

	computer string
	wg       sync.WaitGroup
}

// New builds a worker pool. engine may be nil to disable embedding.
func New(st *store.Store, q *queue.Queue, runner analyze.Runner, engine embed.Engine, skills []analyze.Skill, workerCfg config.WorkerConfig, analyzerCfg config.AnalyzerConfig, segmenterCfg config.SegmenterConfig) *Pool {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Pool{
		id:           fmt.Sprintf("%s@%d", hostname, os.Getpid()),
		store:        st,
		queue:        q,
		runner:       runner,
		engine:       engine,
		skills:       skills,
		workerCfg:    workerCfg,
		analyzerCfg:  analyzerCfg,
		segmenterCfg: segmenterCfg,
		sessions:     fileutil.NewCache[*session.Session]("sessions", sessionCacheSize, sessionCacheTTL),
		computer:     hostname,
	}
}

// Start launches the worker goroutines. They stop when ctx is canceled;
// Wait blocks until all are done.
func (p *Pool) Start(ctx context.Context) {
	count := p.workerCfg.EffectiveCount()
	logger.Info(ctx, "starting workers", tag.Count(count), tag.WorkerID(p.id))
	for i := 0; i < count; i++ {
		p.wg.Add(1)
		workerID := fmt.Sprintf("%s/%s", p.id, uuid.NewString()[:8])
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
}

// Wait blocks until every worker goroutine has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// runWorker is one worker's claim loop. Polling is jittered so workers do
// not hammer the queue in lockstep.
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	poll := p.workerCfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "claim failed", tag.WorkerID(workerID), tag.Error(err))
		}
		if job != nil {
			p.processClaimed(ctx, workerID, job)
			continue // claim again immediately; the queue may have more
		}
		if !sleepJittered(ctx, poll) {
			return
		}
	}
}

// processClaimed runs one job under its deadline with a heartbeat, then
// commits the terminal transition. Terminal transitions use a background
// context so shutdown does not strand a running row until the reclaimer.
func (p *Pool) processClaimed(ctx context.Context, workerID string, job *queue.Job) {
	logger.Info(ctx, "processing job",
		tag.Job(job.ID), tag.Kind(string(job.Kind)), tag.WorkerID(workerID), tag.Attempt(job.RetryCount))

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout())
	defer cancel()
	stopHeartbeat := p.startHeartbeat(jobCtx, job.ID)
	err := p.process(jobCtx, job)
	stopHeartbeat()

	commitCtx, commitCancel := context.WithTimeout(logger.WithLogger(context.Background(), logger.FromContext(ctx)), 30*time.Second)
	defer commitCancel()

	if err == nil {
		if cerr := p.queue.Complete(commitCtx, job.ID); cerr != nil {
			logger.Error(ctx, "failed to mark job completed", tag.Job(job.ID), tag.Error(cerr))
		}
		return
	}

	cls := queue.Classify(err)
	logger.Warn(ctx, "job processing failed",
		tag.Job(job.ID), tag.Reason(cls.Reason), tag.Status(string(cls.Category)), tag.Error(err))
	if ferr := p.queue.Fail(commitCtx, job.ID, err, cls); ferr != nil {
		logger.Error(ctx, "failed to record job failure", tag.Job(job.ID), tag.Error(ferr))
	}
}

func (p *Pool) jobTimeout() time.Duration {
	if p.workerCfg.JobTimeout > 0 {
		return p.workerCfg.JobTimeout
	}
	return 10 * time.Minute
}

// startHeartbeat refreshes the job claim until the returned stop function
// is called.
func (p *Pool) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, jobID); err != nil {
					logger.Debug(ctx, "heartbeat failed", tag.Job(jobID), tag.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// sleepJittered sleeps around d (uniform in [d/2, 3d/2)) or returns false
// when the context is canceled.
func sleepJittered(ctx context.Context, d time.Duration) bool {
	half := d / 2
	wait := half + time.Duration(rand.Int64N(int64(d)))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
