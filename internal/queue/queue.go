package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

var (
	// ErrJobNotFound indicates no job row exists for the given ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotClaimable is returned internally when a claim races and loses.
	ErrNotClaimable = errors.New("job not claimable")
)

// Stored errors are truncated so one pathological failure cannot bloat the
// database.
const maxStoredErrorBytes = 4096

// Config holds queue tuning.
type Config struct {
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// UnknownRetries overrides the retry budget once an error classifies
	// as unknown.
	UnknownRetries int
	// Limits overrides the per-kind retry budget where positive.
	Limits RetryLimits
}

// RetryLimits holds per-kind maximum retry counts. A zero field falls back
// to DefaultMaxRetries.
type RetryLimits struct {
	Initial             int
	Reanalysis          int
	ConnectionDiscovery int
}

func (c Config) maxRetriesFor(kind Kind) int {
	var n int
	switch kind {
	case KindInitial:
		n = c.Limits.Initial
	case KindReanalysis:
		n = c.Limits.Reanalysis
	case KindConnectionDiscovery:
		n = c.Limits.ConnectionDiscovery
	}
	if n > 0 {
		return n
	}
	return DefaultMaxRetries(kind)
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseRetryDelay: 30 * time.Second,
		MaxRetryDelay:  15 * time.Minute,
		UnknownRetries: 1,
	}
}

// Queue is the durable priority job queue. It shares the knowledge store's
// database so claims serialize under the single writer.
type Queue struct {
	db  *sql.DB
	cfg Config
}

// New wraps the shared database handle.
func New(db *sql.DB, cfg Config) *Queue {
	if cfg.BaseRetryDelay <= 0 {
		cfg = DefaultConfig()
	}
	return &Queue{db: db, cfg: cfg}
}

// Enqueue inserts a pending job and returns its ID. Zero-valued Priority,
// MaxRetries, ID, and QueuedAt fields are filled with kind defaults.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.Priority == 0 {
		job.Priority = DefaultPriority(job.Kind)
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.cfg.maxRetriesFor(job.Kind)
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, status, session_path, target_node_id, priority, queued_at, max_retries, context)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), job.SessionPath, job.TargetNodeID, job.Priority,
		formatTime(job.QueuedAt), job.MaxRetries, string(job.Context))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	logger.Debug(ctx, "job enqueued", tag.Job(job.ID), tag.Kind(string(job.Kind)), tag.Priority(job.Priority))
	return job.ID, nil
}

// EnqueueMany inserts several jobs, returning the IDs of those that made it
// in. A single failure aborts the rest.
func (q *Queue) EnqueueMany(ctx context.Context, jobs []Job) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		id, err := q.Enqueue(ctx, job)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Claim atomically transitions the most eligible pending job to running on
// behalf of workerID. Eligible means status=pending and nextRetryAt absent
// or in the past; lowest priority value wins, then oldest queuedAt.
// Returns (nil, nil) when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now().UTC()
	for {
		var id string
		err := q.db.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY priority ASC, queued_at ASC
			LIMIT 1`, formatTime(now)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable job: %w", err)
		}

		// Optimistic guard on (id, status): a concurrent claimer loses the
		// update and retries on the next candidate.
		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', claimed_by = ?, started_at = ?, claim_heartbeat_at = ?
			WHERE id = ? AND status = 'pending'`,
			workerID, formatTime(now), formatTime(now), id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result: %w", err)
		}
		if affected == 0 {
			continue // lost the race; try the next candidate
		}

		job, err := q.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		logger.Debug(ctx, "job claimed", tag.Job(id), tag.WorkerID(workerID))
		return job, nil
	}
}

// Complete marks a running job completed.
func (q *Queue) Complete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE jobs SET status = 'completed', finished_at = ? WHERE id = ? AND status = 'running'",
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return requireAffected(res, id)
}

// Fail records a failure. When the classification allows a retry and the
// budget is not exhausted, the job transitions back to pending with
// nextRetryAt = now + backoff; otherwise it fails terminally.
func (q *Queue) Fail(ctx context.Context, id string, failure error, cls Classification) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	msg := truncateError(failure)

	maxRetries := job.MaxRetries
	if cls.Category == CategoryUnknown && q.cfg.UnknownRetries < maxRetries {
		maxRetries = q.cfg.UnknownRetries
	}
	retry := cls.Retriable() && job.RetryCount < maxRetries

	if retry {
		delay := withRetryJitter(BackoffDelay(job.RetryCount, q.cfg.BaseRetryDelay, q.cfg.MaxRetryDelay), q.cfg.BaseRetryDelay, q.cfg.MaxRetryDelay)
		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', retry_count = retry_count + 1, next_retry_at = ?,
				last_error = ?, last_error_category = ?, last_error_reason = ?, claimed_by = ''
			WHERE id = ? AND status = 'running'`,
			formatTime(now.Add(delay)), msg, string(cls.Category), cls.Reason, id)
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		logger.Info(ctx, "job scheduled for retry",
			tag.Job(id), tag.Reason(cls.Reason), tag.Attempt(job.RetryCount+1), tag.Duration(delay))
		return requireAffected(res, id)
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', finished_at = ?,
			last_error = ?, last_error_category = ?, last_error_reason = ?
		WHERE id = ? AND status = 'running'`,
		formatTime(now), msg, string(cls.Category), cls.Reason, id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	logger.Warn(ctx, "job failed terminally", tag.Job(id), tag.Reason(cls.Reason), tag.Error(failure))
	return requireAffected(res, id)
}

// BackoffDelay is the deterministic exponential backoff backbone:
// min(base * 2^retryCount, max). Jitter is added separately so this stays
// monotonically non-decreasing in retryCount.
func BackoffDelay(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return min(delay, max)
}

// withRetryJitter adds a uniform jitter in [0, base) and re-applies the cap.
func withRetryJitter(delay, base, max time.Duration) time.Duration {
	if base > 0 {
		delay += time.Duration(rand.Int64N(int64(base)))
	}
	return min(delay, max)
}

// Retry returns a failed job to pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', retry_count = 0, next_retry_at = NULL,
			claimed_by = '', finished_at = NULL
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	return requireAffected(res, id)
}

// Cancel fails a pending job before any worker claims it.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', finished_at = ?,
			last_error = 'canceled by operator', last_error_category = 'permanent', last_error_reason = 'canceled'
		WHERE id = ? AND status = 'pending'`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return requireAffected(res, id)
}

// HasExistingJob reports whether a pending or running job of the given kind
// already targets the session path. Used to dedupe watcher re-emissions.
func (q *Queue) HasExistingJob(ctx context.Context, sessionPath string, kind Kind) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx,
		"SELECT 1 FROM jobs WHERE session_path = ? AND kind = ? AND status IN ('pending', 'running') LIMIT 1",
		sessionPath, string(kind)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check existing jobs: %w", err)
	}
	return true, nil
}

// HasExistingNodeJob reports whether a pending or running job of the given
// kind already targets the node. Used to dedupe recurring discovery runs.
func (q *Queue) HasExistingNodeJob(ctx context.Context, nodeID string, kind Kind) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx,
		"SELECT 1 FROM jobs WHERE target_node_id = ? AND kind = ? AND status IN ('pending', 'running') LIMIT 1",
		nodeID, string(kind)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check existing jobs: %w", err)
	}
	return true, nil
}

// Heartbeat refreshes a running job's claim so the reclaimer leaves it be.
func (q *Queue) Heartbeat(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE jobs SET claim_heartbeat_at = ? WHERE id = ? AND status = 'running'",
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	return nil
}

// ReclaimStale returns running jobs whose claim heartbeat is older than the
// window back to pending, making work of dead workers claimable again.
func (q *Queue) ReclaimStale(ctx context.Context, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', claimed_by = '',
			last_error = 'reclaimed from stale claim', last_error_category = 'transient', last_error_reason = 'stale_claim'
		WHERE status = 'running' AND (claim_heartbeat_at IS NULL OR claim_heartbeat_at < ?)`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reclaim count: %w", err)
	}
	if n > 0 {
		logger.Info(ctx, "reclaimed stale jobs", tag.Count(int(n)))
	}
	return int(n), nil
}

// Stats is a per-status job count snapshot.
type Stats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// Stats counts jobs by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan job stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// ListByStatus returns up to limit jobs of the given status, newest first.
func (q *Queue) ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		jobColumns+" FROM jobs WHERE status = ? ORDER BY queued_at DESC LIMIT ?",
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// GetJob loads one job by ID.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

const jobColumns = `SELECT id, kind, status, session_path, target_node_id, priority,
	queued_at, started_at, finished_at, retry_count, max_retries, next_retry_at,
	last_error, last_error_category, last_error_reason, claimed_by, claim_heartbeat_at, context`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var kind, status string
	var queuedAt string
	var startedAt, finishedAt, nextRetryAt, heartbeatAt sql.NullString
	var category string
	var jobCtx string
	err := row.Scan(&job.ID, &kind, &status, &job.SessionPath, &job.TargetNodeID, &job.Priority,
		&queuedAt, &startedAt, &finishedAt, &job.RetryCount, &job.MaxRetries, &nextRetryAt,
		&job.LastError, &category, &job.LastReason, &job.ClaimedBy, &heartbeatAt, &jobCtx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.LastErrorCat = Category(category)
	job.QueuedAt = parseTime(queuedAt)
	job.StartedAt = parseNullTime(startedAt)
	job.FinishedAt = parseNullTime(finishedAt)
	job.NextRetryAt = parseNullTime(nextRetryAt)
	job.HeartbeatAt = parseNullTime(heartbeatAt)
	if jobCtx != "" {
		job.Context = []byte(jobCtx)
	}
	return &job, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}
	return nil
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxStoredErrorBytes {
		msg = msg[:maxStoredErrorBytes]
	}
	return msg
}

// timeFormat is fixed width so stored strings compare in SQL the same way
// the times order numerically. RFC3339Nano trims trailing fractional zeros
// and would break the queued_at claim ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	return parseTime(s.String)
}
