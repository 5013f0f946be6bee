package daemon

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/hindsight-dev/hindsight/internal/build"
	"github.com/hindsight-dev/hindsight/internal/fileutil"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

// Status is the periodically written daemon snapshot. The CLI and health
// checks read it instead of opening the database.
type Status struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid"`
	Version       string    `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
	TrackedFiles  int       `json:"trackedFiles"`
	DroppedEvents uint64    `json:"droppedEvents"`
	Jobs          JobCounts `json:"jobs"`
	Nodes         int       `json:"nodes"`
	Edges         int       `json:"edges"`
	Embeddings    int       `json:"embeddings"`
}

// JobCounts mirrors queue stats in the status file.
type JobCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// statusLoop refreshes the status file until ctx is canceled.
func (d *Daemon) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	d.writeStatus(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeStatus(ctx, true)
		}
	}
}

// writeStatus snapshots current state into the status file atomically.
func (d *Daemon) writeStatus(ctx context.Context, running bool) {
	st := Status{
		Running:   running,
		PID:       os.Getpid(),
		Version:   build.Version,
		UpdatedAt: time.Now().UTC(),
	}
	if d.watcher != nil {
		st.TrackedFiles = d.watcher.TrackedFiles()
		st.DroppedEvents = d.watcher.Overflow()
	}
	if stats, err := d.queue.Stats(ctx); err == nil {
		st.Jobs = JobCounts{
			Pending:   stats.Pending,
			Running:   stats.Running,
			Completed: stats.Completed,
			Failed:    stats.Failed,
		}
	}
	if nodes, edges, embeddings, err := d.store.Counts(ctx); err == nil {
		st.Nodes = nodes
		st.Edges = edges
		st.Embeddings = embeddings
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		logger.Error(ctx, "failed to encode status", tag.Error(err))
		return
	}
	if err := fileutil.WriteFileAtomic(d.cfg.Paths.StatusFile, data, 0o644); err != nil {
		logger.Warn(ctx, "failed to write status file", tag.File(d.cfg.Paths.StatusFile), tag.Error(err))
	}
}

// ReadStatus loads the status file written by a running daemon.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
