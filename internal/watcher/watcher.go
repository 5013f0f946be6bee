// Package watcher discovers session log files and reports when they are
// ready for analysis. Logs are append-only, so readiness means the file
// has stopped growing for a stability window; filesystem notifications
// alone are not trusted because appends on some filesystems do not emit
// reliable modify events, so a polling pass backs them up.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

// EventKind identifies what happened to a watched session file.
type EventKind string

const (
	// EventSessionReady fires once per (path, leaf entry) when a file has
	// been unchanged for the stability window.
	EventSessionReady EventKind = "session_ready"
	// EventSessionIdle fires after the idle window with no change.
	EventSessionIdle EventKind = "session_idle"
	// EventError reports a file that could not be inspected.
	EventError EventKind = "error"
)

// Event is one watcher notification.
type Event struct {
	Kind EventKind
	Path string
	Err  error
}

const sessionExt = ".jsonl"

// fileState is the tracked state for one session file.
type fileState struct {
	firstSeenAt    time.Time
	lastModifiedAt time.Time
	lastSize       int64
	lastEntryID    string // leaf at the last ready notification
	lastChangeAt   time.Time
	isStable       bool
	notified       bool // ready fired for the current leaf
	idleNotified   bool
}

// Watcher tracks *.jsonl files under a set of directories and emits
// ready/idle events through a bounded channel. When consumers fall behind
// the oldest event is dropped and counted, never blocking the watcher.
type Watcher struct {
	dirs []string
	cfg  config.WatcherConfig

	mu    sync.Mutex
	files map[string]*fileState

	events   chan Event
	overflow atomic.Uint64
	wg       sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// New builds a watcher over the given session directories.
func New(dirs []string, cfg config.WatcherConfig) *Watcher {
	bufSize := cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Watcher{
		dirs:   dirs,
		cfg:    cfg,
		files:  make(map[string]*fileState),
		events: make(chan Event, bufSize),
		now:    time.Now,
	}
}

// Events returns the notification channel. It is closed after Start's
// context is canceled and the run loop has drained.
func (w *Watcher) Events() <-chan Event { return w.events }

// Overflow returns the number of events dropped because the channel was
// full.
func (w *Watcher) Overflow() uint64 { return w.overflow.Load() }

// TrackedFiles returns the number of files currently under watch.
func (w *Watcher) TrackedFiles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// Start scans existing files, then runs the hybrid notify+poll loop until
// ctx is canceled. Files already stable at startup do not produce ready
// events; downstream deduplication by deterministic node ID covers any
// over-emission after that.
func (w *Watcher) Start(ctx context.Context) error {
	w.scanStartup(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn(ctx, "filesystem notifications unavailable, polling only", tag.Error(err))
		fsw = nil
	} else {
		for _, dir := range w.dirs {
			if err := fsw.Add(dir); err != nil {
				logger.Warn(ctx, "cannot watch session dir", tag.Dir(dir), tag.Error(err))
			}
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(w.events)
		if fsw != nil {
			defer func() { _ = fsw.Close() }()
		}
		w.run(ctx, fsw)
	}()
	return nil
}

// Wait blocks until the run loop has exited.
func (w *Watcher) Wait() { w.wg.Wait() }

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if fsw != nil {
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if !isSessionFile(ev.Name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				w.forget(ctx, ev.Name)
			default:
				w.inspect(ctx, ev.Name)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			logger.Warn(ctx, "filesystem notification error", tag.Error(err))
		}
	}
}

// scanStartup enumerates existing session files and seeds their state.
// Already-stable files are marked notified so restart does not replay the
// whole history through the queue.
func (w *Watcher) scanStartup(ctx context.Context) {
	now := w.now()
	for _, dir := range w.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isSessionFile(path) {
				return nil //nolint:nilerr // unreadable subtrees are skipped, not fatal
			}
			info, statErr := d.Info()
			if statErr != nil {
				return nil
			}
			w.mu.Lock()
			w.files[path] = &fileState{
				firstSeenAt:    now,
				lastModifiedAt: info.ModTime(),
				lastSize:       info.Size(),
				lastChangeAt:   info.ModTime(),
				isStable:       true,
				notified:       true,
				idleNotified:   true,
			}
			w.mu.Unlock()
			return nil
		})
		if err != nil {
			logger.Warn(ctx, "startup scan failed", tag.Dir(dir), tag.Error(err))
		}
	}
	logger.Info(ctx, "session dirs scanned", tag.Count(w.TrackedFiles()))
}

// poll re-enumerates the directories and re-inspects every known file.
func (w *Watcher) poll(ctx context.Context) {
	seen := make(map[string]struct{})
	for _, dir := range w.dirs {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isSessionFile(path) {
				return nil
			}
			seen[path] = struct{}{}
			w.inspect(ctx, path)
			return nil
		})
	}

	w.mu.Lock()
	var gone []string
	for path := range w.files {
		if _, ok := seen[path]; !ok {
			gone = append(gone, path)
		}
	}
	w.mu.Unlock()
	for _, path := range gone {
		w.forget(ctx, path)
	}
}

// inspect updates one file's state from a fresh stat and emits events on
// stability transitions.
func (w *Watcher) inspect(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			w.forget(ctx, path)
			return
		}
		w.forget(ctx, path)
		w.emit(ctx, Event{Kind: EventError, Path: path, Err: err})
		return
	}

	now := w.now()

	w.mu.Lock()
	st, known := w.files[path]
	if !known {
		w.files[path] = &fileState{
			firstSeenAt:    now,
			lastModifiedAt: info.ModTime(),
			lastSize:       info.Size(),
			lastChangeAt:   now,
		}
		w.mu.Unlock()
		return
	}

	changed := info.Size() != st.lastSize || info.ModTime().After(st.lastModifiedAt)
	if changed {
		st.lastSize = info.Size()
		st.lastModifiedAt = info.ModTime()
		st.lastChangeAt = now
		st.isStable = false
		st.notified = false
		st.idleNotified = false
		w.mu.Unlock()
		return
	}

	quiet := now.Sub(st.lastChangeAt)
	var ready, idle bool
	if quiet >= w.cfg.StabilityWindow && !st.notified {
		leaf, leafErr := readLeafEntryID(path)
		if leafErr != nil {
			w.mu.Unlock()
			w.forget(ctx, path)
			w.emit(ctx, Event{Kind: EventError, Path: path, Err: leafErr})
			return
		}
		st.isStable = true
		st.notified = true
		// A stable file with an unchanged leaf went through truncate or
		// touch, not an append; the ready event is still emitted and
		// deduplicated downstream.
		st.lastEntryID = leaf
		ready = true
	}
	if quiet >= w.cfg.IdleWindow && !st.idleNotified {
		st.idleNotified = true
		idle = true
	}
	w.mu.Unlock()

	if ready {
		w.emit(ctx, Event{Kind: EventSessionReady, Path: path})
	}
	if idle {
		w.emit(ctx, Event{Kind: EventSessionIdle, Path: path})
	}
}

// forget deregisters a file until it reappears.
func (w *Watcher) forget(ctx context.Context, path string) {
	w.mu.Lock()
	_, known := w.files[path]
	delete(w.files, path)
	w.mu.Unlock()
	if known {
		logger.Debug(ctx, "session file deregistered", tag.File(path))
	}
}

// emit delivers an event without blocking: when the channel is full the
// oldest queued event is dropped and counted.
func (w *Watcher) emit(ctx context.Context, ev Event) {
	for {
		select {
		case w.events <- ev:
			return
		default:
		}
		select {
		case dropped := <-w.events:
			w.overflow.Add(1)
			logger.Warn(ctx, "watcher event dropped",
				tag.Kind(string(dropped.Kind)), tag.File(dropped.Path))
		default:
		}
	}
}

func isSessionFile(path string) bool {
	return strings.HasSuffix(path, sessionExt)
}
