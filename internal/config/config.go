package config

import (
	"fmt"
	"runtime"
	"slices"
	"time"
)

// Config holds the overall configuration for the application.
type Config struct {
	LogLevel  string
	LogFormat string // "json" or "text"
	Debug     bool
	Paths     PathsConfig
	Watcher   WatcherConfig
	Segmenter SegmenterConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Analyzer  AnalyzerConfig
	Embedding EmbeddingConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
	Warnings  []string
}

// PathsConfig holds the filesystem layout. Everything except SessionDirs
// lives under DataDir.
type PathsConfig struct {
	DataDir        string
	LogDir         string
	SessionDirs    []string
	NodesDir       string // derived: <DataDir>/nodes
	DatabaseFile   string // derived: <DataDir>/knowledge.db
	LockFile       string // derived: <DataDir>/hindsight.lock
	StatusFile     string // derived: <DataDir>/status.json
	ConfigFileUsed string
}

// WatcherConfig controls session file discovery.
type WatcherConfig struct {
	PollInterval    time.Duration
	StabilityWindow time.Duration
	IdleWindow      time.Duration
	EventBufferSize int
}

// SegmenterConfig controls boundary detection.
type SegmenterConfig struct {
	// ResumeGap is the inactivity gap that opens a resume boundary.
	// Zero disables resume boundaries.
	ResumeGap time.Duration
}

// QueueConfig controls job retry and claim behavior.
type QueueConfig struct {
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	MaxRetries       RetryLimits
	UnknownRetries   int // retry budget override for unclassified errors
	StaleClaimWindow time.Duration
}

// RetryLimits holds per-kind maximum retry counts.
type RetryLimits struct {
	Initial             int
	Reanalysis          int
	ConnectionDiscovery int
}

// WorkerConfig controls the analysis worker pool.
type WorkerConfig struct {
	Count             int // 0 means min(NumCPU, 4)
	JobTimeout        time.Duration
	PollInterval      time.Duration
	FollowOnDiscovery bool
}

// EffectiveCount returns the configured worker count, applying the default
// of min(NumCPU, 4) when Count is zero.
func (w WorkerConfig) EffectiveCount() int {
	if w.Count > 0 {
		return w.Count
	}
	return min(runtime.NumCPU(), 4)
}

// AnalyzerConfig controls the external LLM CLI invocation.
type AnalyzerConfig struct {
	Command           string
	ExtraArgs         []string
	SkillsDir         string
	RequiredSkills    []string
	LargeSessionSkill string
	LargeSessionBytes int64
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Provider  string // "none", "http", or "mock"
	Endpoint  string
	Model     string
	Dimension int
	BatchSize int
}

// Embedding providers.
const (
	EmbeddingProviderNone = "none"
	EmbeddingProviderHTTP = "http"
	EmbeddingProviderMock = "mock"
)

// SchedulerConfig holds the recurring maintenance schedules.
type SchedulerConfig struct {
	Enabled             bool
	Reanalysis          ScheduleEntry
	ConnectionDiscovery ScheduleEntry
	PatternAggregation  ScheduleEntry
	Clustering          ScheduleEntry
	BackfillEmbeddings  ScheduleEntry
}

// ScheduleEntry is a single cron-driven maintenance job.
type ScheduleEntry struct {
	Enabled bool
	Cron    string
}

// MetricsConfig controls the prometheus listener.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// Validate checks cross-field constraints that the loader cannot express.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.dataDir must not be empty")
	}
	if len(c.Paths.SessionDirs) == 0 {
		return fmt.Errorf("paths.sessionDirs must list at least one directory")
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.pollInterval must be positive, got %s", c.Watcher.PollInterval)
	}
	if c.Watcher.StabilityWindow <= 0 {
		return fmt.Errorf("watcher.stabilityWindow must be positive, got %s", c.Watcher.StabilityWindow)
	}
	if c.Watcher.IdleWindow < c.Watcher.StabilityWindow {
		return fmt.Errorf("watcher.idleWindow must be >= stabilityWindow")
	}
	if c.Watcher.EventBufferSize <= 0 {
		return fmt.Errorf("watcher.eventBufferSize must be positive")
	}
	if c.Segmenter.ResumeGap < 0 {
		return fmt.Errorf("segmenter.resumeGap must not be negative")
	}
	if c.Queue.BaseRetryDelay <= 0 || c.Queue.MaxRetryDelay < c.Queue.BaseRetryDelay {
		return fmt.Errorf("queue retry delays invalid: base=%s max=%s", c.Queue.BaseRetryDelay, c.Queue.MaxRetryDelay)
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must not be negative")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.jobTimeout must be positive")
	}
	if c.Analyzer.Command == "" {
		return fmt.Errorf("analyzer.command must not be empty")
	}
	validProviders := []string{EmbeddingProviderNone, EmbeddingProviderHTTP, EmbeddingProviderMock}
	if !slices.Contains(validProviders, c.Embedding.Provider) {
		return fmt.Errorf("embedding.provider must be one of %v, got %q", validProviders, c.Embedding.Provider)
	}
	if c.Embedding.Provider == EmbeddingProviderHTTP {
		if c.Embedding.Endpoint == "" || c.Embedding.Model == "" {
			return fmt.Errorf("embedding.endpoint and embedding.model are required for the http provider")
		}
	}
	if c.Embedding.Provider != EmbeddingProviderNone && c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must not be empty when metrics are enabled")
	}
	return nil
}
