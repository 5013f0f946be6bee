package config

// Definition holds the raw configuration as read from external sources
// (YAML file, environment). Each field maps to a configuration key.
// Durations are strings so invalid values surface as warnings rather than
// unmarshal failures.
type Definition struct {
	// LogLevel sets the minimum log level: debug, info, warn, or error.
	LogLevel string `mapstructure:"logLevel"`

	// LogFormat defines the output format for log messages ("json" or "text").
	LogFormat string `mapstructure:"logFormat"`

	// Debug toggles debug mode; implies logLevel=debug.
	Debug bool `mapstructure:"debug"`

	// Paths holds filesystem path configuration.
	Paths *PathsDef `mapstructure:"paths"`

	// Watcher holds session file watcher configuration.
	Watcher *WatcherDef `mapstructure:"watcher"`

	// Segmenter holds boundary detection configuration.
	Segmenter *SegmenterDef `mapstructure:"segmenter"`

	// Queue holds job queue retry configuration.
	Queue *QueueDef `mapstructure:"queue"`

	// Worker holds worker pool configuration.
	Worker *WorkerDef `mapstructure:"worker"`

	// Analyzer holds the LLM CLI invocation configuration.
	Analyzer *AnalyzerDef `mapstructure:"analyzer"`

	// Embedding holds the embedding backend configuration.
	Embedding *EmbeddingDef `mapstructure:"embedding"`

	// Scheduler holds the recurring maintenance schedules.
	Scheduler *SchedulerDef `mapstructure:"scheduler"`

	// Metrics holds the prometheus listener configuration.
	Metrics *MetricsDef `mapstructure:"metrics"`
}

// PathsDef represents the file system paths configuration.
type PathsDef struct {
	DataDir     string   `mapstructure:"dataDir"`
	LogDir      string   `mapstructure:"logDir"`
	SessionDirs []string `mapstructure:"sessionDirs"`
}

// WatcherDef represents the session watcher configuration.
type WatcherDef struct {
	PollInterval    string `mapstructure:"pollInterval"`
	StabilityWindow string `mapstructure:"stabilityWindow"`
	IdleWindow      string `mapstructure:"idleWindow"`
	EventBufferSize int    `mapstructure:"eventBufferSize"`
}

// SegmenterDef represents boundary detection configuration.
type SegmenterDef struct {
	ResumeGap string `mapstructure:"resumeGap"`
}

// QueueDef represents job queue retry configuration.
type QueueDef struct {
	BaseRetryDelay   string          `mapstructure:"baseRetryDelay"`
	MaxRetryDelay    string          `mapstructure:"maxRetryDelay"`
	MaxRetries       *RetryLimitsDef `mapstructure:"maxRetries"`
	UnknownRetries   *int            `mapstructure:"unknownRetries"`
	StaleClaimWindow string          `mapstructure:"staleClaimWindow"`
}

// RetryLimitsDef represents per-kind retry limits.
type RetryLimitsDef struct {
	Initial             *int `mapstructure:"initial"`
	Reanalysis          *int `mapstructure:"reanalysis"`
	ConnectionDiscovery *int `mapstructure:"connectionDiscovery"`
}

// WorkerDef represents worker pool configuration.
type WorkerDef struct {
	Count             int    `mapstructure:"count"`
	JobTimeout        string `mapstructure:"jobTimeout"`
	PollInterval      string `mapstructure:"pollInterval"`
	FollowOnDiscovery *bool  `mapstructure:"followOnDiscovery"`
}

// AnalyzerDef represents the LLM CLI configuration.
type AnalyzerDef struct {
	Command           string   `mapstructure:"command"`
	ExtraArgs         []string `mapstructure:"extraArgs"`
	SkillsDir         string   `mapstructure:"skillsDir"`
	RequiredSkills    []string `mapstructure:"requiredSkills"`
	LargeSessionSkill string   `mapstructure:"largeSessionSkill"`
	LargeSessionBytes int64    `mapstructure:"largeSessionBytes"`
}

// EmbeddingDef represents the embedding backend configuration.
type EmbeddingDef struct {
	Provider  string `mapstructure:"provider"`
	Endpoint  string `mapstructure:"endpoint"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	BatchSize int    `mapstructure:"batchSize"`
}

// SchedulerDef represents the maintenance schedule configuration.
type SchedulerDef struct {
	Enabled             *bool             `mapstructure:"enabled"`
	Reanalysis          *ScheduleEntryDef `mapstructure:"reanalysis"`
	ConnectionDiscovery *ScheduleEntryDef `mapstructure:"connectionDiscovery"`
	PatternAggregation  *ScheduleEntryDef `mapstructure:"patternAggregation"`
	Clustering          *ScheduleEntryDef `mapstructure:"clustering"`
	BackfillEmbeddings  *ScheduleEntryDef `mapstructure:"backfillEmbeddings"`
}

// ScheduleEntryDef represents a single cron schedule.
type ScheduleEntryDef struct {
	Enabled *bool  `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// MetricsDef represents the prometheus listener configuration.
type MetricsDef struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}
