package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/hindsight-dev/hindsight/internal/fileutil"
)

// Duration defaults applied when a configured value is missing or invalid.
const (
	defaultPollInterval    = 10 * time.Second
	defaultStabilityWindow = 30 * time.Second
	defaultIdleWindow      = 5 * time.Minute
	defaultResumeGap       = 10 * time.Minute
	defaultBaseRetryDelay  = 30 * time.Second
	defaultMaxRetryDelay   = time.Hour
	defaultStaleClaim      = 15 * time.Minute
	defaultJobTimeout      = 10 * time.Minute
	defaultWorkerPoll      = 2 * time.Second

	defaultEventBufferSize = 256
)

// ConfigLoader reads and merges configuration from various sources.
type ConfigLoader struct {
	v          *viper.Viper
	configFile string
	warnings   []string
	appHomeDir string
}

// ConfigLoaderOption defines a functional option for configuring a ConfigLoader.
type ConfigLoaderOption func(*ConfigLoader)

// WithConfigFile returns a ConfigLoaderOption that sets the configuration file path.
func WithConfigFile(configFile string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.configFile = configFile
	}
}

// WithAppHomeDir returns a ConfigLoaderOption that sets the application home
// directory, overriding the default HINDSIGHT_HOME resolution.
func WithAppHomeDir(dir string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.appHomeDir = dir
	}
}

// NewConfigLoader creates a ConfigLoader with the given viper instance and options.
func NewConfigLoader(v *viper.Viper, options ...ConfigLoaderOption) *ConfigLoader {
	loader := &ConfigLoader{v: v}
	for _, opt := range options {
		opt(loader)
	}
	return loader
}

// Load reads configuration files, applies defaults and environment overrides,
// and returns a validated Config instance.
func (l *ConfigLoader) Load() (*Config, error) {
	homeDir, err := getHomeDir()
	if err != nil {
		return nil, err
	}

	xdgConfig := XDGConfig{
		DataHome:   xdg.DataHome,
		ConfigHome: filepath.Join(homeDir, ".config"),
	}

	l.setupViper(xdgConfig, homeDir)

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	configFileUsed, err := l.resolvePath("config file", l.v.ConfigFileUsed())
	if err != nil {
		return nil, err
	}

	var def Definition
	if err := l.v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	cfg.Paths.ConfigFileUsed = configFileUsed
	cfg.Warnings = l.warnings

	return cfg, nil
}

func (l *ConfigLoader) setupViper(xdgConfig XDGConfig, homeDir string) {
	var paths Paths
	if l.appHomeDir != "" {
		paths = setUnifiedPaths(fileutil.ResolvePathOrBlank(l.appHomeDir))
	} else {
		paths = ResolvePaths(strings.ToUpper(AppSlug)+"_HOME", filepath.Join(homeDir, "."+AppSlug), xdgConfig)
	}

	l.configureViper(paths.ConfigDir, l.configFile)
	l.bindEnvironmentVariables()
	l.setViperDefaultValues(paths, homeDir)
}

func (l *ConfigLoader) configureViper(configDir, configFile string) {
	if configFile == "" {
		l.v.AddConfigPath(configDir)
		l.v.SetConfigName("config")
	} else {
		l.v.SetConfigFile(configFile)
	}
	l.v.SetConfigType("yaml")
	l.v.SetEnvPrefix(strings.ToUpper(AppSlug))
	l.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	l.v.AutomaticEnv()
}

func (l *ConfigLoader) setViperDefaultValues(paths Paths, homeDir string) {
	// Core
	l.v.SetDefault("logLevel", "info")
	l.v.SetDefault("logFormat", "text")
	l.v.SetDefault("debug", false)

	// Paths
	l.v.SetDefault("paths.dataDir", paths.DataDir)
	l.v.SetDefault("paths.logDir", paths.LogsDir)
	l.v.SetDefault("paths.sessionDirs", []string{filepath.Join(homeDir, ".claude", "projects")})

	// Watcher
	l.v.SetDefault("watcher.pollInterval", "10s")
	l.v.SetDefault("watcher.stabilityWindow", "30s")
	l.v.SetDefault("watcher.idleWindow", "5m")
	l.v.SetDefault("watcher.eventBufferSize", defaultEventBufferSize)

	// Segmenter
	l.v.SetDefault("segmenter.resumeGap", "10m")

	// Queue
	l.v.SetDefault("queue.baseRetryDelay", "30s")
	l.v.SetDefault("queue.maxRetryDelay", "1h")
	l.v.SetDefault("queue.maxRetries.initial", 3)
	l.v.SetDefault("queue.maxRetries.reanalysis", 2)
	l.v.SetDefault("queue.maxRetries.connectionDiscovery", 2)
	l.v.SetDefault("queue.unknownRetries", 1)
	l.v.SetDefault("queue.staleClaimWindow", "15m")

	// Worker
	l.v.SetDefault("worker.count", 0)
	l.v.SetDefault("worker.jobTimeout", "10m")
	l.v.SetDefault("worker.pollInterval", "2s")
	l.v.SetDefault("worker.followOnDiscovery", true)

	// Analyzer
	l.v.SetDefault("analyzer.command", "claude")
	l.v.SetDefault("analyzer.requiredSkills", []string{"session-analysis", "connection-discovery"})
	l.v.SetDefault("analyzer.largeSessionSkill", "large-session")
	l.v.SetDefault("analyzer.largeSessionBytes", int64(8*1024*1024))

	// Embedding
	l.v.SetDefault("embedding.provider", EmbeddingProviderNone)
	l.v.SetDefault("embedding.endpoint", "http://localhost:11434")
	l.v.SetDefault("embedding.model", "nomic-embed-text")
	l.v.SetDefault("embedding.dimension", 768)
	l.v.SetDefault("embedding.batchSize", 32)

	// Scheduler
	l.v.SetDefault("scheduler.enabled", true)
	l.v.SetDefault("scheduler.reanalysis.enabled", true)
	l.v.SetDefault("scheduler.reanalysis.cron", "0 3 * * *")
	l.v.SetDefault("scheduler.connectionDiscovery.enabled", true)
	l.v.SetDefault("scheduler.connectionDiscovery.cron", "30 * * * *")
	l.v.SetDefault("scheduler.patternAggregation.enabled", true)
	l.v.SetDefault("scheduler.patternAggregation.cron", "0 4 * * *")
	l.v.SetDefault("scheduler.clustering.enabled", false)
	l.v.SetDefault("scheduler.clustering.cron", "0 5 * * 0")
	l.v.SetDefault("scheduler.backfillEmbeddings.enabled", true)
	l.v.SetDefault("scheduler.backfillEmbeddings.cron", "15 2 * * *")

	// Metrics
	l.v.SetDefault("metrics.enabled", false)
	l.v.SetDefault("metrics.addr", "127.0.0.1:9090")
}

type envBinding struct {
	key    string
	env    string
	isPath bool
}

var envBindings = []envBinding{
	// Core
	{key: "logLevel", env: "LOG_LEVEL"},
	{key: "logFormat", env: "LOG_FORMAT"},
	{key: "debug", env: "DEBUG"},

	// Paths
	{key: "paths.dataDir", env: "DATA_DIR", isPath: true},
	{key: "paths.logDir", env: "LOG_DIR", isPath: true},
	{key: "paths.sessionDirs", env: "SESSION_DIRS"},

	// Watcher
	{key: "watcher.pollInterval", env: "WATCHER_POLL_INTERVAL"},
	{key: "watcher.stabilityWindow", env: "WATCHER_STABILITY_WINDOW"},
	{key: "watcher.idleWindow", env: "WATCHER_IDLE_WINDOW"},
	{key: "watcher.eventBufferSize", env: "WATCHER_EVENT_BUFFER_SIZE"},

	// Segmenter
	{key: "segmenter.resumeGap", env: "SEGMENTER_RESUME_GAP"},

	// Queue
	{key: "queue.baseRetryDelay", env: "QUEUE_BASE_RETRY_DELAY"},
	{key: "queue.maxRetryDelay", env: "QUEUE_MAX_RETRY_DELAY"},
	{key: "queue.staleClaimWindow", env: "QUEUE_STALE_CLAIM_WINDOW"},

	// Worker
	{key: "worker.count", env: "WORKER_COUNT"},
	{key: "worker.jobTimeout", env: "WORKER_JOB_TIMEOUT"},
	{key: "worker.pollInterval", env: "WORKER_POLL_INTERVAL"},
	{key: "worker.followOnDiscovery", env: "WORKER_FOLLOW_ON_DISCOVERY"},

	// Analyzer
	{key: "analyzer.command", env: "ANALYZER_COMMAND"},
	{key: "analyzer.skillsDir", env: "ANALYZER_SKILLS_DIR", isPath: true},
	{key: "analyzer.largeSessionBytes", env: "ANALYZER_LARGE_SESSION_BYTES"},

	// Embedding
	{key: "embedding.provider", env: "EMBEDDING_PROVIDER"},
	{key: "embedding.endpoint", env: "EMBEDDING_ENDPOINT"},
	{key: "embedding.model", env: "EMBEDDING_MODEL"},
	{key: "embedding.dimension", env: "EMBEDDING_DIMENSION"},
	{key: "embedding.batchSize", env: "EMBEDDING_BATCH_SIZE"},

	// Scheduler
	{key: "scheduler.enabled", env: "SCHEDULER_ENABLED"},

	// Metrics
	{key: "metrics.enabled", env: "METRICS_ENABLED"},
	{key: "metrics.addr", env: "METRICS_ADDR"},
}

func (l *ConfigLoader) bindEnvironmentVariables() {
	prefix := strings.ToUpper(AppSlug) + "_"

	for _, b := range envBindings {
		fullEnv := prefix + b.env

		if b.isPath {
			if val := os.Getenv(fullEnv); val != "" {
				if abs, err := filepath.Abs(val); err == nil && abs != val {
					_ = os.Setenv(fullEnv, abs)
				}
			}
		}

		_ = l.v.BindEnv(b.key, fullEnv)
	}
}

// buildConfig transforms the Definition into a validated Config structure.
func (l *ConfigLoader) buildConfig(def Definition) (*Config, error) {
	var cfg Config

	l.loadCoreConfig(&cfg, def)
	if err := l.loadPathsConfig(&cfg, def); err != nil {
		return nil, err
	}
	l.loadWatcherConfig(&cfg, def)
	l.loadSegmenterConfig(&cfg, def)
	l.loadQueueConfig(&cfg, def)
	l.loadWorkerConfig(&cfg, def)
	if err := l.loadAnalyzerConfig(&cfg, def); err != nil {
		return nil, err
	}
	l.loadEmbeddingConfig(&cfg, def)
	l.loadSchedulerConfig(&cfg, def)
	l.loadMetricsConfig(&cfg, def)
	l.finalizePaths(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *ConfigLoader) loadCoreConfig(cfg *Config, def Definition) {
	cfg.LogLevel = def.LogLevel
	cfg.LogFormat = def.LogFormat
	cfg.Debug = def.Debug
	if def.Debug {
		cfg.LogLevel = "debug"
	}
}

func (l *ConfigLoader) loadPathsConfig(cfg *Config, def Definition) error {
	if def.Paths == nil {
		return fmt.Errorf("paths section missing from configuration")
	}

	dataDir, err := l.resolvePath("paths.dataDir", def.Paths.DataDir)
	if err != nil {
		return err
	}
	logDir, err := l.resolvePath("paths.logDir", def.Paths.LogDir)
	if err != nil {
		return err
	}

	cfg.Paths.DataDir = dataDir
	cfg.Paths.LogDir = logDir

	for _, dir := range parseStringList(def.Paths.SessionDirs) {
		resolved, err := l.resolvePath("paths.sessionDirs", dir)
		if err != nil {
			return err
		}
		cfg.Paths.SessionDirs = append(cfg.Paths.SessionDirs, resolved)
	}

	return nil
}

func (l *ConfigLoader) loadWatcherConfig(cfg *Config, def Definition) {
	w := def.Watcher
	if w == nil {
		w = &WatcherDef{}
	}
	cfg.Watcher = WatcherConfig{
		PollInterval:    l.durationOr("watcher.pollInterval", w.PollInterval, defaultPollInterval),
		StabilityWindow: l.durationOr("watcher.stabilityWindow", w.StabilityWindow, defaultStabilityWindow),
		IdleWindow:      l.durationOr("watcher.idleWindow", w.IdleWindow, defaultIdleWindow),
		EventBufferSize: w.EventBufferSize,
	}
	if cfg.Watcher.EventBufferSize <= 0 {
		cfg.Watcher.EventBufferSize = defaultEventBufferSize
	}
}

func (l *ConfigLoader) loadSegmenterConfig(cfg *Config, def Definition) {
	s := def.Segmenter
	if s == nil {
		s = &SegmenterDef{}
	}
	// "0" is a valid setting that disables resume boundaries, so the
	// default applies only to empty or invalid values.
	cfg.Segmenter.ResumeGap = l.durationOr("segmenter.resumeGap", s.ResumeGap, defaultResumeGap)
	if strings.TrimSpace(s.ResumeGap) == "0" || s.ResumeGap == "0s" {
		cfg.Segmenter.ResumeGap = 0
	}
}

func (l *ConfigLoader) loadQueueConfig(cfg *Config, def Definition) {
	q := def.Queue
	if q == nil {
		q = &QueueDef{}
	}
	cfg.Queue = QueueConfig{
		BaseRetryDelay:   l.durationOr("queue.baseRetryDelay", q.BaseRetryDelay, defaultBaseRetryDelay),
		MaxRetryDelay:    l.durationOr("queue.maxRetryDelay", q.MaxRetryDelay, defaultMaxRetryDelay),
		StaleClaimWindow: l.durationOr("queue.staleClaimWindow", q.StaleClaimWindow, defaultStaleClaim),
		MaxRetries: RetryLimits{
			Initial:             3,
			Reanalysis:          2,
			ConnectionDiscovery: 2,
		},
		UnknownRetries: 1,
	}
	if q.MaxRetries != nil {
		setIfNotNil(&cfg.Queue.MaxRetries.Initial, q.MaxRetries.Initial)
		setIfNotNil(&cfg.Queue.MaxRetries.Reanalysis, q.MaxRetries.Reanalysis)
		setIfNotNil(&cfg.Queue.MaxRetries.ConnectionDiscovery, q.MaxRetries.ConnectionDiscovery)
	}
	setIfNotNil(&cfg.Queue.UnknownRetries, q.UnknownRetries)
}

func (l *ConfigLoader) loadWorkerConfig(cfg *Config, def Definition) {
	w := def.Worker
	if w == nil {
		w = &WorkerDef{}
	}
	cfg.Worker = WorkerConfig{
		Count:             w.Count,
		JobTimeout:        l.durationOr("worker.jobTimeout", w.JobTimeout, defaultJobTimeout),
		PollInterval:      l.durationOr("worker.pollInterval", w.PollInterval, defaultWorkerPoll),
		FollowOnDiscovery: boolOr(w.FollowOnDiscovery, true),
	}
}

func (l *ConfigLoader) loadAnalyzerConfig(cfg *Config, def Definition) error {
	a := def.Analyzer
	if a == nil {
		a = &AnalyzerDef{}
	}
	skillsDir, err := l.resolvePath("analyzer.skillsDir", a.SkillsDir)
	if err != nil {
		return err
	}
	cfg.Analyzer = AnalyzerConfig{
		Command:           a.Command,
		ExtraArgs:         a.ExtraArgs,
		SkillsDir:         skillsDir,
		RequiredSkills:    a.RequiredSkills,
		LargeSessionSkill: a.LargeSessionSkill,
		LargeSessionBytes: a.LargeSessionBytes,
	}
	return nil
}

func (l *ConfigLoader) loadEmbeddingConfig(cfg *Config, def Definition) {
	e := def.Embedding
	if e == nil {
		e = &EmbeddingDef{}
	}
	cfg.Embedding = EmbeddingConfig{
		Provider:  e.Provider,
		Endpoint:  e.Endpoint,
		Model:     e.Model,
		Dimension: e.Dimension,
		BatchSize: e.BatchSize,
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = 32
	}
}

func (l *ConfigLoader) loadSchedulerConfig(cfg *Config, def Definition) {
	s := def.Scheduler
	if s == nil {
		s = &SchedulerDef{}
	}
	cfg.Scheduler = SchedulerConfig{
		Enabled:             boolOr(s.Enabled, true),
		Reanalysis:          scheduleEntry(s.Reanalysis, true, "0 3 * * *"),
		ConnectionDiscovery: scheduleEntry(s.ConnectionDiscovery, true, "30 * * * *"),
		PatternAggregation:  scheduleEntry(s.PatternAggregation, true, "0 4 * * *"),
		Clustering:          scheduleEntry(s.Clustering, false, "0 5 * * 0"),
		BackfillEmbeddings:  scheduleEntry(s.BackfillEmbeddings, true, "15 2 * * *"),
	}
}

func (l *ConfigLoader) loadMetricsConfig(cfg *Config, def Definition) {
	m := def.Metrics
	if m == nil {
		m = &MetricsDef{}
	}
	cfg.Metrics = MetricsConfig{
		Enabled: m.Enabled,
		Addr:    m.Addr,
	}
}

// finalizePaths derives the fixed locations under DataDir.
func (l *ConfigLoader) finalizePaths(cfg *Config) {
	if cfg.Paths.DataDir == "" {
		return
	}
	cfg.Paths.NodesDir = filepath.Join(cfg.Paths.DataDir, "nodes")
	cfg.Paths.DatabaseFile = filepath.Join(cfg.Paths.DataDir, "knowledge.db")
	cfg.Paths.LockFile = filepath.Join(cfg.Paths.DataDir, AppSlug+".lock")
	cfg.Paths.StatusFile = filepath.Join(cfg.Paths.DataDir, "status.json")
	if cfg.Paths.LogDir == "" {
		cfg.Paths.LogDir = filepath.Join(cfg.Paths.DataDir, "logs")
	}
}

// resolvePath resolves a path to an absolute path. Empty paths are returned as-is.
func (l *ConfigLoader) resolvePath(fieldName, pathValue string) (string, error) {
	if pathValue == "" {
		return "", nil
	}
	resolved, err := fileutil.ResolvePath(pathValue)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s path %q: %w", fieldName, pathValue, err)
	}
	return resolved, nil
}

// durationOr parses a duration string, falling back to def and recording a
// warning when the value is present but invalid.
func (l *ConfigLoader) durationOr(fieldName, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("Invalid %s value: %s", fieldName, value))
		return def
	}
	return duration
}

func scheduleEntry(def *ScheduleEntryDef, enabled bool, cron string) ScheduleEntry {
	entry := ScheduleEntry{Enabled: enabled, Cron: cron}
	if def == nil {
		return entry
	}
	entry.Enabled = boolOr(def.Enabled, enabled)
	if def.Cron != "" {
		entry.Cron = def.Cron
	}
	return entry
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func setIfNotNil[T any](target *T, source *T) {
	if source != nil {
		*target = *source
	}
}

// parseStringList parses comma-separated strings or string slices, filtering empty entries.
func parseStringList(input any) []string {
	var result []string

	switch v := input.(type) {
	case string:
		if v != "" {
			for s := range strings.SplitSeq(v, ",") {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					result = append(result, trimmed)
				}
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					result = append(result, trimmed)
				}
			}
		}
	case []string:
		for _, s := range v {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}

	return result
}

func getHomeDir() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return dir, nil
}
