// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Core identification tags

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Node creates a tag for knowledge node IDs.
func Node(id string) slog.Attr {
	return slog.String("node", id)
}

// Job creates a tag for job IDs.
func Job(id string) slog.Attr {
	return slog.String("job", id)
}

// Session creates a tag for session file paths.
func Session(path string) slog.Attr {
	return slog.String("session", path)
}

// WorkerID creates a tag for worker instance IDs.
func WorkerID(id string) slog.Attr {
	return slog.String("worker-id", id)
}

// Edge creates a tag for edge descriptions (source->target).
func Edge(desc string) slog.Attr {
	return slog.String("edge", desc)
}

// Cluster creates a tag for cluster IDs.
func Cluster(id string) slog.Attr {
	return slog.String("cluster", id)
}

// Path and file tags

// File creates a tag for file paths.
func File(path string) slog.Attr {
	return slog.String("file", path)
}

// Dir creates a tag for directory paths.
func Dir(path string) slog.Attr {
	return slog.String("dir", path)
}

// Path creates a tag for generic paths (prefer File or Dir when specific).
func Path(path string) slog.Attr {
	return slog.String("path", path)
}

// Execution context tags

// Status creates a tag for job or daemon status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Kind creates a tag for job or boundary kinds.
func Kind(kind string) slog.Attr {
	return slog.String("kind", kind)
}

// Outcome creates a tag for node outcome values.
func Outcome(o string) slog.Attr {
	return slog.String("outcome", o)
}

// Priority creates a tag for priority values.
func Priority(p int) slog.Attr {
	return slog.Int("priority", p)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// MaxRetries creates a tag for maximum retry count.
func MaxRetries(n int) slog.Attr {
	return slog.Int("max-retries", n)
}

// Timeout creates a tag for timeout duration values.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

// ExitCode creates a tag for process exit codes.
func ExitCode(code int) slog.Attr {
	return slog.Int("exit-code", code)
}

// Signal creates a tag for signal names (e.g., SIGTERM).
func Signal(sig string) slog.Attr {
	return slog.String("signal", sig)
}

// Reason creates a tag for the reason for an action or state.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// Count and size tags

// Count creates a tag for numeric counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Size creates a tag for size values.
func Size(n int) slog.Attr {
	return slog.Int("size", n)
}

// Limit creates a tag for generic limits.
func Limit(n int) slog.Attr {
	return slog.Int("limit", n)
}

// Depth creates a tag for graph traversal depth.
func Depth(n int) slog.Attr {
	return slog.Int("depth", n)
}

// Dimension creates a tag for embedding vector dimensions.
func Dimension(n int) slog.Attr {
	return slog.Int("dimension", n)
}

// Time-related tags

// Interval creates a tag for time intervals.
func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

// Duration creates a tag for time durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Timestamp creates a tag for generic timestamps.
func Timestamp(t time.Time) slog.Attr {
	return slog.Time("timestamp", t)
}

// Type and metadata tags

// Type creates a tag for type values.
func Type(t string) slog.Attr {
	return slog.String("type", t)
}

// Name creates a tag for generic names.
func Name(name string) slog.Attr {
	return slog.String("name", name)
}

// ID creates a tag for generic IDs (prefer specific tags like Job, Node).
func ID(id string) slog.Attr {
	return slog.String("id", id)
}

// Version creates a tag for version values.
func Version(v int) slog.Attr {
	return slog.Int("version", v)
}

// Model creates a tag for model names.
func Model(name string) slog.Attr {
	return slog.String("model", name)
}

// Skill creates a tag for analyzer skill names.
func Skill(name string) slog.Attr {
	return slog.String("skill", name)
}

// Query creates a tag for search queries.
func Query(q string) slog.Attr {
	return slog.String("query", q)
}

// Network and service tags

// Addr creates a tag for network addresses (host:port or socket path).
func Addr(addr string) slog.Attr {
	return slog.String("addr", addr)
}

// URL creates a tag for URL values.
func URL(url string) slog.Attr {
	return slog.String("url", url)
}

// Process tags

// PID creates a tag for process IDs.
func PID(pid int) slog.Attr {
	return slog.Int("pid", pid)
}

// Command creates a tag for commands being executed.
func Command(cmd string) slog.Attr {
	return slog.String("command", cmd)
}

// Args creates a tag for command arguments.
func Args(args []string) slog.Attr {
	return slog.Any("args", args)
}

// Configuration tags

// Config creates a tag for configuration names or paths.
func Config(name string) slog.Attr {
	return slog.String("config", name)
}

// Key creates a tag for key names.
func Key(k string) slog.Attr {
	return slog.String("key", k)
}

// Value creates a tag for generic values.
func Value(v any) slog.Attr {
	return slog.Any("value", v)
}

// Scheduler-specific tags

// Schedule creates a tag for cron schedules.
func Schedule(s string) slog.Attr {
	return slog.String("schedule", s)
}

// NextRun creates a tag for next scheduled run time.
func NextRun(t time.Time) slog.Attr {
	return slog.Time("next-run", t)
}
