// Package queue is the durable, priority-ordered, retry-aware job queue.
// Jobs live in the knowledge store's SQLite database so every transition
// shares the single writer.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind identifies what a job does.
type Kind string

const (
	KindInitial             Kind = "initial"
	KindReanalysis          Kind = "reanalysis"
	KindConnectionDiscovery Kind = "connection_discovery"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Priority levels; lower wins.
const (
	PriorityInitial             = 10
	PriorityReanalysis          = 20
	PriorityConnectionDiscovery = 30
	PriorityBackfill            = 40
)

// DefaultPriority maps a kind to its priority level.
func DefaultPriority(kind Kind) int {
	switch kind {
	case KindInitial:
		return PriorityInitial
	case KindReanalysis:
		return PriorityReanalysis
	case KindConnectionDiscovery:
		return PriorityConnectionDiscovery
	default:
		return PriorityBackfill
	}
}

// DefaultMaxRetries is the per-kind retry budget.
func DefaultMaxRetries(kind Kind) int {
	switch kind {
	case KindInitial:
		return 3
	default:
		return 2
	}
}

// Job is one unit of work.
type Job struct {
	ID           string
	Kind         Kind
	Status       Status
	SessionPath  string
	TargetNodeID string
	Priority     int
	QueuedAt     time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	RetryCount   int
	MaxRetries   int
	NextRetryAt  time.Time
	LastError    string
	LastErrorCat Category
	LastReason   string
	ClaimedBy    string
	HeartbeatAt  time.Time
	Context      json.RawMessage
}

// ReanalysisContext is the kind-specific payload of a reanalysis job: the
// exact segment span to re-analyze.
type ReanalysisContext struct {
	SegmentStart string `json:"segmentStart"`
	SegmentEnd   string `json:"segmentEnd"`
}

// NewJobID returns a random 16-hex job identifier.
func NewJobID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(buf[:])
}
