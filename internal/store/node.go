package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Node types assigned by the analyzer.
var NodeTypes = []string{
	"coding", "debugging", "refactoring", "sysadmin", "research", "planning",
	"qa", "brainstorm", "handoff", "documentation", "configuration", "data",
	"other",
}

// Node outcomes.
var NodeOutcomes = []string{"success", "partial", "failed", "abandoned"}

// Lesson levels.
var LessonLevels = []string{"project", "task", "user", "model", "tool", "skill", "subagent"}

// Source identifies the session span a node was derived from.
type Source struct {
	SessionFile  string    `json:"sessionFile"`
	SegmentStart string    `json:"segmentStart"`
	SegmentEnd   string    `json:"segmentEnd"`
	ProjectPath  string    `json:"projectPath,omitempty"`
	Computer     string    `json:"computer,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Decision is one decision the analyzer observed in a segment.
type Decision struct {
	What         string   `json:"what"`
	Why          string   `json:"why,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Quirk is a recurring model behavior worth tracking.
type Quirk struct {
	Observation string `json:"observation"`
	Frequency   string `json:"frequency,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// ToolError aggregates failures of one tool within a segment.
type ToolError struct {
	Tool  string `json:"tool"`
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// Node is the persisted analysis of one segment. The document is the source
// of truth; the row projection indexes the queryable fields.
type Node struct {
	ID      string `json:"nodeId"`
	Version int    `json:"version"`
	Source  Source `json:"source"`

	Type         string `json:"type"`
	Outcome      string `json:"outcome"`
	HadClearGoal bool   `json:"hadClearGoal"`
	IsNewProject bool   `json:"isNewProject"`

	Summary      string              `json:"summary"`
	Decisions    []Decision          `json:"decisions,omitempty"`
	Lessons      map[string][]string `json:"lessons,omitempty"` // level -> lessons
	Quirks       []Quirk             `json:"quirks,omitempty"`
	ToolErrors   []ToolError         `json:"toolErrors,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	Topics       []string            `json:"topics,omitempty"`
	FilesTouched []string            `json:"filesTouched,omitempty"`

	TokensUsed      int64   `json:"tokensUsed,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
	DurationMinutes float64 `json:"durationMinutes,omitempty"`
	Model           string  `json:"model,omitempty"`

	FrictionScore float64 `json:"frictionScore,omitempty"`
	DelightScore  float64 `json:"delightScore,omitempty"`

	PromptVersion    string    `json:"promptVersion,omitempty"`
	AnalyzedAt       time.Time `json:"analyzedAt"`
	PreviousVersions []int     `json:"previousVersions,omitempty"`

	// Extra preserves analyzer fields the row projection does not know
	// about. They round-trip through the document verbatim.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// NodeID derives the deterministic 16-hex identifier for a segment.
// Each field is length-prefixed before hashing so distinct field triples
// never collide through delimiter characters.
func NodeID(sessionFile, startID, endID string) string {
	h := sha256.New()
	for _, field := range []string{sessionFile, startID, endID} {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(len(field)))
		h.Write(buf[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
