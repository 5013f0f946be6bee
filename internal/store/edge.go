package store

import "time"

// EdgeType classifies a directed relationship between two nodes.
type EdgeType string

// Structural edge types, created at ingest from session topology.
const (
	EdgeFork             EdgeType = "fork"
	EdgeBranch           EdgeType = "branch"
	EdgeTreeJump         EdgeType = "tree_jump"
	EdgeResume           EdgeType = "resume"
	EdgeCompaction       EdgeType = "compaction"
	EdgeContinuation     EdgeType = "continuation"
	EdgeHandoff          EdgeType = "handoff"
	EdgeAbandonedRestart EdgeType = "abandoned_restart"
)

// Semantic edge types, created after ingest from content.
const (
	EdgeSemantic          EdgeType = "semantic"
	EdgeReference         EdgeType = "reference"
	EdgeLessonApplication EdgeType = "lesson_application"
)

// StructuralEdgeTypes lists the edge types the worker creates at ingest.
var StructuralEdgeTypes = []EdgeType{
	EdgeFork, EdgeBranch, EdgeTreeJump, EdgeResume,
	EdgeCompaction, EdgeContinuation, EdgeHandoff, EdgeAbandonedRestart,
}

// Edge creators.
const (
	EdgeCreatorBoundary = "boundary"
	EdgeCreatorDaemon   = "daemon"
	EdgeCreatorUser     = "user"
)

// UnresolvedTargetID is the sentinel target for edges whose destination the
// analyzer described but could not resolve to a node ID. The description is
// kept in UnresolvedTarget for later semantic resolution.
const UnresolvedTargetID = "unresolved"

// Edge is a directed, typed relationship between two nodes.
// (Source, Target, Type) is unique.
type Edge struct {
	Source           string    `json:"source"`
	Target           string    `json:"target"`
	Type             EdgeType  `json:"type"`
	CreatedBy        string    `json:"createdBy"`
	Confidence       float64   `json:"confidence,omitempty"`
	Similarity       float64   `json:"similarity,omitempty"`
	UnresolvedTarget string    `json:"unresolvedTarget,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}
