// Package segment partitions a session's entry tree into contiguous task
// segments delimited by detected boundaries. Everything here is a pure
// function of its input; no I/O.
package segment

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/hindsight-dev/hindsight/internal/session"
)

// BoundaryKind identifies why a segment was cut at a given entry.
type BoundaryKind string

const (
	BoundaryBranch     BoundaryKind = "branch"
	BoundaryTreeJump   BoundaryKind = "tree_jump"
	BoundaryCompaction BoundaryKind = "compaction"
	BoundaryResume     BoundaryKind = "resume"
	BoundaryHandoff    BoundaryKind = "handoff"
)

// boundaryPriority orders boundary kinds when several fire on the same
// entry; only the highest wins.
var boundaryPriority = map[BoundaryKind]int{
	BoundaryCompaction: 5,
	BoundaryHandoff:    4,
	BoundaryTreeJump:   3,
	BoundaryBranch:     2,
	BoundaryResume:     1,
}

// Boundary marks the entry that opens a new segment.
type Boundary struct {
	Kind    BoundaryKind
	EntryID string
	Index   int // index into the entry slice passed to Split
}

// Segment is a contiguous run of entries between boundaries. Boundary is
// the boundary that opened this segment; nil for the first segment.
type Segment struct {
	Start      string // first entry ID
	End        string // last entry ID
	StartIndex int
	EndIndex   int
	Entries    []session.Entry
	Boundary   *Boundary
}

// StartTime returns the timestamp of the first entry.
func (s Segment) StartTime() time.Time { return s.Entries[0].Timestamp }

// EndTime returns the timestamp of the last entry.
func (s Segment) EndTime() time.Time { return s.Entries[len(s.Entries)-1].Timestamp }

// Options controls boundary detection.
type Options struct {
	// ResumeGap is the inactivity gap that opens a resume boundary.
	// Zero disables resume boundaries entirely.
	ResumeGap time.Duration
}

// DefaultOptions matches the documented defaults.
func DefaultOptions() Options {
	return Options{ResumeGap: 10 * time.Minute}
}

// Split partitions entries into segments. The returned segments are
// disjoint, cover every entry, and preserve input order, so the
// (Start, End) pair of each segment is stable across runs.
func Split(entries []session.Entry, opts Options) ([]Segment, []Boundary) {
	if len(entries) == 0 {
		return nil, nil
	}

	var boundaries []Boundary
	children := make(map[string]int, len(entries)) // parent ID -> child count
	known := make(map[string]struct{}, len(entries))
	leaf := ""

	for i, e := range entries {
		if b, ok := detectBoundary(entries, i, leaf, children, known, opts); ok {
			boundaries = append(boundaries, b)
		}
		if e.ParentID != "" {
			children[e.ParentID]++
		}
		known[e.ID] = struct{}{}
		leaf = e.ID
	}

	segments := cut(entries, boundaries)
	return segments, boundaries
}

// detectBoundary evaluates all boundary rules for the entry at index i and
// returns the highest-priority one that fires. The first entry never opens
// a boundary; a segment cannot be empty.
func detectBoundary(entries []session.Entry, i int, leaf string, children map[string]int, known map[string]struct{}, opts Options) (Boundary, bool) {
	if i == 0 {
		return Boundary{}, false
	}
	e := entries[i]
	var fired []BoundaryKind

	if e.Type == session.TypeCompaction {
		fired = append(fired, BoundaryCompaction)
	}
	if isHandoffMarker(e) {
		fired = append(fired, BoundaryHandoff)
	}
	if e.ParentID != "" && e.ParentID != leaf {
		if _, ok := known[e.ParentID]; !ok {
			// Unknown parent is still a jump away from the current leaf.
			fired = append(fired, BoundaryTreeJump)
		} else if children[e.ParentID] > 0 {
			fired = append(fired, BoundaryBranch)
		} else {
			fired = append(fired, BoundaryTreeJump)
		}
	}
	if opts.ResumeGap > 0 {
		prev := entries[i-1].Timestamp
		if !prev.IsZero() && !e.Timestamp.IsZero() && e.Timestamp.Sub(prev) >= opts.ResumeGap {
			fired = append(fired, BoundaryResume)
		}
	}

	if len(fired) == 0 {
		return Boundary{}, false
	}
	best := fired[0]
	for _, k := range fired[1:] {
		if boundaryPriority[k] > boundaryPriority[best] {
			best = k
		}
	}
	return Boundary{Kind: best, EntryID: e.ID, Index: i}, true
}

// cut slices entries at the boundary indexes.
func cut(entries []session.Entry, boundaries []Boundary) []Segment {
	segments := make([]Segment, 0, len(boundaries)+1)
	start := 0
	var opening *Boundary
	for bi := range boundaries {
		b := boundaries[bi]
		if b.Index == start {
			// Boundary at the very first uncommitted entry; nothing to cut.
			opening = &boundaries[bi]
			continue
		}
		segments = append(segments, makeSegment(entries, start, b.Index-1, opening))
		start = b.Index
		opening = &boundaries[bi]
	}
	segments = append(segments, makeSegment(entries, start, len(entries)-1, opening))
	return segments
}

func makeSegment(entries []session.Entry, start, end int, opening *Boundary) Segment {
	return Segment{
		Start:      entries[start].ID,
		End:        entries[end].ID,
		StartIndex: start,
		EndIndex:   end,
		Entries:    entries[start : end+1],
		Boundary:   opening,
	}
}

// isHandoffMarker reports whether the entry is a custom marker declaring a
// handoff to another session or operator.
func isHandoffMarker(e session.Entry) bool {
	if e.Type != session.TypeMarker || len(e.Payload) == 0 {
		return false
	}
	return gjson.GetBytes(e.Payload, "name").String() == "handoff"
}
