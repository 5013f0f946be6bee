package segment

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/internal/session"
)

var t0 = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

func entry(id, parent string, at time.Time, typ string) session.Entry {
	return session.Entry{ID: id, ParentID: parent, Timestamp: at, Type: typ}
}

// chain builds n linearly linked user/assistant entries one second apart.
func chain(n int, start time.Time) []session.Entry {
	entries := make([]session.Entry, 0, n)
	parent := ""
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%d", i+1)
		typ := session.TypeUser
		if i%2 == 1 {
			typ = session.TypeAssistant
		}
		entries = append(entries, entry(id, parent, start.Add(time.Duration(i)*time.Second), typ))
		parent = id
	}
	return entries
}

func TestSplit(t *testing.T) {
	t.Run("EmptyInput", func(t *testing.T) {
		segments, boundaries := Split(nil, DefaultOptions())
		assert.Empty(t, segments)
		assert.Empty(t, boundaries)
	})

	t.Run("LinearSessionIsOneSegment", func(t *testing.T) {
		entries := chain(10, t0)
		segments, boundaries := Split(entries, DefaultOptions())
		require.Len(t, segments, 1)
		assert.Empty(t, boundaries)
		assert.Equal(t, "e1", segments[0].Start)
		assert.Equal(t, "e10", segments[0].End)
		assert.Nil(t, segments[0].Boundary)
	})

	t.Run("SegmentsPartitionEntries", func(t *testing.T) {
		entries := chain(5, t0)
		entries = append(entries, entry("r1", "e5", t0.Add(25*time.Minute), session.TypeUser))
		entries = append(entries, entry("b1", "e2", t0.Add(26*time.Minute), session.TypeUser))
		segments, _ := Split(entries, DefaultOptions())

		covered := 0
		prevEnd := -1
		for _, seg := range segments {
			assert.Equal(t, prevEnd+1, seg.StartIndex, "segments must be contiguous")
			assert.GreaterOrEqual(t, seg.EndIndex, seg.StartIndex)
			covered += len(seg.Entries)
			prevEnd = seg.EndIndex
		}
		assert.Equal(t, len(entries), covered)
		assert.Equal(t, len(entries)-1, prevEnd)
	})

	t.Run("ResumeGap", func(t *testing.T) {
		entries := chain(5, t0)
		resumed := chain(5, t0.Add(20*time.Minute))
		for i := range resumed {
			resumed[i].ID = fmt.Sprintf("r%d", i+1)
			if i == 0 {
				resumed[i].ParentID = "e5"
			} else {
				resumed[i].ParentID = fmt.Sprintf("r%d", i)
			}
		}
		entries = append(entries, resumed...)

		segments, boundaries := Split(entries, DefaultOptions())
		require.Len(t, segments, 2)
		require.Len(t, boundaries, 1)
		assert.Equal(t, BoundaryResume, boundaries[0].Kind)
		assert.Equal(t, "r1", boundaries[0].EntryID)
		assert.Equal(t, "e5", segments[0].End)
		assert.Equal(t, "r1", segments[1].Start)
		require.NotNil(t, segments[1].Boundary)
		assert.Equal(t, BoundaryResume, segments[1].Boundary.Kind)
	})

	t.Run("ZeroResumeGapDisablesResume", func(t *testing.T) {
		entries := chain(5, t0)
		entries = append(entries, entry("r1", "e5", t0.Add(2*time.Hour), session.TypeUser))
		segments, boundaries := Split(entries, Options{ResumeGap: 0})
		assert.Len(t, segments, 1)
		assert.Empty(t, boundaries)
	})

	t.Run("UnknownParentIsTreeJump", func(t *testing.T) {
		entries := chain(3, t0)
		entries = append(entries, entry("x1", "never-seen", t0.Add(4*time.Second), session.TypeUser))
		_, boundaries := Split(entries, DefaultOptions())
		require.Len(t, boundaries, 1)
		assert.Equal(t, BoundaryTreeJump, boundaries[0].Kind)
		assert.Equal(t, "x1", boundaries[0].EntryID)
	})

	t.Run("SecondChildIsBranch", func(t *testing.T) {
		entries := []session.Entry{
			entry("e1", "", t0, session.TypeUser),
			entry("e2", "e1", t0.Add(time.Second), session.TypeAssistant),
			entry("e3", "e2", t0.Add(2*time.Second), session.TypeUser),
			// second child of e2 while the leaf is e3
			entry("e4", "e2", t0.Add(3*time.Second), session.TypeUser),
		}
		_, boundaries := Split(entries, DefaultOptions())
		require.Len(t, boundaries, 1)
		assert.Equal(t, BoundaryBranch, boundaries[0].Kind)
		assert.Equal(t, "e4", boundaries[0].EntryID)
	})

	t.Run("CompactionBoundary", func(t *testing.T) {
		entries := chain(4, t0)
		entries = append(entries, entry("c1", "e4", t0.Add(5*time.Second), session.TypeCompaction))
		entries = append(entries, entry("e5", "c1", t0.Add(6*time.Second), session.TypeUser))
		segments, boundaries := Split(entries, DefaultOptions())
		require.Len(t, boundaries, 1)
		assert.Equal(t, BoundaryCompaction, boundaries[0].Kind)
		require.Len(t, segments, 2)
		assert.Equal(t, "c1", segments[1].Start)
	})

	t.Run("HandoffMarker", func(t *testing.T) {
		marker := entry("h1", "e4", t0.Add(5*time.Second), session.TypeMarker)
		marker.Payload = json.RawMessage(`{"name":"handoff"}`)
		entries := append(chain(4, t0), marker)
		_, boundaries := Split(entries, DefaultOptions())
		require.Len(t, boundaries, 1)
		assert.Equal(t, BoundaryHandoff, boundaries[0].Kind)
	})

	t.Run("CompactionWinsTieBreak", func(t *testing.T) {
		// A compaction entry that also jumps the tree and crosses a
		// resume gap still classifies as compaction.
		entries := chain(3, t0)
		late := entry("c1", "e1", t0.Add(time.Hour), session.TypeCompaction)
		entries = append(entries, late)
		_, boundaries := Split(entries, DefaultOptions())
		require.Len(t, boundaries, 1)
		assert.Equal(t, BoundaryCompaction, boundaries[0].Kind)
	})

	t.Run("StableStartEndAcrossRuns", func(t *testing.T) {
		entries := chain(8, t0)
		entries = append(entries, entry("r1", "e8", t0.Add(time.Hour), session.TypeUser))
		first, _ := Split(entries, DefaultOptions())
		second, _ := Split(entries, DefaultOptions())
		require.Equal(t, len(first), len(second))
		for i := range first {
			assert.Equal(t, first[i].Start, second[i].Start)
			assert.Equal(t, first[i].End, second[i].End)
		}
	})
}
