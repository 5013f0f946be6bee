package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/internal/analyze"
	"github.com/hindsight-dev/hindsight/internal/embed"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

// countingEngine wraps an engine and counts Embed calls.
type countingEngine struct {
	embed.Engine
	calls atomic.Int32
}

func (c *countingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.Engine.Embed(ctx, text)
}

func newMaintenanceEnv(t *testing.T) (*Maintenance, *store.Store, *queue.Queue, *countingEngine) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(context.Background(), filepath.Join(dir, "test.db"), filepath.Join(dir, "nodes"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	q := queue.New(s.DB(), queue.DefaultConfig())
	engine := &countingEngine{Engine: embed.NewMockEngine(16)}
	return NewMaintenance(s, q, engine), s, q, engine
}

func maintenanceNode(id, promptVersion string) *store.Node {
	return &store.Node{
		ID: id,
		Source: store.Source{
			SessionFile:  "/s/" + id + ".jsonl",
			SegmentStart: "e1",
			SegmentEnd:   "e9",
		},
		Type:          "debugging",
		Outcome:       "success",
		Summary:       "traced a flaky socket timeout in " + id,
		PromptVersion: promptVersion,
	}
}

func TestMaintenanceReanalysis(t *testing.T) {
	ctx := context.Background()

	t.Run("StaleNodeEnqueued", func(t *testing.T) {
		m, s, q, _ := newMaintenanceEnv(t)
		node := maintenanceNode("a", "0123456789abcdef")
		_, _, err := s.Upsert(ctx, node)
		require.NoError(t, err)

		require.NoError(t, m.Reanalysis(ctx))

		jobs, err := q.ListByStatus(ctx, queue.StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, queue.KindReanalysis, jobs[0].Kind)
		assert.Equal(t, node.ID, jobs[0].TargetNodeID)
		assert.Equal(t, node.Source.SessionFile, jobs[0].SessionPath)

		var span queue.ReanalysisContext
		require.NoError(t, json.Unmarshal(jobs[0].Context, &span))
		assert.Equal(t, "e1", span.SegmentStart)
		assert.Equal(t, "e9", span.SegmentEnd)
	})

	t.Run("CurrentVersionSkipped", func(t *testing.T) {
		m, s, q, _ := newMaintenanceEnv(t)
		_, _, err := s.Upsert(ctx, maintenanceNode("a", analyze.PromptVersion()))
		require.NoError(t, err)

		require.NoError(t, m.Reanalysis(ctx))

		jobs, err := q.ListByStatus(ctx, queue.StatusPending, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("PendingJobDedupes", func(t *testing.T) {
		m, s, q, _ := newMaintenanceEnv(t)
		_, _, err := s.Upsert(ctx, maintenanceNode("a", "0123456789abcdef"))
		require.NoError(t, err)

		require.NoError(t, m.Reanalysis(ctx))
		require.NoError(t, m.Reanalysis(ctx))

		jobs, err := q.ListByStatus(ctx, queue.StatusPending, 10)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}

func TestMaintenanceConnectionDiscovery(t *testing.T) {
	ctx := context.Background()

	t.Run("UnlinkedRecentNodeEnqueued", func(t *testing.T) {
		m, s, q, _ := newMaintenanceEnv(t)
		node := maintenanceNode("a", analyze.PromptVersion())
		_, _, err := s.Upsert(ctx, node)
		require.NoError(t, err)

		require.NoError(t, m.ConnectionDiscovery(ctx))

		jobs, err := q.ListByStatus(ctx, queue.StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, queue.KindConnectionDiscovery, jobs[0].Kind)
		assert.Equal(t, node.ID, jobs[0].TargetNodeID)
	})

	t.Run("NodeWithSemanticEdgesSkipped", func(t *testing.T) {
		m, s, q, _ := newMaintenanceEnv(t)
		a := maintenanceNode("a", analyze.PromptVersion())
		b := maintenanceNode("b", analyze.PromptVersion())
		_, _, err := s.Upsert(ctx, a)
		require.NoError(t, err)
		_, _, err = s.Upsert(ctx, b)
		require.NoError(t, err)
		require.NoError(t, s.PutEdge(ctx, store.Edge{
			Source: a.ID, Target: b.ID, Type: store.EdgeSemantic, CreatedBy: "discovery",
		}))

		require.NoError(t, m.ConnectionDiscovery(ctx))

		jobs, err := q.ListByStatus(ctx, queue.StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, b.ID, jobs[0].TargetNodeID)
	})

	t.Run("PendingJobDedupes", func(t *testing.T) {
		m, s, q, _ := newMaintenanceEnv(t)
		_, _, err := s.Upsert(ctx, maintenanceNode("a", analyze.PromptVersion()))
		require.NoError(t, err)

		require.NoError(t, m.ConnectionDiscovery(ctx))
		require.NoError(t, m.ConnectionDiscovery(ctx))

		jobs, err := q.ListByStatus(ctx, queue.StatusPending, 10)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}

func TestMaintenancePatternAggregation(t *testing.T) {
	ctx := context.Background()
	m, s, _, _ := newMaintenanceEnv(t)

	a := maintenanceNode("a", analyze.PromptVersion())
	a.ToolErrors = []store.ToolError{{Tool: "bash", Kind: "exit_1", Count: 3}}
	b := maintenanceNode("b", analyze.PromptVersion())
	b.ToolErrors = []store.ToolError{{Tool: "bash", Kind: "exit_1", Count: 2}}
	_, _, err := s.Upsert(ctx, a)
	require.NoError(t, err)
	_, _, err = s.Upsert(ctx, b)
	require.NoError(t, err)

	require.NoError(t, m.PatternAggregation(ctx))

	patterns, err := s.TopFailurePatterns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "bash", patterns[0].Tool)
	assert.Equal(t, "exit_1", patterns[0].Kind)
	assert.Equal(t, 2, patterns[0].NodeCount)
	assert.Equal(t, 5, patterns[0].Total)

	// Re-aggregation replaces rather than accumulates.
	require.NoError(t, m.PatternAggregation(ctx))
	patterns, err = s.TopFailurePatterns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 5, patterns[0].Total)
}

func TestMaintenanceBackfillEmbeddings(t *testing.T) {
	ctx := context.Background()

	t.Run("EmbedsNodesWithoutVectors", func(t *testing.T) {
		m, s, _, engine := newMaintenanceEnv(t)
		node := maintenanceNode("a", analyze.PromptVersion())
		_, _, err := s.Upsert(ctx, node)
		require.NoError(t, err)

		require.NoError(t, m.BackfillEmbeddings(ctx))

		e, err := s.GetEmbedding(ctx, node.ID)
		require.NoError(t, err)
		assert.Equal(t, "mock", e.Model)
		assert.Len(t, e.Vector, 16)
		assert.True(t, embed.IsRichFormat(e.InputText))
		assert.Contains(t, e.InputText, node.Summary)
		assert.Equal(t, int32(1), engine.calls.Load())
	})

	t.Run("CurrentEmbeddingsAreLeftAlone", func(t *testing.T) {
		m, s, _, engine := newMaintenanceEnv(t)
		_, _, err := s.Upsert(ctx, maintenanceNode("a", analyze.PromptVersion()))
		require.NoError(t, err)

		require.NoError(t, m.BackfillEmbeddings(ctx))
		require.NoError(t, m.BackfillEmbeddings(ctx))
		assert.Equal(t, int32(1), engine.calls.Load())
	})

	t.Run("PreMarkerInputTextIsReEmbedded", func(t *testing.T) {
		m, s, _, engine := newMaintenanceEnv(t)
		node := maintenanceNode("a", analyze.PromptVersion())
		_, _, err := s.Upsert(ctx, node)
		require.NoError(t, err)
		vec, err := engine.Embed(ctx, node.Summary)
		require.NoError(t, err)
		require.NoError(t, s.PutEmbedding(ctx, store.Embedding{
			NodeID: node.ID, Model: "mock", InputText: node.Summary, Vector: vec,
		}))
		engine.calls.Store(0)

		require.NoError(t, m.BackfillEmbeddings(ctx))

		e, err := s.GetEmbedding(ctx, node.ID)
		require.NoError(t, err)
		assert.True(t, embed.IsRichFormat(e.InputText))
		assert.Equal(t, int32(1), engine.calls.Load())
	})

	t.Run("NilEngineIsANoOp", func(t *testing.T) {
		_, s, q, _ := newMaintenanceEnv(t)
		m := NewMaintenance(s, q, nil)
		_, _, err := s.Upsert(ctx, maintenanceNode("a", analyze.PromptVersion()))
		require.NoError(t, err)

		require.NoError(t, m.BackfillEmbeddings(ctx))
		_, err = s.GetEmbedding(ctx, "a")
		assert.ErrorIs(t, err, store.ErrEmbeddingNotFound)
	})
}

func TestMaintenanceClustering(t *testing.T) {
	ctx := context.Background()

	t.Run("NilEngineIsANoOp", func(t *testing.T) {
		_, s, q, _ := newMaintenanceEnv(t)
		m := NewMaintenance(s, q, nil)
		require.NoError(t, m.Clustering(ctx))
	})

	t.Run("RecomputesOverStoredVectors", func(t *testing.T) {
		m, s, _, _ := newMaintenanceEnv(t)
		for _, id := range []string{"a", "b", "c"} {
			_, _, err := s.Upsert(ctx, maintenanceNode(id, analyze.PromptVersion()))
			require.NoError(t, err)
		}
		require.NoError(t, m.BackfillEmbeddings(ctx))
		require.NoError(t, m.Clustering(ctx))
	})
}
