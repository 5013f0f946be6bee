package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/internal/analyze"
	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/embed"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

// scriptedRunner replays canned agent outputs in order; the last one
// repeats once the script runs out.
type scriptedRunner struct {
	mu      sync.Mutex
	outputs []scriptedOutput
	calls   int
}

type scriptedOutput struct {
	stdout   string
	exitCode int
	err      error
}

func (r *scriptedRunner) Run(_ context.Context, _ analyze.Invocation) (*analyze.AgentResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	if i >= len(r.outputs) {
		i = len(r.outputs) - 1
	}
	r.calls++
	out := r.outputs[i]
	if out.err != nil {
		return nil, out.err
	}
	return &analyze.AgentResult{
		Payload:   decodeTestPayload(out.stdout),
		RawStdout: out.stdout,
		ExitCode:  out.exitCode,
	}, nil
}

func decodeTestPayload(stdout string) *analyze.NodePayload {
	stdout = strings.TrimSpace(stdout)
	if !strings.HasPrefix(stdout, "{") {
		return nil
	}
	var p analyze.NodePayload
	if err := json.Unmarshal([]byte(stdout), &p); err != nil {
		return nil
	}
	if p.Validate() != nil {
		return nil
	}
	return &p
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func payloadJSON(summary, typ, outcome string, extra string) string {
	s := fmt.Sprintf(`{"summary":%q,"type":%q,"outcome":%q,"hadClearGoal":true`, summary, typ, outcome)
	if extra != "" {
		s += "," + extra
	}
	return s + "}"
}

func newTestPool(t *testing.T, runner analyze.Runner) (*Pool, *store.Store, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(context.Background(), filepath.Join(dir, "test.db"), filepath.Join(dir, "nodes"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(st.DB(), queue.DefaultConfig())
	p := New(st, q, runner, embed.NewMockEngine(32), nil,
		config.WorkerConfig{Count: 1, JobTimeout: time.Minute},
		config.AnalyzerConfig{Command: "agent"},
		config.SegmenterConfig{ResumeGap: 10 * time.Minute},
	)
	return p, st, q
}

func writeTestSession(t *testing.T, dir, name, header string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := header + "\n" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func sessionEntry(id, parent string, at time.Time, typ, payload string) string {
	return fmt.Sprintf(`{"id":%q,"parentId":%q,"timestamp":%q,"type":%q,"payload":%s}`,
		id, parent, at.UTC().Format(time.RFC3339), typ, payload)
}

func linearLines(n int, start time.Time) []string {
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parent := ""
		if i > 0 {
			parent = fmt.Sprintf("e%d", i)
		}
		typ := "assistant"
		payload := `{"text":"working"}`
		if i%2 == 0 {
			typ = "user"
			payload = `{"text":"next step"}`
		}
		lines = append(lines, sessionEntry(fmt.Sprintf("e%d", i+1), parent, start.Add(time.Duration(i)*5*time.Second), typ, payload))
	}
	return lines
}

var sessionStart = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func TestAnalyzeSession(t *testing.T) {
	ctx := context.Background()

	t.Run("FreshLinearSession", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{
			{stdout: payloadJSON("set up the watcher package", "coding", "success", "")},
		}}
		p, st, _ := newTestPool(t, runner)
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/work/p"}`, linearLines(10, sessionStart)...)

		require.NoError(t, p.process(ctx, &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: path}))

		nodeID := store.NodeID(path, "e1", "e10")
		node, err := st.Get(ctx, nodeID)
		require.NoError(t, err)
		assert.Equal(t, 1, node.Version)
		assert.Equal(t, "coding", node.Type)
		assert.Equal(t, path, node.Source.SessionFile)
		assert.Equal(t, "/work/p", node.Source.ProjectPath)

		emb, err := st.GetEmbedding(ctx, nodeID)
		require.NoError(t, err)
		assert.True(t, embed.IsRichFormat(emb.InputText))
		assert.Equal(t, "mock", emb.Model)

		nodes, edges, embeddings, err := st.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, nodes)
		assert.Zero(t, edges)
		assert.Equal(t, 1, embeddings)
	})

	t.Run("ReprocessingIsIdempotent", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{
			{stdout: payloadJSON("same work", "coding", "success", "")},
		}}
		p, st, _ := newTestPool(t, runner)
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/p"}`, linearLines(4, sessionStart)...)

		job := &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: path}
		require.NoError(t, p.process(ctx, job))
		require.NoError(t, p.process(ctx, job))

		// Second run found nothing unanalyzed and never invoked the agent.
		assert.Equal(t, 1, runner.callCount())
		nodes, _, _, err := st.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, nodes)
	})

	t.Run("ResumeBoundaryLinksSegments", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{
			{stdout: payloadJSON("first sitting", "coding", "partial", "")},
			{stdout: payloadJSON("picked it back up", "coding", "success", "")},
		}}
		p, st, _ := newTestPool(t, runner)

		resumeAt := sessionStart.Add(time.Hour)
		lines := linearLines(4, sessionStart)
		lines = append(lines,
			sessionEntry("r1", "e4", resumeAt, "user", `{"text":"continuing"}`),
			sessionEntry("r2", "r1", resumeAt.Add(5*time.Second), "assistant", `{"text":"ok"}`),
		)
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/p"}`, lines...)

		job := &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: path}
		require.NoError(t, p.process(ctx, job))
		require.NoError(t, p.process(ctx, job))

		firstID := store.NodeID(path, "e1", "e4")
		secondID := store.NodeID(path, "r1", "r2")
		edges, err := st.Edges(ctx, secondID, store.DirectionIncoming, nil)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, firstID, edges[0].Source)
		assert.Equal(t, store.EdgeResume, edges[0].Type)
		assert.Equal(t, store.EdgeCreatorBoundary, edges[0].CreatedBy)

		nodes, edgeCount, _, err := st.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, nodes)
		assert.Equal(t, 1, edgeCount)
	})

	t.Run("ForkLinksToParentSessionNode", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{
			{stdout: payloadJSON("parent work", "coding", "success", "")},
			{stdout: payloadJSON("forked exploration", "research", "success", "")},
		}}
		p, st, _ := newTestPool(t, runner)

		dir := t.TempDir()
		parentPath := writeTestSession(t, dir, "s1.jsonl", `{"version":1,"cwd":"/p"}`, linearLines(6, sessionStart)...)
		childPath := writeTestSession(t, dir, "s2.jsonl",
			`{"version":1,"cwd":"/p","parentSession":{"path":"s1.jsonl","entryId":"e5"}}`,
			sessionEntry("f1", "", sessionStart.Add(time.Minute), "user", `{"text":"try another angle"}`),
			sessionEntry("f2", "f1", sessionStart.Add(time.Minute+5*time.Second), "assistant", `{"text":"ok"}`),
		)

		require.NoError(t, p.process(ctx, &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: parentPath}))
		require.NoError(t, p.process(ctx, &queue.Job{ID: "j2", Kind: queue.KindInitial, SessionPath: childPath}))

		childID := store.NodeID(childPath, "f1", "f2")
		parentID := store.NodeID(parentPath, "e1", "e6")
		edges, err := st.Edges(ctx, childID, store.DirectionOutgoing, []store.EdgeType{store.EdgeFork})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, parentID, edges[0].Target)
	})

	t.Run("UnresolvedRelationshipTargetsSentinel", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{
			{stdout: payloadJSON("rebuilt the cache layer", "refactoring", "success",
				`"relationships":[{"type":"reference","unresolvedTarget":"the earlier eviction bug fix","confidence":0.7}]`)},
		}}
		p, st, _ := newTestPool(t, runner)
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/p"}`, linearLines(4, sessionStart)...)

		require.NoError(t, p.process(ctx, &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: path}))

		nodeID := store.NodeID(path, "e1", "e4")
		edges, err := st.Edges(ctx, nodeID, store.DirectionOutgoing, nil)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, store.UnresolvedTargetID, edges[0].Target)
		assert.Equal(t, store.EdgeReference, edges[0].Type)
		assert.Equal(t, "the earlier eviction bug fix", edges[0].UnresolvedTarget)
		assert.InDelta(t, 0.7, edges[0].Confidence, 1e-9)
	})

	t.Run("FollowOnDiscoveryEnqueued", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{
			{stdout: payloadJSON("done", "coding", "success", "")},
		}}
		p, _, q := newTestPool(t, runner)
		p.workerCfg.FollowOnDiscovery = true
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/p"}`, linearLines(4, sessionStart)...)

		require.NoError(t, p.process(ctx, &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: path}))

		nodeID := store.NodeID(path, "e1", "e4")
		ok, err := q.HasExistingNodeJob(ctx, nodeID, queue.KindConnectionDiscovery)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("MissingSessionFileIsPermanent", func(t *testing.T) {
		p, _, _ := newTestPool(t, &scriptedRunner{outputs: []scriptedOutput{{}}})
		err := p.process(ctx, &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: "/nope/gone.jsonl"})
		require.Error(t, err)
		cls := queue.Classify(err)
		assert.Equal(t, queue.CategoryPermanent, cls.Category)
		assert.Equal(t, "file_not_found", cls.Reason)
	})

	t.Run("NoPayloadIsInvalidPayload", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{{stdout: "I could not decide.\n"}}}
		p, _, _ := newTestPool(t, runner)
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/p"}`, linearLines(4, sessionStart)...)

		err := p.process(ctx, &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: path})
		assert.ErrorIs(t, err, queue.ErrInvalidPayload)
	})

	t.Run("AgentTimeoutIsTransient", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{
			{err: fmt.Errorf("%w after 5s", analyze.ErrAgentTimeout)},
		}}
		p, _, _ := newTestPool(t, runner)
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/p"}`, linearLines(4, sessionStart)...)

		err := p.process(ctx, &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: path})
		require.Error(t, err)
		cls := queue.Classify(err)
		assert.Equal(t, queue.CategoryTransient, cls.Category)
		assert.Equal(t, "timeout", cls.Reason)
	})
}

func TestReanalysis(t *testing.T) {
	ctx := context.Background()

	t.Run("ExactSpanBumpsVersion", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{
			{stdout: payloadJSON("first reading", "coding", "partial", "")},
			{stdout: payloadJSON("deeper reading", "coding", "success", "")},
		}}
		p, st, _ := newTestPool(t, runner)
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/p"}`, linearLines(4, sessionStart)...)

		require.NoError(t, p.process(ctx, &queue.Job{ID: "j1", Kind: queue.KindInitial, SessionPath: path}))

		nodeID := store.NodeID(path, "e1", "e4")
		require.NoError(t, p.process(ctx, &queue.Job{
			ID: "j2", Kind: queue.KindReanalysis, SessionPath: path, TargetNodeID: nodeID,
			Context: []byte(`{"segmentStart":"e1","segmentEnd":"e4"}`),
		}))

		node, err := st.Get(ctx, nodeID)
		require.NoError(t, err)
		assert.Equal(t, 2, node.Version)
		assert.Equal(t, "deeper reading", node.Summary)
		assert.Equal(t, []int{1}, node.PreviousVersions)
	})

	t.Run("VanishedSpanIsInvalidSession", func(t *testing.T) {
		runner := &scriptedRunner{outputs: []scriptedOutput{{stdout: payloadJSON("x", "coding", "success", "")}}}
		p, _, _ := newTestPool(t, runner)
		path := writeTestSession(t, t.TempDir(), "s1.jsonl", `{"version":1,"cwd":"/p"}`, linearLines(4, sessionStart)...)

		err := p.process(ctx, &queue.Job{
			ID: "j1", Kind: queue.KindReanalysis, SessionPath: path,
			Context: []byte(`{"segmentStart":"zz1","segmentEnd":"zz9"}`),
		})
		assert.ErrorIs(t, err, queue.ErrInvalidSession)
	})
}

func TestDiscoverConnections(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, p *Pool, st *store.Store, id, summary string) *store.Node {
		t.Helper()
		node := &store.Node{
			ID: id,
			Source: store.Source{
				SessionFile: "/s/" + id + ".jsonl", SegmentStart: "e1", SegmentEnd: "e2",
				Timestamp: sessionStart,
			},
			Type: "coding", Outcome: "success", Summary: summary,
		}
		node, _, err := st.Upsert(ctx, node)
		require.NoError(t, err)
		require.NoError(t, p.embedNode(ctx, node))
		return node
	}

	t.Run("SemanticNeighborsLinked", func(t *testing.T) {
		p, st, _ := newTestPool(t, &scriptedRunner{outputs: []scriptedOutput{{}}})
		// Identical content embeds identically under the mock engine, so the
		// pair is at distance zero.
		seed(t, p, st, "aaaa000000000001", "tuning the fts ranking weights")
		seed(t, p, st, "aaaa000000000002", "tuning the fts ranking weights")

		require.NoError(t, p.process(ctx, &queue.Job{
			ID: "j1", Kind: queue.KindConnectionDiscovery, TargetNodeID: "aaaa000000000001",
		}))

		edges, err := st.Edges(ctx, "aaaa000000000001", store.DirectionOutgoing, []store.EdgeType{store.EdgeSemantic})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, "aaaa000000000002", edges[0].Target)
		assert.InDelta(t, 1.0, edges[0].Similarity, 1e-5)
	})

	t.Run("DistantNodesNotLinked", func(t *testing.T) {
		p, st, _ := newTestPool(t, &scriptedRunner{outputs: []scriptedOutput{{}}})
		seed(t, p, st, "aaaa000000000001", "tuning the fts ranking weights")
		seed(t, p, st, "aaaa000000000002", "provisioning the build farm dns")

		require.NoError(t, p.process(ctx, &queue.Job{
			ID: "j1", Kind: queue.KindConnectionDiscovery, TargetNodeID: "aaaa000000000001",
		}))

		edges, err := st.Edges(ctx, "aaaa000000000001", store.DirectionOutgoing, []store.EdgeType{store.EdgeSemantic})
		require.NoError(t, err)
		// Hash-derived mock vectors for unrelated texts land far apart.
		assert.Empty(t, edges)
	})

	t.Run("ResolvesSentinelReferences", func(t *testing.T) {
		p, st, _ := newTestPool(t, &scriptedRunner{outputs: []scriptedOutput{{}}})
		src := seed(t, p, st, "aaaa000000000001", "follow-up on the eviction work")
		target := seed(t, p, st, "aaaa000000000002", "fixed the lru cache eviction bug in the store")
		require.NoError(t, st.PutEdge(ctx, store.Edge{
			Source: src.ID, Target: store.UnresolvedTargetID, Type: store.EdgeReference,
			UnresolvedTarget: "lru cache eviction bug",
		}))

		require.NoError(t, p.process(ctx, &queue.Job{
			ID: "j1", Kind: queue.KindConnectionDiscovery, TargetNodeID: src.ID,
		}))

		edges, err := st.Edges(ctx, src.ID, store.DirectionOutgoing, []store.EdgeType{store.EdgeReference})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, target.ID, edges[0].Target)
		// The description travels with the resolved edge for provenance.
		assert.Equal(t, "lru cache eviction bug", edges[0].UnresolvedTarget)
	})

	t.Run("RetiredNodeIsANoOp", func(t *testing.T) {
		p, _, _ := newTestPool(t, &scriptedRunner{outputs: []scriptedOutput{{}}})
		err := p.process(ctx, &queue.Job{
			ID: "j1", Kind: queue.KindConnectionDiscovery, TargetNodeID: "ffffffffffffffff",
		})
		assert.NoError(t, err)
	})
}

func TestUnknownJobKind(t *testing.T) {
	p, _, _ := newTestPool(t, &scriptedRunner{outputs: []scriptedOutput{{}}})
	err := p.process(context.Background(), &queue.Job{ID: "j1", Kind: queue.Kind("mystery")})
	assert.ErrorContains(t, err, "unknown job kind")
}
