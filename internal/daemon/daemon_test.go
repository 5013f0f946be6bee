package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

const testPayloadJSON = `{"summary":"wired the config loader","type":"coding","outcome":"success","hadClearGoal":true}`

// writeAgentScript materializes a shell script standing in for the LLM CLI.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not runnable here")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// newTestConfig builds a fully wired config with fast watcher and retry
// windows so the pipeline settles within test timeouts.
func newTestConfig(t *testing.T, agentCommand string) *config.Config {
	t.Helper()
	dataDir := filepath.Join(t.TempDir(), "data")
	sessionDir := filepath.Join(t.TempDir(), "sessions")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))

	return &config.Config{
		Paths: config.PathsConfig{
			DataDir:      dataDir,
			SessionDirs:  []string{sessionDir},
			NodesDir:     filepath.Join(dataDir, "nodes"),
			DatabaseFile: filepath.Join(dataDir, "knowledge.db"),
			LockFile:     filepath.Join(dataDir, "hindsight.lock"),
			StatusFile:   filepath.Join(dataDir, "status.json"),
		},
		Watcher: config.WatcherConfig{
			PollInterval:    50 * time.Millisecond,
			StabilityWindow: 150 * time.Millisecond,
			IdleWindow:      time.Hour,
			EventBufferSize: 64,
		},
		Segmenter: config.SegmenterConfig{ResumeGap: 10 * time.Minute},
		Queue: config.QueueConfig{
			BaseRetryDelay:   50 * time.Millisecond,
			MaxRetryDelay:    200 * time.Millisecond,
			UnknownRetries:   1,
			StaleClaimWindow: time.Minute,
		},
		Worker: config.WorkerConfig{
			Count:        1,
			JobTimeout:   30 * time.Second,
			PollInterval: 25 * time.Millisecond,
		},
		Analyzer:  config.AnalyzerConfig{Command: agentCommand},
		Embedding: config.EmbeddingConfig{Provider: config.EmbeddingProviderMock, Dimension: 16},
	}
}

// startDaemon runs the daemon in the background and blocks until the
// status file confirms it is up. The returned stop function cancels the
// run context and waits for a clean exit.
func startDaemon(t *testing.T, cfg *config.Config) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- New(cfg).Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Paths.StatusFile)
		return err == nil
	}, 10*time.Second, 25*time.Millisecond, "daemon did not come up")

	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("daemon did not shut down")
		}
	}
	t.Cleanup(stop)
	return stop
}

func sessionLine(id, parent string, at time.Time, typ, text string) string {
	return fmt.Sprintf(`{"id":%q,"parentId":%q,"timestamp":%q,"type":%q,"payload":{"text":%q}}`,
		id, parent, at.UTC().Format(time.RFC3339), typ, text)
}

// pipelineSettle covers the gap between a node's document landing on disk
// and the worker finishing edge linking, embedding, and the job completion
// write.
const pipelineSettle = 500 * time.Millisecond

func waitForDocuments(t *testing.T, nodesDir string, n int) {
	t.Helper()
	pattern := filepath.Join(nodesDir, "*", "*", "*.json")
	require.Eventually(t, func() bool {
		matches, err := filepath.Glob(pattern)
		return err == nil && len(matches) >= n
	}, 15*time.Second, 25*time.Millisecond, "expected %d committed documents", n)
	time.Sleep(pipelineSettle)
}

// openStore reopens the knowledge store after the daemon has released it.
func openStore(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	st, err := store.New(context.Background(), cfg.Paths.DatabaseFile, cfg.Paths.NodesDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var daemonSessionStart = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func TestDaemonAnalyzesNewSession(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, writeAgentScript(t, "echo '"+testPayloadJSON+"'\n"))
	stop := startDaemon(t, cfg)

	lines := []string{fmt.Sprintf(`{"version":1,"cwd":%q}`, cfg.Paths.SessionDirs[0])}
	for i := 0; i < 6; i++ {
		parent := ""
		if i > 0 {
			parent = fmt.Sprintf("e%d", i)
		}
		typ, text := "assistant", "working"
		if i%2 == 0 {
			typ, text = "user", "next step"
		}
		lines = append(lines, sessionLine(fmt.Sprintf("e%d", i+1), parent,
			daemonSessionStart.Add(time.Duration(i)*5*time.Second), typ, text))
	}
	path := filepath.Join(cfg.Paths.SessionDirs[0], "s1.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	waitForDocuments(t, cfg.Paths.NodesDir, 1)
	stop()

	st := openStore(t, cfg)
	node, err := st.Get(ctx, store.NodeID(path, "e1", "e6"))
	require.NoError(t, err)
	assert.Equal(t, 1, node.Version)
	assert.Equal(t, "wired the config loader", node.Summary)
	assert.Equal(t, path, node.Source.SessionFile)

	emb, err := st.GetEmbedding(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "mock", emb.Model)
	assert.Len(t, emb.Vector, 16)

	nodes, edges, embeddings, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, nodes)
	assert.Zero(t, edges)
	assert.Equal(t, 1, embeddings)

	status, err := ReadStatus(cfg.Paths.StatusFile)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, 1, status.Nodes)
	assert.Equal(t, 1, status.Jobs.Completed)
}

func TestDaemonLinksResumedSession(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, writeAgentScript(t, "echo '"+testPayloadJSON+"'\n"))
	stop := startDaemon(t, cfg)

	path := filepath.Join(cfg.Paths.SessionDirs[0], "s1.jsonl")
	first := []string{
		fmt.Sprintf(`{"version":1,"cwd":%q}`, cfg.Paths.SessionDirs[0]),
		sessionLine("e1", "", daemonSessionStart, "user", "refactor the parser"),
		sessionLine("e2", "e1", daemonSessionStart.Add(5*time.Second), "assistant", "working"),
		sessionLine("e3", "e2", daemonSessionStart.Add(10*time.Second), "user", "looks good"),
		sessionLine("e4", "e3", daemonSessionStart.Add(15*time.Second), "assistant", "done"),
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(first, "\n")+"\n"), 0o644))
	waitForDocuments(t, cfg.Paths.NodesDir, 1)

	// A gap past the resume window opens a second segment.
	resumed := []string{
		sessionLine("r1", "e4", daemonSessionStart.Add(40*time.Minute), "user", "now add tests"),
		sessionLine("r2", "r1", daemonSessionStart.Add(40*time.Minute+5*time.Second), "assistant", "on it"),
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Join(resumed, "\n") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	waitForDocuments(t, cfg.Paths.NodesDir, 2)
	stop()

	st := openStore(t, cfg)
	firstID := store.NodeID(path, "e1", "e4")
	secondID := store.NodeID(path, "r1", "r2")

	edges, err := st.Edges(ctx, firstID, store.DirectionOutgoing, nil)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, store.EdgeResume, edges[0].Type)
	assert.Equal(t, secondID, edges[0].Target)

	nodes, _, _, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, nodes)
}

func TestDaemonLinksForkedSession(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, writeAgentScript(t, "echo '"+testPayloadJSON+"'\n"))
	stop := startDaemon(t, cfg)

	dir := cfg.Paths.SessionDirs[0]
	parent := []string{
		fmt.Sprintf(`{"version":1,"cwd":%q}`, dir),
		sessionLine("e1", "", daemonSessionStart, "user", "design the schema"),
		sessionLine("e2", "e1", daemonSessionStart.Add(5*time.Second), "assistant", "drafting"),
		sessionLine("e3", "e2", daemonSessionStart.Add(10*time.Second), "user", "try a variant"),
		sessionLine("e4", "e3", daemonSessionStart.Add(15*time.Second), "assistant", "done"),
	}
	parentPath := filepath.Join(dir, "s1.jsonl")
	require.NoError(t, os.WriteFile(parentPath, []byte(strings.Join(parent, "\n")+"\n"), 0o644))
	waitForDocuments(t, cfg.Paths.NodesDir, 1)

	fork := []string{
		fmt.Sprintf(`{"version":1,"cwd":%q,"parentSession":{"path":"s1.jsonl","entryId":"e3"}}`, dir),
		sessionLine("f1", "", daemonSessionStart.Add(20*time.Second), "user", "variant: use a view"),
		sessionLine("f2", "f1", daemonSessionStart.Add(25*time.Second), "assistant", "done"),
	}
	forkPath := filepath.Join(dir, "s2.jsonl")
	require.NoError(t, os.WriteFile(forkPath, []byte(strings.Join(fork, "\n")+"\n"), 0o644))

	waitForDocuments(t, cfg.Paths.NodesDir, 2)
	stop()

	st := openStore(t, cfg)
	forkID := store.NodeID(forkPath, "f1", "f2")
	edges, err := st.Edges(ctx, forkID, store.DirectionOutgoing, []store.EdgeType{store.EdgeFork})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, store.NodeID(parentPath, "e1", "e4"), edges[0].Target)
}

func TestDaemonIgnoresDuplicateReady(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, writeAgentScript(t, "echo '"+testPayloadJSON+"'\n"))
	stop := startDaemon(t, cfg)

	path := filepath.Join(cfg.Paths.SessionDirs[0], "s1.jsonl")
	content := fmt.Sprintf(`{"version":1,"cwd":%q}`, cfg.Paths.SessionDirs[0]) + "\n" +
		sessionLine("e1", "", daemonSessionStart, "user", "fix the build") + "\n" +
		sessionLine("e2", "e1", daemonSessionStart.Add(5*time.Second), "assistant", "done") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	waitForDocuments(t, cfg.Paths.NodesDir, 1)

	// A metadata-only touch re-arms the watcher; the re-emitted ready event
	// must not produce a second node or version.
	now := time.Now()
	require.NoError(t, os.Chtimes(path, now, now))
	time.Sleep(cfg.Watcher.StabilityWindow + 4*cfg.Watcher.PollInterval + pipelineSettle)
	stop()

	st := openStore(t, cfg)
	node, err := st.Get(ctx, store.NodeID(path, "e1", "e2"))
	require.NoError(t, err)
	assert.Equal(t, 1, node.Version)

	nodes, _, _, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, nodes)
}

func TestDaemonRetriesTransientAgentFailure(t *testing.T) {
	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "first-call")
	script := "if [ ! -f \"" + marker + "\" ]; then\n" +
		"  touch \"" + marker + "\"\n" +
		"  echo 'rate limit exceeded' >&2\n" +
		"  exit 1\n" +
		"fi\n" +
		"echo '" + testPayloadJSON + "'\n"
	cfg := newTestConfig(t, writeAgentScript(t, script))
	stop := startDaemon(t, cfg)

	path := filepath.Join(cfg.Paths.SessionDirs[0], "s1.jsonl")
	content := fmt.Sprintf(`{"version":1,"cwd":%q}`, cfg.Paths.SessionDirs[0]) + "\n" +
		sessionLine("e1", "", daemonSessionStart, "user", "fix the build") + "\n" +
		sessionLine("e2", "e1", daemonSessionStart.Add(5*time.Second), "assistant", "done") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	waitForDocuments(t, cfg.Paths.NodesDir, 1)
	stop()

	st := openStore(t, cfg)
	exists, err := st.Exists(ctx, store.NodeID(path, "e1", "e2"))
	require.NoError(t, err)
	assert.True(t, exists)

	q := queue.New(st.DB(), queue.DefaultConfig())
	jobs, err := q.ListByStatus(ctx, queue.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.KindInitial, jobs[0].Kind)
	assert.Equal(t, 1, jobs[0].RetryCount)
	assert.Equal(t, "rate_limited", jobs[0].LastReason)
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := newTestConfig(t, writeAgentScript(t, "echo '"+testPayloadJSON+"'\n"))
	stop := startDaemon(t, cfg)

	err := New(cfg).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another instance")
	stop()
}
