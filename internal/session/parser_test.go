package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSession(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))
	return path
}

func entryLine(id, parent, ts, typ string) string {
	return fmt.Sprintf(`{"id":%q,"parentId":%q,"timestamp":%q,"type":%q,"payload":{"text":"hi"}}`,
		id, parent, ts, typ)
}

func TestParse(t *testing.T) {
	ctx := context.Background()

	t.Run("LinearSession", func(t *testing.T) {
		path := writeSession(t,
			`{"version":1,"cwd":"/work/proj"}`,
			entryLine("e1", "", "2026-01-02T10:00:00Z", TypeUser),
			entryLine("e2", "e1", "2026-01-02T10:00:05Z", TypeAssistant),
			entryLine("e3", "e2", "2026-01-02T10:00:10Z", TypeToolResult),
		)
		sess, err := Parse(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "/work/proj", sess.Header.CWD)
		assert.Equal(t, 1, sess.Header.Version)
		require.Len(t, sess.Entries, 3)
		assert.Equal(t, "e1", sess.Entries[0].ID)
		assert.Equal(t, "e2", sess.Entries[1].ID)
		assert.Equal(t, "e1", sess.Entries[1].ParentID)
		assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), sess.Entries[0].Timestamp)
		assert.Zero(t, sess.SkippedLines)
	})

	t.Run("EmptyFileIsNotAnError", func(t *testing.T) {
		path := writeSession(t)
		sess, err := Parse(ctx, path)
		require.NoError(t, err)
		assert.Empty(t, sess.Entries)
	})

	t.Run("HeaderOnly", func(t *testing.T) {
		path := writeSession(t, `{"version":1,"cwd":"/p"}`)
		sess, err := Parse(ctx, path)
		require.NoError(t, err)
		assert.Empty(t, sess.Entries)
	})

	t.Run("MalformedHeaderIsFatal", func(t *testing.T) {
		path := writeSession(t, `not json at all`, entryLine("e1", "", "2026-01-02T10:00:00Z", TypeUser))
		_, err := Parse(ctx, path)
		require.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("HeaderWithoutCwdIsFatal", func(t *testing.T) {
		path := writeSession(t, `{"version":1}`)
		_, err := Parse(ctx, path)
		require.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("MalformedLinesAreSkipped", func(t *testing.T) {
		path := writeSession(t,
			`{"version":1,"cwd":"/p"}`,
			entryLine("e1", "", "2026-01-02T10:00:00Z", TypeUser),
			`{"broken`,
			entryLine("e2", "e1", "2026-01-02T10:00:05Z", TypeAssistant),
		)
		sess, err := Parse(ctx, path)
		require.NoError(t, err)
		assert.Len(t, sess.Entries, 2)
		assert.Equal(t, 1, sess.SkippedLines)
	})

	t.Run("TrailingPartialLineTolerated", func(t *testing.T) {
		path := writeSession(t,
			`{"version":1,"cwd":"/p"}`,
			entryLine("e1", "", "2026-01-02T10:00:00Z", TypeUser),
			`{"id":"e2","parentId":"e1","ty`,
		)
		sess, err := Parse(ctx, path)
		require.NoError(t, err)
		assert.Len(t, sess.Entries, 1)
		assert.Equal(t, 1, sess.SkippedLines)
	})

	t.Run("DuplicateIDsSkipped", func(t *testing.T) {
		path := writeSession(t,
			`{"version":1,"cwd":"/p"}`,
			entryLine("e1", "", "2026-01-02T10:00:00Z", TypeUser),
			entryLine("e1", "", "2026-01-02T10:00:01Z", TypeUser),
		)
		sess, err := Parse(ctx, path)
		require.NoError(t, err)
		assert.Len(t, sess.Entries, 1)
		assert.Equal(t, 1, sess.SkippedLines)
	})

	t.Run("ParentSessionReference", func(t *testing.T) {
		path := writeSession(t,
			`{"version":1,"cwd":"/p","parentSession":{"path":"s1.jsonl","entryId":"e5"}}`,
		)
		sess, err := Parse(ctx, path)
		require.NoError(t, err)
		require.NotNil(t, sess.Header.ParentSession)
		assert.Equal(t, "s1.jsonl", sess.Header.ParentSession.Path)
		assert.Equal(t, "e5", sess.Header.ParentSession.EntryID)
	})

	t.Run("PayloadPreservedVerbatim", func(t *testing.T) {
		path := writeSession(t,
			`{"version":1,"cwd":"/p"}`,
			`{"id":"e1","type":"tool_result","payload":{"tool":"bash","custom":{"deep":[1,2]}}}`,
		)
		sess, err := Parse(ctx, path)
		require.NoError(t, err)
		require.Len(t, sess.Entries, 1)
		assert.JSONEq(t, `{"tool":"bash","custom":{"deep":[1,2]}}`, string(sess.Entries[0].Payload))
	})
}

func TestSessionLeaf(t *testing.T) {
	t.Run("LinearChain", func(t *testing.T) {
		sess := &Session{Entries: []Entry{
			{ID: "e1"},
			{ID: "e2", ParentID: "e1"},
			{ID: "e3", ParentID: "e2"},
		}}
		assert.Equal(t, "e3", sess.Leaf())
	})

	t.Run("BranchedTreeReturnsLatestLeaf", func(t *testing.T) {
		sess := &Session{Entries: []Entry{
			{ID: "e1"},
			{ID: "e2", ParentID: "e1"},
			{ID: "e3", ParentID: "e1"},
		}}
		assert.Equal(t, "e3", sess.Leaf())
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, (&Session{}).Leaf())
	})
}
