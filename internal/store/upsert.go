package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

// ErrNodeNotFound indicates no row exists for the requested node ID.
var ErrNodeNotFound = errors.New("node not found")

// Upsert commits a node: document first, then the row projection, child
// tables, and full-text index in a single transaction. It is idempotent:
// re-upserting identical content is a no-op (created=false, same version);
// changed content creates a new version and records the old one in
// previousVersions.
func (s *Store) Upsert(ctx context.Context, node *Node) (*Node, bool, error) {
	if node.ID == "" {
		return nil, false, fmt.Errorf("node ID must not be empty")
	}
	if node.AnalyzedAt.IsZero() {
		node.AnalyzedAt = time.Now().UTC()
	}

	existing, err := s.Get(ctx, node.ID)
	switch {
	case errors.Is(err, ErrNodeNotFound):
		node.Version = 1
		node.PreviousVersions = nil
	case err != nil:
		return nil, false, err
	default:
		if contentHash(existing) == contentHash(node) {
			// Re-run of a completed job; nothing changed.
			return existing, false, nil
		}
		node.Version = existing.Version + 1
		node.PreviousVersions = append(append([]int(nil), existing.PreviousVersions...), existing.Version)
	}

	docPath, err := s.writeDocument(node)
	if err != nil {
		return nil, false, err
	}

	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertRow(ctx, tx, node, docPath)
	}); err != nil {
		// The document on disk is orphaned but harmless: a retry with the
		// same deterministic ID reconciles the row.
		return nil, false, err
	}

	created := node.Version == 1
	logger.Debug(ctx, "node upserted", tag.Node(node.ID), tag.Version(node.Version))
	return node, created, nil
}

// contentHash fingerprints the analyzer-derived content of a node,
// ignoring version bookkeeping and analysis wall-clock time.
func contentHash(node *Node) string {
	clone := *node
	clone.Version = 0
	clone.PreviousVersions = nil
	clone.AnalyzedAt = time.Time{}
	data, err := json.Marshal(&clone)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func upsertRow(ctx context.Context, tx *sql.Tx, node *Node, docPath string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (
			node_id, version, session_file, segment_start, segment_end,
			project_path, computer, source_timestamp,
			type, outcome, had_clear_goal, is_new_project,
			summary, tokens_used, cost, duration_minutes, model,
			friction_score, delight_score,
			prompt_version, analyzed_at, document_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			version = excluded.version,
			session_file = excluded.session_file,
			segment_start = excluded.segment_start,
			segment_end = excluded.segment_end,
			project_path = excluded.project_path,
			computer = excluded.computer,
			source_timestamp = excluded.source_timestamp,
			type = excluded.type,
			outcome = excluded.outcome,
			had_clear_goal = excluded.had_clear_goal,
			is_new_project = excluded.is_new_project,
			summary = excluded.summary,
			tokens_used = excluded.tokens_used,
			cost = excluded.cost,
			duration_minutes = excluded.duration_minutes,
			model = excluded.model,
			friction_score = excluded.friction_score,
			delight_score = excluded.delight_score,
			prompt_version = excluded.prompt_version,
			analyzed_at = excluded.analyzed_at,
			document_path = excluded.document_path`,
		node.ID, node.Version, node.Source.SessionFile, node.Source.SegmentStart, node.Source.SegmentEnd,
		node.Source.ProjectPath, node.Source.Computer, formatTime(node.Source.Timestamp),
		node.Type, node.Outcome, boolToInt(node.HadClearGoal), boolToInt(node.IsNewProject),
		node.Summary, node.TokensUsed, node.Cost, node.DurationMinutes, node.Model,
		node.FrictionScore, node.DelightScore,
		node.PromptVersion, formatTime(node.AnalyzedAt), docPath,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node row: %w", err)
	}

	// Child tables are replaced wholesale; the document keeps history.
	for _, table := range []string{"node_decisions", "node_lessons", "node_quirks", "node_tool_errors", "node_tags", "node_topics", "node_files"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE node_id = ?", node.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	for i, d := range node.Decisions {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO node_decisions (node_id, position, what, why, alternatives) VALUES (?, ?, ?, ?, ?)",
			node.ID, i, d.What, d.Why, strings.Join(d.Alternatives, "\n")); err != nil {
			return fmt.Errorf("failed to insert decision: %w", err)
		}
	}
	for _, level := range sortedLessonLevels(node.Lessons) {
		for i, lesson := range node.Lessons[level] {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO node_lessons (node_id, level, position, lesson) VALUES (?, ?, ?, ?)",
				node.ID, level, i, lesson); err != nil {
				return fmt.Errorf("failed to insert lesson: %w", err)
			}
		}
	}
	for i, q := range node.Quirks {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO node_quirks (node_id, position, observation, frequency, severity) VALUES (?, ?, ?, ?, ?)",
			node.ID, i, q.Observation, q.Frequency, q.Severity); err != nil {
			return fmt.Errorf("failed to insert quirk: %w", err)
		}
	}
	for _, te := range node.ToolErrors {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO node_tool_errors (node_id, tool, kind, count) VALUES (?, ?, ?, ?)",
			node.ID, te.Tool, te.Kind, te.Count); err != nil {
			return fmt.Errorf("failed to insert tool error: %w", err)
		}
	}
	for table, values := range map[string][]string{
		"node_tags":   node.Tags,
		"node_topics": node.Topics,
		"node_files":  node.FilesTouched,
	} {
		column := map[string]string{"node_tags": "tag", "node_topics": "topic", "node_files": "path"}[table]
		for _, v := range values {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO "+table+" (node_id, "+column+") VALUES (?, ?)", node.ID, v); err != nil {
				return fmt.Errorf("failed to insert into %s: %w", table, err)
			}
		}
	}

	return updateFTS(ctx, tx, node)
}

func updateFTS(ctx context.Context, tx *sql.Tx, node *Node) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes_fts WHERE node_id = ?", node.ID); err != nil {
		return fmt.Errorf("failed to clear fts row: %w", err)
	}
	var decisions []string
	for _, d := range node.Decisions {
		decisions = append(decisions, d.What, d.Why)
	}
	var lessons []string
	for _, level := range sortedLessonLevels(node.Lessons) {
		lessons = append(lessons, node.Lessons[level]...)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO nodes_fts (node_id, summary, decisions, lessons, tags, topics) VALUES (?, ?, ?, ?, ?, ?)",
		node.ID, node.Summary,
		strings.Join(decisions, "\n"), strings.Join(lessons, "\n"),
		strings.Join(node.Tags, " "), strings.Join(node.Topics, " ")); err != nil {
		return fmt.Errorf("failed to insert fts row: %w", err)
	}
	return nil
}

func sortedLessonLevels(lessons map[string][]string) []string {
	levels := make([]string, 0, len(lessons))
	for level := range lessons {
		levels = append(levels, level)
	}
	sort.Strings(levels)
	return levels
}

// Get returns the current version of a node, loading the full content from
// its document.
func (s *Store) Get(ctx context.Context, nodeID string) (*Node, error) {
	var version int
	var docPath string
	err := s.db.QueryRowContext(ctx,
		"SELECT version, document_path FROM nodes WHERE node_id = ?", nodeID).
		Scan(&version, &docPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query node row: %w", err)
	}
	return s.readDocument(docPath, nodeID, version)
}

// GetVersion returns a specific version of a node from its document,
// including versions the row store no longer points at.
func (s *Store) GetVersion(ctx context.Context, nodeID string, version int) (*Node, error) {
	current, err := s.Get(ctx, nodeID)
	if err == nil && current.Version == version {
		return current, nil
	}
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		return nil, err
	}
	path, err := s.findDocument(nodeID, version)
	if err != nil {
		return nil, err
	}
	return s.readDocument(path, nodeID, version)
}

// Exists reports whether a current row exists for the node ID. This is the
// membership test the worker uses to pick unanalyzed segments.
func (s *Store) Exists(ctx context.Context, nodeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM nodes WHERE node_id = ?", nodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check node existence: %w", err)
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
