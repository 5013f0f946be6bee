package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AggregatePatterns recomputes the failure, quirk, and lesson pattern
// tables from the child tables. Pure database work; safe to re-run.
func (s *Store) AggregatePatterns(ctx context.Context) error {
	now := formatTime(time.Now().UTC())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"failure_patterns", "quirk_patterns", "lesson_patterns"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failure_patterns (tool, kind, node_count, total, updated_at)
			SELECT tool, kind, COUNT(DISTINCT node_id), SUM(count), ?
			FROM node_tool_errors GROUP BY tool, kind`, now); err != nil {
			return fmt.Errorf("failed to aggregate failure patterns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quirk_patterns (observation, node_count, severity, updated_at)
			SELECT observation, COUNT(DISTINCT node_id), MAX(severity), ?
			FROM node_quirks GROUP BY observation`, now); err != nil {
			return fmt.Errorf("failed to aggregate quirk patterns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lesson_patterns (level, lesson, node_count, updated_at)
			SELECT level, lesson, COUNT(DISTINCT node_id), ?
			FROM node_lessons GROUP BY level, lesson`, now); err != nil {
			return fmt.Errorf("failed to aggregate lesson patterns: %w", err)
		}
		return nil
	})
}

// FailurePattern is one aggregated tool failure row.
type FailurePattern struct {
	Tool      string
	Kind      string
	NodeCount int
	Total     int
}

// TopFailurePatterns returns the most widespread tool failures.
func (s *Store) TopFailurePatterns(ctx context.Context, limit int) ([]FailurePattern, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT tool, kind, node_count, total FROM failure_patterns ORDER BY node_count DESC, total DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var patterns []FailurePattern
	for rows.Next() {
		var p FailurePattern
		if err := rows.Scan(&p.Tool, &p.Kind, &p.NodeCount, &p.Total); err != nil {
			return nil, fmt.Errorf("failed to scan failure pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
