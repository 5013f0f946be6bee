package store

import (
	"context"
	"fmt"
	"time"
)

// NodesWithPromptVersionNot lists node IDs whose stored prompt version
// differs from current. These are the reanalysis candidates.
func (s *Store) NodesWithPromptVersionNot(ctx context.Context, current string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT node_id FROM nodes WHERE prompt_version != ? ORDER BY analyzed_at ASC", current)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale prompt versions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

// RecentNodes lists the most recently analyzed node IDs.
func (s *Store) RecentNodes(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT node_id FROM nodes WHERE analyzed_at >= ? ORDER BY analyzed_at DESC LIMIT ?",
		formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

// SessionNodes lists the node IDs for one session file in segment order
// (by source timestamp, then segment start).
func (s *Store) SessionNodes(ctx context.Context, sessionFile string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT node_id FROM nodes WHERE session_file = ? ORDER BY source_timestamp ASC, segment_start ASC",
		sessionFile)
	if err != nil {
		return nil, fmt.Errorf("failed to query session nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

type idScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanIDs(rows idScanner) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate node ids: %w", err)
	}
	return ids, nil
}
