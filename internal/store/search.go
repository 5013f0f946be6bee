package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FTS columns available for field-restricted search, in table order.
var searchFields = []string{"summary", "decisions", "lessons", "tags", "topics"}

// Per-field bm25 weights (node_id is unindexed, weight 0).
const bm25Weights = "0, 3.0, 2.0, 2.0, 1.5, 1.0"

// SearchFilters restricts search results by row attributes. Zero values
// mean "no restriction". Tags and Topics are AND-sets: a node must carry
// every listed value.
type SearchFilters struct {
	Project      string
	Type         string
	Outcome      string
	Computer     string
	Since        time.Time
	Until        time.Time
	HadClearGoal *bool
	IsNewProject *bool
	Tags         []string
	Topics       []string
}

// SearchOptions controls field restriction and pagination.
type SearchOptions struct {
	Fields  []string // subset of summary/decisions/lessons/tags/topics
	Filters SearchFilters
	Limit   int
	Offset  int
}

// SearchResult is one ranked full-text hit.
type SearchResult struct {
	NodeID  string
	Rank    float64 // bm25; lower is better
	Snippet string
	Summary string
	Type    string
	Outcome string
}

const defaultSearchLimit = 20

// Search runs a ranked full-text query over the node index. An empty field
// list searches every indexed field.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query must not be empty")
	}
	match, err := buildMatch(query, opts.Fields)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT f.node_id,
		       bm25(nodes_fts, ` + bm25Weights + `) AS rank,
		       snippet(nodes_fts, 1, '[', ']', '…', 12),
		       n.summary, n.type, n.outcome
		FROM nodes_fts f
		JOIN nodes n ON n.node_id = f.node_id
		WHERE nodes_fts MATCH ?`)
	args := []any{match}

	where, filterArgs := buildFilterClauses("n", opts.Filters)
	for _, clause := range where {
		sb.WriteString(" AND ")
		sb.WriteString(clause)
	}
	args = append(args, filterArgs...)

	sb.WriteString(" ORDER BY rank LIMIT ? OFFSET ?")
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run search query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.NodeID, &r.Rank, &r.Snippet, &r.Summary, &r.Type, &r.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search results: %w", err)
	}
	return results, nil
}

// buildMatch produces an FTS5 match expression, quoting the user query and
// applying an optional column restriction.
func buildMatch(query string, fields []string) (string, error) {
	quoted := quoteQuery(query)
	if len(fields) == 0 {
		return quoted, nil
	}
	for _, f := range fields {
		valid := false
		for _, known := range searchFields {
			if f == known {
				valid = true
				break
			}
		}
		if !valid {
			return "", fmt.Errorf("unknown search field %q", f)
		}
	}
	return "{" + strings.Join(fields, " ") + "} : " + quoted, nil
}

// quoteQuery wraps each whitespace-separated term in double quotes so user
// input cannot inject FTS5 operators.
func quoteQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

// buildFilterClauses translates filters into WHERE fragments against the
// aliased nodes table. Shared by text and vector search.
func buildFilterClauses(alias string, f SearchFilters) ([]string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, vals ...any) {
		clauses = append(clauses, clause)
		args = append(args, vals...)
	}
	if f.Project != "" {
		add(alias+".project_path = ?", f.Project)
	}
	if f.Type != "" {
		add(alias+".type = ?", f.Type)
	}
	if f.Outcome != "" {
		add(alias+".outcome = ?", f.Outcome)
	}
	if f.Computer != "" {
		add(alias+".computer = ?", f.Computer)
	}
	if !f.Since.IsZero() {
		add(alias+".analyzed_at >= ?", formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		add(alias+".analyzed_at <= ?", formatTime(f.Until))
	}
	if f.HadClearGoal != nil {
		add(alias+".had_clear_goal = ?", boolToInt(*f.HadClearGoal))
	}
	if f.IsNewProject != nil {
		add(alias+".is_new_project = ?", boolToInt(*f.IsNewProject))
	}
	for _, t := range f.Tags {
		add("EXISTS (SELECT 1 FROM node_tags WHERE node_id = "+alias+".node_id AND tag = ?)", t)
	}
	for _, t := range f.Topics {
		add("EXISTS (SELECT 1 FROM node_topics WHERE node_id = "+alias+".node_id AND topic = ?)", t)
	}
	return clauses, args
}
