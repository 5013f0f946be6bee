package store

// schema is the full relational layout. Every statement is idempotent so
// opening an existing database is a no-op migration.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    node_id          TEXT PRIMARY KEY,
    version          INTEGER NOT NULL,
    session_file     TEXT NOT NULL,
    segment_start    TEXT NOT NULL,
    segment_end      TEXT NOT NULL,
    project_path     TEXT NOT NULL DEFAULT '',
    computer         TEXT NOT NULL DEFAULT '',
    source_timestamp TEXT NOT NULL DEFAULT '',
    type             TEXT NOT NULL,
    outcome          TEXT NOT NULL,
    had_clear_goal   INTEGER NOT NULL DEFAULT 0,
    is_new_project   INTEGER NOT NULL DEFAULT 0,
    summary          TEXT NOT NULL,
    tokens_used      INTEGER NOT NULL DEFAULT 0,
    cost             REAL NOT NULL DEFAULT 0,
    duration_minutes REAL NOT NULL DEFAULT 0,
    model            TEXT NOT NULL DEFAULT '',
    friction_score   REAL NOT NULL DEFAULT 0,
    delight_score    REAL NOT NULL DEFAULT 0,
    prompt_version   TEXT NOT NULL DEFAULT '',
    analyzed_at      TEXT NOT NULL,
    document_path    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_session ON nodes(session_file);
CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project_path);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
CREATE INDEX IF NOT EXISTS idx_nodes_outcome ON nodes(outcome);
CREATE INDEX IF NOT EXISTS idx_nodes_analyzed_at ON nodes(analyzed_at);
CREATE INDEX IF NOT EXISTS idx_nodes_prompt_version ON nodes(prompt_version);

CREATE TABLE IF NOT EXISTS node_decisions (
    node_id  TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    what     TEXT NOT NULL,
    why      TEXT NOT NULL DEFAULT '',
    alternatives TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (node_id, position)
);

CREATE TABLE IF NOT EXISTS node_lessons (
    node_id  TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
    level    TEXT NOT NULL,
    position INTEGER NOT NULL,
    lesson   TEXT NOT NULL,
    PRIMARY KEY (node_id, level, position)
);

CREATE TABLE IF NOT EXISTS node_quirks (
    node_id     TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
    position    INTEGER NOT NULL,
    observation TEXT NOT NULL,
    frequency   TEXT NOT NULL DEFAULT '',
    severity    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (node_id, position)
);

CREATE TABLE IF NOT EXISTS node_tool_errors (
    node_id TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
    tool    TEXT NOT NULL,
    kind    TEXT NOT NULL,
    count   INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (node_id, tool, kind)
);

CREATE TABLE IF NOT EXISTS node_tags (
    node_id TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
    tag     TEXT NOT NULL,
    PRIMARY KEY (node_id, tag)
);

CREATE TABLE IF NOT EXISTS node_topics (
    node_id TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
    topic   TEXT NOT NULL,
    PRIMARY KEY (node_id, topic)
);

CREATE TABLE IF NOT EXISTS node_files (
    node_id TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
    path    TEXT NOT NULL,
    PRIMARY KEY (node_id, path)
);

CREATE TABLE IF NOT EXISTS edges (
    source            TEXT NOT NULL,
    target            TEXT NOT NULL,
    type              TEXT NOT NULL,
    created_by        TEXT NOT NULL DEFAULT 'daemon',
    confidence        REAL NOT NULL DEFAULT 0,
    similarity        REAL NOT NULL DEFAULT 0,
    unresolved_target TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    PRIMARY KEY (source, target, type)
);

CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);

-- embeddings carry no foreign key to nodes: the nodes table is a projection
-- that RebuildIndex clears and re-derives, and vectors must survive that.
CREATE TABLE IF NOT EXISTS embeddings (
    node_id    TEXT PRIMARY KEY,
    model      TEXT NOT NULL,
    dimension  INTEGER NOT NULL,
    input_text TEXT NOT NULL,
    vector     BLOB NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    kind               TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending',
    session_path       TEXT NOT NULL DEFAULT '',
    target_node_id     TEXT NOT NULL DEFAULT '',
    priority           INTEGER NOT NULL,
    queued_at          TEXT NOT NULL,
    started_at         TEXT,
    finished_at        TEXT,
    retry_count        INTEGER NOT NULL DEFAULT 0,
    max_retries        INTEGER NOT NULL DEFAULT 3,
    next_retry_at      TEXT,
    last_error         TEXT NOT NULL DEFAULT '',
    last_error_category TEXT NOT NULL DEFAULT '',
    last_error_reason  TEXT NOT NULL DEFAULT '',
    claimed_by         TEXT NOT NULL DEFAULT '',
    claim_heartbeat_at TEXT,
    context            TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, queued_at);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_path, kind, status);

CREATE TABLE IF NOT EXISTS failure_patterns (
    tool       TEXT NOT NULL,
    kind       TEXT NOT NULL,
    node_count INTEGER NOT NULL,
    total      INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (tool, kind)
);

CREATE TABLE IF NOT EXISTS quirk_patterns (
    observation TEXT PRIMARY KEY,
    node_count  INTEGER NOT NULL,
    severity    TEXT NOT NULL DEFAULT '',
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lesson_patterns (
    level      TEXT NOT NULL,
    lesson     TEXT NOT NULL,
    node_count INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (level, lesson)
);

CREATE TABLE IF NOT EXISTS clusters (
    id         INTEGER PRIMARY KEY,
    label      TEXT NOT NULL DEFAULT '',
    size       INTEGER NOT NULL,
    centroid   BLOB NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cluster_members (
    cluster_id INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
    node_id    TEXT NOT NULL,
    distance   REAL NOT NULL,
    PRIMARY KEY (cluster_id, node_id)
);

CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
    node_id UNINDEXED,
    summary,
    decisions,
    lessons,
    tags,
    topics
);
`
