package store

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    name TEXT NOT NULL,
    path TEXT NOT NULL UNIQUE,
    channel_id TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_path TEXT NOT NULL,
    item_name TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    outcome TEXT NOT NULL,
    exit_code INTEGER,
    attempt INTEGER DEFAULT 1,
    run_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_history_item
    ON execution_history(project_path, item_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS persisted_status (
    project_path TEXT NOT NULL,
    item_name TEXT NOT NULL,
    status TEXT NOT NULL,
    branch TEXT,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (project_path, item_name)
);

CREATE TABLE IF NOT EXISTS scanner_bookmarks (
    scope_key TEXT PRIMARY KEY,
    version INTEGER NOT NULL DEFAULT 1,
    last_scan TIMESTAMP,
    items_json TEXT
);

CREATE TABLE IF NOT EXISTS schema_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
