// Package store is the durable half of the coordination layer: an embedded
// SQLite database holding persisted item status, the execution history
// ledger, the project registry, and scanner bookmarks. It is opened in WAL
// mode with a busy timeout so concurrent short-lived worker processes
// serialize writes instead of failing outright.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrStoreBusy marks a transient write-contention timeout. Safe to retry
// with backoff; never conflate with corruption.
var ErrStoreBusy = errors.New("store busy")

// Store provides SQLite-backed persistence. One handle per process, opened
// once and passed to every component that needs it.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Short-lived workers pile up on the same file; a single connection
	// plus WAL and a busy timeout keeps them serialized.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify wraps SQLite busy/locked failures in ErrStoreBusy so callers can
// tell "retry later" from genuine corruption.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)") {
		return fmt.Errorf("%w: %v", ErrStoreBusy, err)
	}
	return err
}

// Project is a registry entry the snapshot builder, ledger, and scheduler
// installer all operate over.
type Project struct {
	Name      string
	Path      string
	ChannelID string
	CreatedAt time.Time
}

// AddProject registers a project, updating the name and channel if the
// path is already registered.
func (s *Store) AddProject(p Project) error {
	_, err := s.db.Exec(`
		INSERT INTO projects (name, path, channel_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			channel_id = excluded.channel_id
	`, p.Name, p.Path, p.ChannelID, time.Now())
	return classify(err)
}

// RemoveProject unregisters the project at path.
func (s *Store) RemoveProject(path string) error {
	_, err := s.db.Exec(`DELETE FROM projects WHERE path = ?`, path)
	return classify(err)
}

// ListProjects returns all registered projects ordered by name.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT name, path, COALESCE(channel_id, ''), created_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.Name, &p.Path, &p.ChannelID, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetProject returns the registered project at path, or nil if unknown.
func (s *Store) GetProject(path string) (*Project, error) {
	row := s.db.QueryRow(`SELECT name, path, COALESCE(channel_id, ''), created_at FROM projects WHERE path = ?`, path)
	var p Project
	if err := row.Scan(&p.Name, &p.Path, &p.ChannelID, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return &p, nil
}

// StatusRow is a persisted status written by external collaborators for
// states that file movement cannot express (reviewer hand-off).
type StatusRow struct {
	ProjectPath string
	ItemName    string
	Status      string
	Branch      string
	Timestamp   time.Time
}

// UpsertStatus writes a persisted status row, keyed by (project, item).
func (s *Store) UpsertStatus(row StatusRow) error {
	_, err := s.db.Exec(`
		INSERT INTO persisted_status (project_path, item_name, status, branch, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_path, item_name) DO UPDATE SET
			status = excluded.status,
			branch = excluded.branch,
			timestamp = excluded.timestamp
	`, row.ProjectPath, row.ItemName, row.Status, row.Branch, row.Timestamp)
	return classify(err)
}

// DeleteStatus removes the persisted status for an item, if any.
func (s *Store) DeleteStatus(projectPath, itemName string) error {
	_, err := s.db.Exec(`DELETE FROM persisted_status WHERE project_path = ? AND item_name = ?`,
		projectPath, itemName)
	return classify(err)
}

// Statuses returns all persisted status rows for a project, keyed by item.
func (s *Store) Statuses(projectPath string) (map[string]StatusRow, error) {
	rows, err := s.db.Query(`
		SELECT project_path, item_name, status, COALESCE(branch, ''), timestamp
		FROM persisted_status WHERE project_path = ?
	`, projectPath)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	statuses := make(map[string]StatusRow)
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.ProjectPath, &r.ItemName, &r.Status, &r.Branch, &r.Timestamp); err != nil {
			return nil, err
		}
		statuses[r.ItemName] = r
	}
	return statuses, rows.Err()
}

// Outcome classifies how an execution attempt ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeRateLimited Outcome = "rate_limited"
)

// HistoryRecord is one append-only ledger entry for a (project, item).
type HistoryRecord struct {
	Timestamp time.Time
	Outcome   Outcome
	ExitCode  int
	Attempt   int
	RunID     string
}

// AppendHistory appends a ledger record. Serialization across processes is
// the database's job: WAL plus the busy timeout.
func (s *Store) AppendHistory(projectPath, itemName string, rec HistoryRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO execution_history (project_path, item_name, timestamp, outcome, exit_code, attempt, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, projectPath, itemName, rec.Timestamp, string(rec.Outcome), rec.ExitCode, rec.Attempt, rec.RunID)
	return classify(err)
}

// HistoryRecords returns ledger records for an item, newest first.
func (s *Store) HistoryRecords(projectPath, itemName string) ([]HistoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, outcome, COALESCE(exit_code, 0), COALESCE(attempt, 1), COALESCE(run_id, '')
		FROM execution_history
		WHERE project_path = ? AND item_name = ?
		ORDER BY timestamp DESC, id DESC
	`, projectPath, itemName)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		var outcome string
		if err := rows.Scan(&r.Timestamp, &outcome, &r.ExitCode, &r.Attempt, &r.RunID); err != nil {
			return nil, err
		}
		r.Outcome = Outcome(outcome)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TrimHistory deletes the oldest records beyond max for an item, ordered by
// (timestamp, insertion order) ascending.
func (s *Store) TrimHistory(projectPath, itemName string, max int) error {
	_, err := s.db.Exec(`
		DELETE FROM execution_history
		WHERE project_path = ? AND item_name = ? AND id NOT IN (
			SELECT id FROM execution_history
			WHERE project_path = ? AND item_name = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
	`, projectPath, itemName, projectPath, itemName, max)
	return classify(err)
}

// Bookmark is a scanner's persisted position: what it saw last, so the
// next scan can diff instead of re-reporting everything.
type Bookmark struct {
	ScopeKey string
	Version  int
	LastScan time.Time
	Items    map[string]string
}

// SaveBookmark upserts a scanner bookmark.
func (s *Store) SaveBookmark(b Bookmark) error {
	itemsJSON, err := json.Marshal(b.Items)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO scanner_bookmarks (scope_key, version, last_scan, items_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope_key) DO UPDATE SET
			version = excluded.version,
			last_scan = excluded.last_scan,
			items_json = excluded.items_json
	`, b.ScopeKey, b.Version, b.LastScan, string(itemsJSON))
	return classify(err)
}

// LoadBookmark returns the bookmark for scopeKey. A missing row or a
// malformed items blob degrades to an empty bookmark; the malformed case is
// logged as a data-quality warning, not swallowed.
func (s *Store) LoadBookmark(scopeKey string) (Bookmark, error) {
	row := s.db.QueryRow(`SELECT scope_key, version, last_scan, COALESCE(items_json, '') FROM scanner_bookmarks WHERE scope_key = ?`, scopeKey)

	var b Bookmark
	var itemsJSON string
	if err := row.Scan(&b.ScopeKey, &b.Version, &b.LastScan, &itemsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bookmark{ScopeKey: scopeKey, Version: 1, Items: map[string]string{}}, nil
		}
		return Bookmark{}, classify(err)
	}

	b.Items = make(map[string]string)
	if itemsJSON != "" {
		if err := json.Unmarshal([]byte(itemsJSON), &b.Items); err != nil {
			log.Printf("warning: malformed bookmark blob for %s, starting fresh: %v", scopeKey, err)
			b.Items = map[string]string{}
		}
	}
	return b, nil
}

func (s *Store) metaGet(tx *sql.Tx, key string) (string, error) {
	var q interface {
		QueryRow(query string, args ...any) *sql.Row
	} = s.db
	if tx != nil {
		q = tx
	}
	var value string
	err := q.QueryRow(`SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, classify(err)
}

func (s *Store) metaSet(tx *sql.Tx, key, value string) error {
	var e interface {
		Exec(query string, args ...any) (sql.Result, error)
	} = s.db
	if tx != nil {
		e = tx
	}
	_, err := e.Exec(`
		INSERT INTO schema_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return classify(err)
}
