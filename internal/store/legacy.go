package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/projkey"
)

// Legacy flat-file layout: one JSON map per table in the state directory,
// plus one scan-state file per project inside its work-item directory.
const (
	legacyProjectsFile = "projects.json"
	legacyStatusFile   = "status.json"
	legacyHistoryFile  = "history.json"
	legacyBookmarkFile = ".scan-state.json"

	migratedMetaKey = "legacy_migrated"
)

type legacyProject struct {
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
}

type legacyStatus struct {
	Status    string    `json:"status"`
	Branch    string    `json:"branch"`
	Timestamp time.Time `json:"timestamp"`
}

type legacyHistoryRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`
	ExitCode  int       `json:"exit_code"`
	Attempt   int       `json:"attempt"`
}

type legacyBookmark struct {
	Version  int               `json:"version"`
	LastScan time.Time         `json:"last_scan"`
	Items    map[string]string `json:"items"`
}

// MigrationResult summarizes a legacy import for humans and --json output.
type MigrationResult struct {
	AlreadyMigrated bool     `json:"alreadyMigrated"`
	DryRun          bool     `json:"dryRun"`
	BackupDir       string   `json:"backupDir,omitempty"`
	Projects        int      `json:"projects"`
	Statuses        int      `json:"statuses"`
	HistoryRecords  int      `json:"historyRecords"`
	Bookmarks       int      `json:"bookmarks"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Migrate imports the legacy flat-file layout rooted at legacyDir into the
// store, exactly once. Re-invocation detects prior completion via the meta
// table and performs no writes. The import is transactional: either every
// table lands or none does, and the original files are only removed after
// the transaction commits (a timestamped backup is taken first either way).
//
// With dryRun set, Migrate reports what would move and mutates nothing.
func (s *Store) Migrate(legacyDir string, dryRun bool) (*MigrationResult, error) {
	res := &MigrationResult{DryRun: dryRun}

	done, err := s.metaGet(nil, migratedMetaKey)
	if err != nil {
		return nil, fmt.Errorf("checking migration state: %w", err)
	}
	if done != "" {
		res.AlreadyMigrated = true
		return res, nil
	}

	projects := map[string]legacyProject{}
	statuses := map[string]map[string]legacyStatus{}
	history := map[string]map[string][]legacyHistoryRecord{}

	res.warnIf(readLegacyJSON(filepath.Join(legacyDir, legacyProjectsFile), &projects))
	res.warnIf(readLegacyJSON(filepath.Join(legacyDir, legacyStatusFile), &statuses))
	res.warnIf(readLegacyJSON(filepath.Join(legacyDir, legacyHistoryFile), &history))

	bookmarks := map[string]legacyBookmark{}
	var bookmarkFiles []string
	for path := range projects {
		bmPath := filepath.Join(path, "prds", legacyBookmarkFile)
		var bm legacyBookmark
		if _, err := os.Stat(bmPath); err != nil {
			continue
		}
		if warn := readLegacyJSON(bmPath, &bm); warn != nil {
			res.warnIf(warn)
			continue
		}
		bookmarks[projkey.Derive(path)] = bm
		bookmarkFiles = append(bookmarkFiles, bmPath)
	}

	res.Projects = len(projects)
	res.Bookmarks = len(bookmarks)
	for _, items := range statuses {
		res.Statuses += len(items)
	}
	for _, items := range history {
		for _, recs := range items {
			res.HistoryRecords += len(recs)
		}
	}

	if dryRun {
		return res, nil
	}

	backupDir, err := backupLegacyFiles(legacyDir, bookmarkFiles)
	if err != nil {
		return nil, fmt.Errorf("backing up legacy files: %w", err)
	}
	res.BackupDir = backupDir

	tx, err := s.db.Begin()
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	for path, p := range projects {
		name := p.Name
		if name == "" {
			name = filepath.Base(path)
		}
		if _, err := tx.Exec(`
			INSERT INTO projects (name, path, channel_id, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO NOTHING
		`, name, path, p.ChannelID, time.Now()); err != nil {
			return nil, fmt.Errorf("importing project %s: %w", path, classify(err))
		}
	}

	for path, items := range statuses {
		for item, st := range items {
			if _, err := tx.Exec(`
				INSERT INTO persisted_status (project_path, item_name, status, branch, timestamp)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(project_path, item_name) DO NOTHING
			`, path, item, st.Status, st.Branch, st.Timestamp); err != nil {
				return nil, fmt.Errorf("importing status %s/%s: %w", path, item, classify(err))
			}
		}
	}

	for path, items := range history {
		for item, recs := range items {
			for _, rec := range recs {
				attempt := rec.Attempt
				if attempt == 0 {
					attempt = 1
				}
				if _, err := tx.Exec(`
					INSERT INTO execution_history (project_path, item_name, timestamp, outcome, exit_code, attempt)
					VALUES (?, ?, ?, ?, ?, ?)
				`, path, item, rec.Timestamp, rec.Outcome, rec.ExitCode, attempt); err != nil {
					return nil, fmt.Errorf("importing history %s/%s: %w", path, item, classify(err))
				}
			}
		}
	}

	for scopeKey, bm := range bookmarks {
		itemsJSON, err := json.Marshal(bm.Items)
		if err != nil {
			return nil, fmt.Errorf("encoding bookmark %s: %w", scopeKey, err)
		}
		version := bm.Version
		if version == 0 {
			version = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO scanner_bookmarks (scope_key, version, last_scan, items_json) VALUES (?, ?, ?, ?)
			ON CONFLICT(scope_key) DO NOTHING
		`, scopeKey, version, bm.LastScan, string(itemsJSON)); err != nil {
			return nil, fmt.Errorf("importing bookmark %s: %w", scopeKey, classify(err))
		}
	}

	if err := s.metaSet(tx, migratedMetaKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("recording migration completion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	// Originals go only after commit; the backup stays regardless.
	removeLegacyFiles(legacyDir, bookmarkFiles)

	return res, nil
}

func (r *MigrationResult) warnIf(err error) {
	if err != nil {
		log.Printf("warning: %v", err)
		r.Warnings = append(r.Warnings, err.Error())
	}
}

// readLegacyJSON decodes a legacy file into v. A missing file is fine; a
// malformed one degrades to the zero value and returns a warning error.
func readLegacyJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed legacy file %s, importing as empty: %v", path, err)
	}
	return nil
}

func backupLegacyFiles(legacyDir string, bookmarkFiles []string) (string, error) {
	backupDir := filepath.Join(legacyDir, "backup-"+time.Now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}

	sources := []string{
		filepath.Join(legacyDir, legacyProjectsFile),
		filepath.Join(legacyDir, legacyStatusFile),
		filepath.Join(legacyDir, legacyHistoryFile),
	}
	sources = append(sources, bookmarkFiles...)

	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		// Bookmark files from different projects could share a base name;
		// prefix with the project key to keep them apart.
		dst := filepath.Base(src)
		if filepath.Base(src) == legacyBookmarkFile {
			dst = projkey.Derive(filepath.Dir(filepath.Dir(src))) + legacyBookmarkFile
		}
		if err := os.WriteFile(filepath.Join(backupDir, dst), data, 0o644); err != nil {
			return "", err
		}
	}
	return backupDir, nil
}

func removeLegacyFiles(legacyDir string, bookmarkFiles []string) {
	for _, path := range []string{
		filepath.Join(legacyDir, legacyProjectsFile),
		filepath.Join(legacyDir, legacyStatusFile),
		filepath.Join(legacyDir, legacyHistoryFile),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: could not remove migrated legacy file %s: %v", path, err)
		}
	}
	for _, path := range bookmarkFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: could not remove migrated bookmark %s: %v", path, err)
		}
	}
}
