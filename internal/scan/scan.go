// Package scan diffs a project's work-item layout against the last scan,
// using a durable bookmark so independently scheduled invocations report
// each change exactly once.
package scan

import (
	"fmt"
	"sort"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
	"github.com/hochfrequenz/prd-orchestrator/internal/projkey"
	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

// Change lists item movements since the previous scan.
type Change struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Completed []string `json:"completed,omitempty"`
}

// Empty reports whether nothing moved.
func (c *Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Completed) == 0
}

// Scanner tracks per-project scan bookmarks in the store.
type Scanner struct {
	store *store.Store
}

// New returns a Scanner over the shared store handle.
func New(s *store.Store) *Scanner {
	return &Scanner{store: s}
}

// Scan compares the project's current items against the bookmark and
// advances it. The first scan of a project reports every item as added.
func (s *Scanner) Scan(projectPath string) (*Change, error) {
	key := projkey.Derive(projectPath)

	items, err := prd.List(projectPath)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	current := make(map[string]string, len(items))
	for _, it := range items {
		loc := "pending"
		if it.Done {
			loc = "done"
		}
		current[it.Name] = loc
	}

	bookmark, err := s.store.LoadBookmark(key)
	if err != nil {
		return nil, fmt.Errorf("loading bookmark: %w", err)
	}

	change := &Change{}
	for name, loc := range current {
		prev, seen := bookmark.Items[name]
		switch {
		case !seen:
			change.Added = append(change.Added, name)
		case prev != "done" && loc == "done":
			change.Completed = append(change.Completed, name)
		}
	}
	for name := range bookmark.Items {
		if _, ok := current[name]; !ok {
			change.Removed = append(change.Removed, name)
		}
	}
	sort.Strings(change.Added)
	sort.Strings(change.Removed)
	sort.Strings(change.Completed)

	bookmark.ScopeKey = key
	bookmark.Items = current
	bookmark.LastScan = time.Now().UTC()
	if bookmark.Version == 0 {
		bookmark.Version = 1
	}
	if err := s.store.SaveBookmark(bookmark); err != nil {
		return nil, fmt.Errorf("saving bookmark: %w", err)
	}

	return change, nil
}
