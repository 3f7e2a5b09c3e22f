// Package claim records on-disk evidence that a work item is currently
// being executed. A claim is a marker file next to the item; its validity
// is only meaningful relative to the executor lock for the same project.
package claim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
)

// Extension marks claim files. Presence is what matters; content is
// advisory (claimant PID and time, for humans digging through /tmp).
const Extension = ".claim"

// ErrClaimConflict means another worker already claimed the item.
var ErrClaimConflict = errors.New("item already claimed")

// Store manages claim markers for work items, and reconciles orphans left
// behind by dead executors.
type Store struct {
	locks *lockfile.Manager
}

// NewStore returns a Store that judges claim liveness against locks from m.
func NewStore(m *lockfile.Manager) *Store {
	return &Store{locks: m}
}

// Claim atomically creates the marker for item under dir. Returns
// ErrClaimConflict if a marker already exists.
func (s *Store) Claim(dir, item string) error {
	path := markerPath(dir, item)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrClaimConflict, item)
		}
		return fmt.Errorf("writing claim %s: %w", path, err)
	}
	fmt.Fprintf(f, "pid=%d claimed=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return f.Close()
}

// Clear removes the marker for item under dir. Clearing an unclaimed item
// is a no-op.
func (s *Store) Clear(dir, item string) error {
	if err := os.Remove(markerPath(dir, item)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing claim: %w", err)
	}
	return nil
}

// ListClaims returns the names of claimed items under dir, sorted.
func (s *Store) ListClaims(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing claims in %s: %w", dir, err)
	}

	var items []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		items = append(items, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(items)
	return items, nil
}

// Reconcile removes orphaned claims under dir: claims whose project's
// executor lock is absent or records a dead PID. It returns the items whose
// claims were removed.
//
// While the executor lock is live, Reconcile removes nothing — even when
// the mapping from claim to owner looks ambiguous. Ambiguity fails closed.
// Liveness is re-probed immediately before each delete so a claim whose
// owner started after the initial check survives.
func (s *Store) Reconcile(projectKey, dir string) ([]string, error) {
	items, err := s.ListClaims(dir)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	lockPath := s.locks.Path(projectKey, lockfile.RoleExecutor)
	check, err := s.locks.Check(lockPath)
	if err != nil {
		return nil, fmt.Errorf("checking executor lock: %w", err)
	}
	if check.Running {
		return nil, nil
	}

	var removed []string
	for _, item := range items {
		// The executor may have restarted between the check above and
		// this delete. Probe again per claim.
		check, err := s.locks.Check(lockPath)
		if err != nil || check.Running {
			break
		}
		if err := os.Remove(markerPath(dir, item)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("removing orphaned claim for %s: %w", item, err)
		}
		removed = append(removed, item)
	}
	return removed, nil
}

// IsClaimed reports whether a marker exists for item under dir.
func (s *Store) IsClaimed(dir, item string) bool {
	_, err := os.Stat(markerPath(dir, item))
	return err == nil
}

func markerPath(dir, item string) string {
	return filepath.Join(dir, item+Extension)
}
