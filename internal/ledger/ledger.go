// Package ledger is the retention-bounded outcome history per
// (project, work item). Appends from concurrent worker processes are
// serialized by the store's WAL transactions; this layer adds the
// retention policy and attempt numbering.
package ledger

import (
	"fmt"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

// DefaultRetention is how many records each (project, item) ledger keeps
// unless configured otherwise.
const DefaultRetention = 50

// Ledger appends and reads execution outcomes.
type Ledger struct {
	store     *store.Store
	retention int
}

// New returns a Ledger over s keeping at most retention records per item.
// A non-positive retention falls back to DefaultRetention.
func New(s *store.Store, retention int) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{store: s, retention: retention}
}

// Append writes a record and trims the item's ledger to the retention
// bound, oldest first (ties by insertion order). A zero timestamp is
// filled with the current time; a zero attempt is numbered after the
// item's latest recorded attempt.
func (l *Ledger) Append(projectPath, itemName string, rec store.HistoryRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Attempt == 0 {
		next, err := l.NextAttempt(projectPath, itemName)
		if err != nil {
			return err
		}
		rec.Attempt = next
	}

	if err := l.store.AppendHistory(projectPath, itemName, rec); err != nil {
		return fmt.Errorf("appending history for %s: %w", itemName, err)
	}
	if err := l.store.TrimHistory(projectPath, itemName, l.retention); err != nil {
		return fmt.Errorf("trimming history for %s: %w", itemName, err)
	}
	return nil
}

// Records returns the item's retained records, newest first.
func (l *Ledger) Records(projectPath, itemName string) ([]store.HistoryRecord, error) {
	return l.store.HistoryRecords(projectPath, itemName)
}

// Trim drops the oldest records beyond max for an item.
func (l *Ledger) Trim(projectPath, itemName string, max int) error {
	return l.store.TrimHistory(projectPath, itemName, max)
}

// NextAttempt returns one past the highest attempt recorded for the item.
func (l *Ledger) NextAttempt(projectPath, itemName string) (int, error) {
	records, err := l.store.HistoryRecords(projectPath, itemName)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, r := range records {
		if r.Attempt > max {
			max = r.Attempt
		}
	}
	return max + 1, nil
}
