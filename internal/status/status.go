// Package status derives the authoritative per-item state by combining
// lock liveness, claim markers, persisted status rows, and the filesystem
// layout. It holds no lock itself; the snapshot must be consistent with
// whatever lock and claim state exists the instant it is taken.
package status

import (
	"fmt"
	"sort"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/claim"
	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
	"github.com/hochfrequenz/prd-orchestrator/internal/projkey"
	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

// ItemState is the derived lifecycle state of a work item.
type ItemState string

const (
	StateReady         ItemState = "ready"
	StateBlocked       ItemState = "blocked"
	StateInProgress    ItemState = "in-progress"
	StatePendingReview ItemState = "pending-review"
	StateDone          ItemState = "done"
)

// displayRank orders items for output: actionable first, finished last.
var displayRank = map[ItemState]int{
	StateReady:         0,
	StateBlocked:       1,
	StateInProgress:    2,
	StatePendingReview: 3,
	StateDone:          4,
}

// ItemStatus pairs a work item with its derived state.
type ItemStatus struct {
	Name              string    `json:"name"`
	Title             string    `json:"title,omitempty"`
	State             ItemState `json:"state"`
	UnmetDependencies []string  `json:"unmetDependencies,omitempty"`
	Claimed           bool      `json:"claimed"`
	Branch            string    `json:"branch,omitempty"`
}

// RoleState reports one role's lock for the project.
type RoleState struct {
	Role    lockfile.Role `json:"role"`
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
}

// Snapshot is a point-in-time view of a project's coordination state.
type Snapshot struct {
	ProjectPath    string       `json:"projectPath"`
	ProjectKey     string       `json:"projectKey"`
	GeneratedAt    time.Time    `json:"generatedAt"`
	Roles          []RoleState  `json:"roles"`
	Items          []ItemStatus `json:"items"`
	ClaimsRemoved  []string     `json:"claimsRemoved,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
}

// Builder assembles snapshots from the coordination sources.
type Builder struct {
	locks  *lockfile.Manager
	claims *claim.Store
	store  *store.Store
}

// NewBuilder returns a Builder over the given sources. The store handle is
// shared, opened once per process by the caller.
func NewBuilder(locks *lockfile.Manager, claims *claim.Store, st *store.Store) *Builder {
	return &Builder{locks: locks, claims: claims, store: st}
}

// Snapshot derives the current status of every work item in the project.
// Orphaned claims are reconciled first; everything after that is a pure
// read. Sub-source failures (persisted status lookups) degrade to warnings
// so status output always renders something.
func (b *Builder) Snapshot(projectPath string) (*Snapshot, error) {
	key := projkey.Derive(projectPath)
	snap := &Snapshot{
		ProjectPath: projkey.Canonicalize(projectPath),
		ProjectKey:  key,
		GeneratedAt: time.Now().UTC(),
	}

	pendingDir := prd.PendingDir(projectPath)
	removed, err := b.claims.Reconcile(key, pendingDir)
	if err != nil {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("claim reconciliation incomplete: %v", err))
	}
	snap.ClaimsRemoved = removed

	for _, role := range lockfile.Roles {
		check, err := b.locks.Check(b.locks.Path(key, role))
		if err != nil {
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("lock check for %s: %v", role, err))
			continue
		}
		snap.Roles = append(snap.Roles, RoleState{Role: role, Running: check.Running, PID: check.PID})
	}
	executorLive := false
	for _, r := range snap.Roles {
		if r.Role == lockfile.RoleExecutor && r.Running {
			executorLive = true
		}
	}

	items, err := prd.List(projectPath)
	if err != nil {
		return nil, fmt.Errorf("listing work items: %w", err)
	}

	claimed := make(map[string]bool)
	claimedItems, err := b.claims.ListClaims(pendingDir)
	if err != nil {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("claim listing failed: %v", err))
	}
	for _, name := range claimedItems {
		claimed[name] = true
	}

	persisted, err := b.store.Statuses(snap.ProjectPath)
	if err != nil {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("persisted status unavailable: %v", err))
		persisted = map[string]store.StatusRow{}
	}

	doneStems := prd.DoneStems(items)
	for _, it := range items {
		st := ItemStatus{
			Name:    it.Name,
			Title:   it.Title,
			Claimed: claimed[it.Name],
		}
		if row, ok := persisted[it.Name]; ok {
			st.Branch = row.Branch
		}
		st.State, st.UnmetDependencies = deriveState(it, claimed[it.Name], executorLive, persisted, doneStems)
		snap.Items = append(snap.Items, st)
	}

	sort.SliceStable(snap.Items, func(i, j int) bool {
		ri, rj := displayRank[snap.Items[i].State], displayRank[snap.Items[j].State]
		if ri != rj {
			return ri < rj
		}
		return snap.Items[i].Name < snap.Items[j].Name
	})

	return snap, nil
}

// deriveState applies the precedence rules. Physical completion wins, then
// the reviewer hand-off row, then unmet dependencies (which dominate claim
// state), then a live claim under a live executor lock.
func deriveState(it *prd.Item, claimed, executorLive bool, persisted map[string]store.StatusRow, doneStems map[string]bool) (ItemState, []string) {
	if it.Done {
		return StateDone, nil
	}
	if row, ok := persisted[it.Name]; ok && row.Status == string(StatePendingReview) {
		return StatePendingReview, nil
	}
	if unmet := prd.Unmet(it, doneStems); len(unmet) > 0 {
		return StateBlocked, unmet
	}
	if claimed && executorLive {
		return StateInProgress, nil
	}
	return StateReady, nil
}
