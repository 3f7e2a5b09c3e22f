package status

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/claim"
	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
	"github.com/hochfrequenz/prd-orchestrator/internal/projkey"
	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

type fixture struct {
	builder *Builder
	locks   *lockfile.Manager
	claims  *claim.Store
	store   *store.Store
	project string
	key     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	locks := lockfile.NewManager(t.TempDir())
	claims := claim.NewStore(locks)
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	project := t.TempDir()
	return &fixture{
		builder: NewBuilder(locks, claims, st),
		locks:   locks,
		claims:  claims,
		store:   st,
		project: project,
		key:     projkey.Derive(project),
	}
}

func (f *fixture) writePending(t *testing.T, name, content string) {
	t.Helper()
	dir := prd.PendingDir(f.project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) writeDone(t *testing.T, name, content string) {
	t.Helper()
	dir := prd.DoneDir(f.project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) itemState(t *testing.T, snap *Snapshot, name string) ItemStatus {
	t.Helper()
	for _, it := range snap.Items {
		if it.Name == name {
			return it
		}
	}
	t.Fatalf("item %s not in snapshot: %+v", name, snap.Items)
	return ItemStatus{}
}

func TestSnapshot_ReadyAndDone(t *testing.T) {
	f := newFixture(t)
	f.writePending(t, "01-a.md", "# A\n")
	f.writeDone(t, "00-init.md", "# Init\n")

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.itemState(t, snap, "01-a.md").State; got != StateReady {
		t.Errorf("01-a.md = %s, want ready", got)
	}
	if got := f.itemState(t, snap, "00-init.md").State; got != StateDone {
		t.Errorf("00-init.md = %s, want done", got)
	}
}

func TestSnapshot_BlockedByPendingDependency(t *testing.T) {
	f := newFixture(t)
	f.writePending(t, "01-a.md", "# A\n")
	f.writePending(t, "02-x.md", "# X\n\ndepends on: `01-a`\n")

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	got := f.itemState(t, snap, "02-x.md")
	if got.State != StateBlocked {
		t.Errorf("02-x.md = %s, want blocked", got.State)
	}
	if len(got.UnmetDependencies) != 1 || got.UnmetDependencies[0] != "01-a" {
		t.Errorf("UnmetDependencies = %v, want [01-a]", got.UnmetDependencies)
	}
}

func TestSnapshot_DependencyDoneUnblocks(t *testing.T) {
	f := newFixture(t)
	f.writeDone(t, "01-a.md", "# A\n")
	f.writePending(t, "02-x.md", "# X\n\ndepends on: `01-a`\n")

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.itemState(t, snap, "02-x.md").State; got != StateReady {
		t.Errorf("02-x.md = %s, want ready", got)
	}
}

func TestSnapshot_InProgressUnderLiveLock(t *testing.T) {
	f := newFixture(t)
	f.writePending(t, "03-y.md", "# Y\n")

	res, err := f.locks.Acquire(f.key, lockfile.RoleExecutor)
	if err != nil || !res.Acquired {
		t.Fatalf("acquire: %v %+v", err, res)
	}
	if err := f.claims.Claim(prd.PendingDir(f.project), "03-y.md"); err != nil {
		t.Fatal(err)
	}

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	got := f.itemState(t, snap, "03-y.md")
	if got.State != StateInProgress || !got.Claimed {
		t.Errorf("03-y.md = %+v, want claimed in-progress", got)
	}

	var exec RoleState
	for _, r := range snap.Roles {
		if r.Role == lockfile.RoleExecutor {
			exec = r
		}
	}
	if !exec.Running || exec.PID != os.Getpid() {
		t.Errorf("executor role = %+v", exec)
	}
}

// Dependency check dominates claim state: a claimed item with an unmet
// dependency is blocked, not in-progress.
func TestSnapshot_BlockedDominatesClaim(t *testing.T) {
	f := newFixture(t)
	f.writePending(t, "01-a.md", "# A\n")
	f.writePending(t, "02-x.md", "# X\n\ndepends on: `01-a`\n")

	res, err := f.locks.Acquire(f.key, lockfile.RoleExecutor)
	if err != nil || !res.Acquired {
		t.Fatalf("acquire: %v %+v", err, res)
	}
	if err := f.claims.Claim(prd.PendingDir(f.project), "02-x.md"); err != nil {
		t.Fatal(err)
	}

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.itemState(t, snap, "02-x.md").State; got != StateBlocked {
		t.Errorf("02-x.md = %s, want blocked even with a live claim", got)
	}
}

// Dead executor: the claim is reconciled away and the item comes back as
// ready, not in-progress and not lost.
func TestSnapshot_DeadExecutorReconcilesToReady(t *testing.T) {
	f := newFixture(t)
	f.writePending(t, "03-y.md", "# Y\n")

	lockPath := f.locks.Path(f.key, lockfile.RoleExecutor)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatal(err)
	}
	deadPID := 1 << 22
	for ; deadPID > 1<<20; deadPID -= 7919 {
		if !lockfile.Alive(deadPID) {
			break
		}
	}
	if err := os.WriteFile(lockPath, []byte(fmt.Sprintf("%d\n", deadPID)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.claims.Claim(prd.PendingDir(f.project), "03-y.md"); err != nil {
		t.Fatal(err)
	}

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.ClaimsRemoved) != 1 || snap.ClaimsRemoved[0] != "03-y.md" {
		t.Errorf("ClaimsRemoved = %v, want [03-y.md]", snap.ClaimsRemoved)
	}
	if got := f.itemState(t, snap, "03-y.md").State; got != StateReady {
		t.Errorf("03-y.md = %s, want ready after reconcile", got)
	}
}

func TestSnapshot_PendingReviewFromPersistedRow(t *testing.T) {
	f := newFixture(t)
	f.writePending(t, "04-z.md", "# Z\n")

	err := f.store.UpsertStatus(store.StatusRow{
		ProjectPath: projkey.Canonicalize(f.project),
		ItemName:    "04-z.md",
		Status:      "pending-review",
		Branch:      "prd/04-z",
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	got := f.itemState(t, snap, "04-z.md")
	if got.State != StatePendingReview {
		t.Errorf("04-z.md = %s, want pending-review", got.State)
	}
	if got.Branch != "prd/04-z" {
		t.Errorf("Branch = %q", got.Branch)
	}
}

func TestSnapshot_DisplayOrdering(t *testing.T) {
	f := newFixture(t)
	f.writeDone(t, "00-init.md", "# Init\n")
	f.writePending(t, "01-a.md", "# A\n")
	f.writePending(t, "02-x.md", "# X\ndepends on: `01-a`\n")

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	var states []ItemState
	for _, it := range snap.Items {
		states = append(states, it.State)
	}
	want := []ItemState{StateReady, StateBlocked, StateDone}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("ordering = %v, want %v", states, want)
		}
	}
}

func TestSnapshot_EmptyProject(t *testing.T) {
	f := newFixture(t)

	snap, err := f.builder.Snapshot(f.project)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Items) != 0 {
		t.Errorf("items = %v", snap.Items)
	}
	if len(snap.Roles) != 3 {
		t.Errorf("roles = %v, want all three roles reported", snap.Roles)
	}
}
