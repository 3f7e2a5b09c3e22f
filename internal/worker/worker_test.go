package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/claim"
	"github.com/hochfrequenz/prd-orchestrator/internal/ledger"
	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
	"github.com/hochfrequenz/prd-orchestrator/internal/notify"
	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
	"github.com/hochfrequenz/prd-orchestrator/internal/projkey"
	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

type env struct {
	locks   *lockfile.Manager
	claims  *claim.Store
	store   *store.Store
	ledger  *ledger.Ledger
	project string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	locks := lockfile.NewManager(t.TempDir())
	claims := claim.NewStore(locks)
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	return &env{
		locks:   locks,
		claims:  claims,
		store:   st,
		ledger:  ledger.New(st, 10),
		project: t.TempDir(),
	}
}

func (e *env) runner(exec Executor) *Runner {
	return NewRunner(e.locks, e.claims, e.store, e.ledger, exec, notify.NoopNotifier{})
}

func (e *env) writePending(t *testing.T, name, content string) {
	t.Helper()
	dir := prd.PendingDir(e.project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRun_SuccessMovesItemAndRecords(t *testing.T) {
	e := newEnv(t)
	e.writePending(t, "01-a.md", "# A\n")

	var sawClaim bool
	exec := ExecutorFunc(func(ctx context.Context, projectPath string, item *prd.Item) (int, error) {
		sawClaim = e.claims.IsClaimed(prd.PendingDir(projectPath), item.Name)
		return 0, nil
	})

	res, err := e.runner(exec).Run(context.Background(), e.project)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.Item != "01-a.md" || res.Outcome != store.OutcomeSuccess {
		t.Errorf("res = %+v", res)
	}
	if !sawClaim {
		t.Error("item was not claimed during execution")
	}
	if res.RunID == "" || res.Attempt != 1 {
		t.Errorf("run identity = %+v", res)
	}

	// Item moved to done, claim cleared, lock released.
	if _, err := os.Stat(filepath.Join(prd.DoneDir(e.project), "01-a.md")); err != nil {
		t.Error("item should be in done area")
	}
	if e.claims.IsClaimed(prd.PendingDir(e.project), "01-a.md") {
		t.Error("claim should be cleared")
	}
	key := projkey.Derive(e.project)
	check, _ := e.locks.Check(e.locks.Path(key, lockfile.RoleExecutor))
	if check.Running {
		t.Error("executor lock should be released")
	}

	records, err := e.ledger.Records(projkey.Canonicalize(e.project), "01-a.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Outcome != store.OutcomeSuccess {
		t.Errorf("records = %+v", records)
	}
}

func TestRun_FailureKeepsItemPending(t *testing.T) {
	e := newEnv(t)
	e.writePending(t, "01-a.md", "# A\n")

	exec := ExecutorFunc(func(ctx context.Context, projectPath string, item *prd.Item) (int, error) {
		return 3, errors.New("boom")
	})

	res, err := e.runner(exec).Run(context.Background(), e.project)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != store.OutcomeFailure || res.ExitCode != 3 {
		t.Errorf("res = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(prd.PendingDir(e.project), "01-a.md")); err != nil {
		t.Error("failed item must stay pending")
	}

	records, _ := e.ledger.Records(projkey.Canonicalize(e.project), "01-a.md")
	if len(records) != 1 || records[0].Outcome != store.OutcomeFailure {
		t.Errorf("records = %+v", records)
	}
}

func TestRun_RateLimitedOutcome(t *testing.T) {
	e := newEnv(t)
	e.writePending(t, "01-a.md", "# A\n")

	exec := ExecutorFunc(func(ctx context.Context, projectPath string, item *prd.Item) (int, error) {
		return 1, ErrRateLimited
	})

	res, err := e.runner(exec).Run(context.Background(), e.project)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != store.OutcomeRateLimited {
		t.Errorf("Outcome = %s, want rate_limited", res.Outcome)
	}
}

func TestRun_TimeoutOutcome(t *testing.T) {
	e := newEnv(t)
	e.writePending(t, "01-a.md", "# A\n")

	exec := ExecutorFunc(func(ctx context.Context, projectPath string, item *prd.Item) (int, error) {
		<-ctx.Done()
		return 1, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := e.runner(exec).Run(ctx, e.project)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != store.OutcomeTimeout {
		t.Errorf("Outcome = %s, want timeout", res.Outcome)
	}
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	e := newEnv(t)
	e.writePending(t, "01-a.md", "# A\n")

	key := projkey.Derive(e.project)
	if res, err := e.locks.Acquire(key, lockfile.RoleExecutor); err != nil || !res.Acquired {
		t.Fatalf("setup acquire: %v %+v", err, res)
	}

	exec := ExecutorFunc(func(ctx context.Context, projectPath string, item *prd.Item) (int, error) {
		t.Error("executor must not run without the lock")
		return 0, nil
	})

	res, err := e.runner(exec).Run(context.Background(), e.project)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Errorf("res = %+v, want skipped", res)
	}
}

func TestRun_SkipsWhenNothingReady(t *testing.T) {
	e := newEnv(t)
	e.writePending(t, "02-x.md", "# X\ndepends on: `01-a`\n")

	res, err := e.runner(ExecutorFunc(func(context.Context, string, *prd.Item) (int, error) {
		t.Error("blocked item must not execute")
		return 0, nil
	})).Run(context.Background(), e.project)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Reason != "no item ready" {
		t.Errorf("res = %+v", res)
	}
}

func TestRun_PrefersHighPriority(t *testing.T) {
	e := newEnv(t)
	e.writePending(t, "01-a.md", "# A\n")
	e.writePending(t, "05-urgent.md", "---\npriority: high\n---\n# Urgent\n")

	var ran string
	exec := ExecutorFunc(func(ctx context.Context, projectPath string, item *prd.Item) (int, error) {
		ran = item.Name
		return 0, nil
	})

	if _, err := e.runner(exec).Run(context.Background(), e.project); err != nil {
		t.Fatal(err)
	}
	if ran != "05-urgent.md" {
		t.Errorf("ran %q, want the high-priority item", ran)
	}
}

func TestStart_DeliversOutcomeOnChannel(t *testing.T) {
	e := newEnv(t)
	e.writePending(t, "01-a.md", "# A\n")

	done := e.runner(ExecutorFunc(func(context.Context, string, *prd.Item) (int, error) {
		return 0, nil
	})).Start(context.Background(), e.project)

	select {
	case out := <-done:
		if out.Err != nil {
			t.Fatal(out.Err)
		}
		if out.Result.Item != "01-a.md" {
			t.Errorf("Result = %+v", out.Result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
	}
}

func TestRetry(t *testing.T) {
	e := newEnv(t)
	doneDir := prd.DoneDir(e.project)
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(doneDir, "01-a.md"), []byte("# A\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Retry(e.project, "01-a.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(prd.PendingDir(e.project), "01-a.md")); err != nil {
		t.Error("item should be pending after retry")
	}

	// Already pending: no-op.
	if err := Retry(e.project, "01-a.md"); err != nil {
		t.Errorf("retry of pending item = %v, want nil", err)
	}

	// Unknown item: error.
	if err := Retry(e.project, "99-ghost.md"); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("retry of unknown item = %v, want ErrNotTerminal", err)
	}
}

func TestClearLock_RefusesLiveOwner(t *testing.T) {
	e := newEnv(t)
	key := projkey.Derive(e.project)
	if res, err := e.locks.Acquire(key, lockfile.RoleExecutor); err != nil || !res.Acquired {
		t.Fatalf("setup acquire: %v %+v", err, res)
	}

	err := ClearLock(e.locks, e.claims, e.project, lockfile.RoleExecutor)
	if !errors.Is(err, lockfile.ErrLockConflict) {
		t.Errorf("ClearLock = %v, want ErrLockConflict", err)
	}
}

func TestClearLock_DeadOwnerReconciles(t *testing.T) {
	e := newEnv(t)
	key := projkey.Derive(e.project)

	lockPath := e.locks.Path(key, lockfile.RoleExecutor)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatal(err)
	}
	deadPID := 1 << 22
	for ; deadPID > 1<<20; deadPID -= 7919 {
		if !lockfile.Alive(deadPID) {
			break
		}
	}
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(deadPID)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.writePending(t, "03-y.md", "# Y\n")
	if err := e.claims.Claim(prd.PendingDir(e.project), "03-y.md"); err != nil {
		t.Fatal(err)
	}

	if err := ClearLock(e.locks, e.claims, e.project, lockfile.RoleExecutor); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("stale lock should be removed")
	}
	if e.claims.IsClaimed(prd.PendingDir(e.project), "03-y.md") {
		t.Error("orphaned claim should be reconciled away")
	}
}
