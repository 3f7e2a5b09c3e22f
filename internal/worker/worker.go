// Package worker is the run loop a scheduled worker process executes:
// acquire the role lock, pick one eligible work item, claim it, hand it to
// the external executor, record the outcome, release. One item per
// invocation; the cron cadence provides the looping.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/prd-orchestrator/internal/claim"
	"github.com/hochfrequenz/prd-orchestrator/internal/ledger"
	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
	"github.com/hochfrequenz/prd-orchestrator/internal/notify"
	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
	"github.com/hochfrequenz/prd-orchestrator/internal/projkey"
	"github.com/hochfrequenz/prd-orchestrator/internal/status"
	"github.com/hochfrequenz/prd-orchestrator/internal/store"
)

var runNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ErrRateLimited lets an Executor signal that the provider throttled the
// run; the outcome is recorded as rate_limited instead of failure.
var ErrRateLimited = errors.New("provider rate limited")

// Executor performs the external work for one item. Implementations wrap
// the AI provider invocation, which is outside this core.
type Executor interface {
	Execute(ctx context.Context, projectPath string, item *prd.Item) (exitCode int, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, projectPath string, item *prd.Item) (int, error)

func (f ExecutorFunc) Execute(ctx context.Context, projectPath string, item *prd.Item) (int, error) {
	return f(ctx, projectPath, item)
}

// Result reports one run. Skipped runs carry the reason; completed runs
// carry the recorded outcome.
type Result struct {
	RunID        string
	Item         string
	Outcome      store.Outcome
	ExitCode     int
	Attempt      int
	Skipped      bool
	Reason       string
	StaleCleaned int
}

// Outcome pairs a Result with its terminal error for done-channel
// observation.
type Outcome struct {
	Result *Result
	Err    error
}

// Runner wires the coordination components for one role.
type Runner struct {
	locks    *lockfile.Manager
	claims   *claim.Store
	ledger   *ledger.Ledger
	store    *store.Store
	builder  *status.Builder
	executor Executor
	notifier notify.Notifier
}

// NewRunner returns a Runner using the shared store handle and the given
// executor. Pass notify.NoopNotifier{} to disable notifications.
func NewRunner(locks *lockfile.Manager, claims *claim.Store, st *store.Store, led *ledger.Ledger, exec Executor, notifier notify.Notifier) *Runner {
	return &Runner{
		locks:    locks,
		claims:   claims,
		ledger:   led,
		store:    st,
		builder:  status.NewBuilder(locks, claims, st),
		executor: exec,
		notifier: notifier,
	}
}

// Start runs asynchronously and delivers the outcome on the returned
// channel. The caller owns timeout and cancellation through ctx.
func (r *Runner) Start(ctx context.Context, projectPath string) <-chan Outcome {
	done := make(chan Outcome, 1)
	go func() {
		res, err := r.Run(ctx, projectPath)
		done <- Outcome{Result: res, Err: err}
	}()
	return done
}

// Run executes one work item for the project, or reports why nothing ran.
// Lock and claim conflicts are not errors: they mean another worker is
// active and this invocation should simply yield.
func (r *Runner) Run(ctx context.Context, projectPath string) (*Result, error) {
	key := projkey.Derive(projectPath)
	canonical := projkey.Canonicalize(projectPath)

	acq, err := r.locks.Acquire(key, lockfile.RoleExecutor)
	if err != nil {
		return nil, fmt.Errorf("acquiring executor lock: %w", err)
	}
	if !acq.Acquired {
		return &Result{
			Skipped: true,
			Reason:  fmt.Sprintf("executor already running (pid %d)", acq.OwnerPID),
		}, nil
	}
	defer r.locks.Release(acq.Path)

	res := &Result{StaleCleaned: acq.StaleCleaned}

	item, err := r.selectItem(projectPath)
	if err != nil {
		return nil, err
	}
	if item == nil {
		res.Skipped = true
		res.Reason = "no item ready"
		return res, nil
	}

	pendingDir := prd.PendingDir(projectPath)
	if err := r.claims.Claim(pendingDir, item.Name); err != nil {
		if errors.Is(err, claim.ErrClaimConflict) {
			res.Skipped = true
			res.Reason = fmt.Sprintf("%s already claimed", item.Name)
			return res, nil
		}
		return nil, err
	}
	defer r.claims.Clear(pendingDir, item.Name)

	attempt, err := r.ledger.NextAttempt(canonical, item.Name)
	if err != nil {
		return nil, err
	}
	res.Item = item.Name
	res.Attempt = attempt
	res.RunID = uuid.NewSHA1(runNamespace, []byte(fmt.Sprintf("%s/%s/%d", key, item.Name, attempt))).String()

	exitCode, execErr := r.executor.Execute(ctx, projectPath, item)
	res.ExitCode = exitCode
	res.Outcome = classifyOutcome(ctx, execErr)

	if res.Outcome == store.OutcomeSuccess {
		if err := r.finishItem(projectPath, canonical, item); err != nil {
			return nil, err
		}
	}

	rec := store.HistoryRecord{
		Timestamp: time.Now().UTC(),
		Outcome:   res.Outcome,
		ExitCode:  exitCode,
		Attempt:   attempt,
		RunID:     res.RunID,
	}
	if err := r.ledger.Append(canonical, item.Name, rec); err != nil {
		return nil, fmt.Errorf("recording outcome: %w", err)
	}

	r.notifyOutcome(projectPath, item.Name, res.Outcome)
	return res, nil
}

// selectItem picks the first ready item from a fresh snapshot. The
// snapshot runs reconciliation first, so a leftover claim from a dead
// predecessor does not shadow the item forever.
func (r *Runner) selectItem(projectPath string) (*prd.Item, error) {
	snap, err := r.builder.Snapshot(projectPath)
	if err != nil {
		return nil, fmt.Errorf("deriving project status: %w", err)
	}

	ready := make(map[string]bool)
	for _, st := range snap.Items {
		if st.State == status.StateReady {
			ready[st.Name] = true
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}

	items, err := prd.List(projectPath)
	if err != nil {
		return nil, err
	}
	// High-priority ready items jump the name ordering.
	var pick *prd.Item
	for _, it := range items {
		if !ready[it.Name] {
			continue
		}
		if it.Priority == "high" {
			return it, nil
		}
		if pick == nil {
			pick = it
		}
	}
	return pick, nil
}

// finishItem moves the item to the terminal area (rename-atomic) and drops
// any stale persisted status row for it.
func (r *Runner) finishItem(projectPath, canonical string, item *prd.Item) error {
	doneDir := prd.DoneDir(projectPath)
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return fmt.Errorf("creating done area: %w", err)
	}
	dst := doneDir + string(os.PathSeparator) + item.Name
	if err := os.Rename(item.Path, dst); err != nil {
		return fmt.Errorf("moving %s to done: %w", item.Name, err)
	}
	if err := r.store.DeleteStatus(canonical, item.Name); err != nil {
		return fmt.Errorf("clearing persisted status: %w", err)
	}
	return nil
}

func (r *Runner) notifyOutcome(projectPath, itemName string, outcome store.Outcome) {
	n := notify.Notification{
		Project: projectPath,
		Item:    itemName,
	}
	switch outcome {
	case store.OutcomeSuccess:
		n.Title = "Work item completed"
		n.Type = notify.NotifySuccess
	case store.OutcomeTimeout:
		n.Title = "Work item timed out"
		n.Type = notify.NotifyWarning
	case store.OutcomeRateLimited:
		n.Title = "Run rate limited"
		n.Type = notify.NotifyWarning
	default:
		n.Title = "Work item failed"
		n.Type = notify.NotifyError
	}
	n.Message = itemName
	if err := r.notifier.Send(n); err != nil {
		// Notification delivery is best effort.
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
	}
}

func classifyOutcome(ctx context.Context, execErr error) store.Outcome {
	switch {
	case execErr == nil:
		return store.OutcomeSuccess
	case errors.Is(execErr, ErrRateLimited):
		return store.OutcomeRateLimited
	case errors.Is(execErr, context.DeadlineExceeded) || ctx.Err() != nil:
		return store.OutcomeTimeout
	default:
		return store.OutcomeFailure
	}
}
