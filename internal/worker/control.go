package worker

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/claim"
	"github.com/hochfrequenz/prd-orchestrator/internal/lockfile"
	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
	"github.com/hochfrequenz/prd-orchestrator/internal/projkey"
)

// ErrNotTerminal is returned by Retry when the item is not in the done
// area. Retrying a pending item is a no-op, not an error.
var ErrNotTerminal = errors.New("item is not in the done area")

// Stop terminates the live worker holding the role lock: signal the
// recorded PID, wait for it to die, then clear the lock and reconcile
// claims. A lock that was never held is not an error.
func Stop(locks *lockfile.Manager, claims *claim.Store, projectPath string, role lockfile.Role) error {
	key := projkey.Derive(projectPath)
	lockPath := locks.Path(key, role)

	check, err := locks.Check(lockPath)
	if err != nil {
		return err
	}
	if check.Running && check.PID > 0 {
		proc, err := os.FindProcess(check.PID)
		if err == nil {
			if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("signaling pid %d: %w", check.PID, err)
			}
		}
		waitForDeath(check.PID, 5*time.Second)
	}

	if err := locks.ClearStale(lockPath); err != nil {
		return err
	}
	_, err = claims.Reconcile(key, prd.PendingDir(projectPath))
	return err
}

// ClearLock removes a role's lock without killing anything. Only permitted
// when the owner is already dead; a live owner yields
// lockfile.ErrLockConflict.
func ClearLock(locks *lockfile.Manager, claims *claim.Store, projectPath string, role lockfile.Role) error {
	key := projkey.Derive(projectPath)
	if err := locks.ClearStale(locks.Path(key, role)); err != nil {
		return err
	}
	if role == lockfile.RoleExecutor {
		if _, err := claims.Reconcile(key, prd.PendingDir(projectPath)); err != nil {
			return err
		}
	}
	return nil
}

// Retry moves a finished item back to the pending area so the next worker
// picks it up again. Only succeeds if the item currently resides in the
// done area; an item already pending is a no-op.
func Retry(projectPath, itemName string) error {
	src := prd.DoneDir(projectPath) + string(os.PathSeparator) + itemName
	dst := prd.PendingDir(projectPath) + string(os.PathSeparator) + itemName

	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			if _, perr := os.Stat(dst); perr == nil {
				return nil // already pending
			}
			return fmt.Errorf("%w: %s", ErrNotTerminal, itemName)
		}
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("moving %s back to pending: %w", itemName, err)
	}
	return nil
}

func waitForDeath(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !lockfile.Alive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
