// Package lockfile implements PID-file mutual exclusion per (project, role).
// A lock is a create-exclusive file containing the owner's PID; whoever wins
// the create owns the role for that project until clean exit or confirmed
// death. Cross-process visibility is the point: these are real files, not
// in-process mutexes.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Role identifies which worker kind a lock protects.
type Role string

const (
	RoleExecutor Role = "executor"
	RoleReviewer Role = "reviewer"
	RoleAuditor  Role = "auditor"
)

// Roles lists all coordinated roles in display order.
var Roles = []Role{RoleExecutor, RoleReviewer, RoleAuditor}

// ErrLockConflict is returned when an operation requires the lock's owner to
// be dead but it is alive. Never retried automatically.
var ErrLockConflict = errors.New("lock held by live process")

// ErrNotOwner is returned by Release when the lock file records a PID other
// than the caller's. The slot may have been reclaimed after going stale.
var ErrNotOwner = errors.New("lock not owned by this process")

// AcquireResult reports the outcome of an acquisition attempt.
type AcquireResult struct {
	Acquired bool
	Path     string
	// OwnerPID is the live holder's PID when Acquired is false.
	OwnerPID int
	// StaleCleaned is the dead PID whose lock file was removed on the way
	// to acquisition, or 0. Informational, but operators should see churn.
	StaleCleaned int
}

// CheckResult reports lock liveness.
type CheckResult struct {
	Running bool
	PID     int
}

// Manager creates and inspects lock files under a single directory.
type Manager struct {
	dir string
}

// NewManager returns a Manager writing locks under dir. The directory is
// created on first acquire.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Path returns the lock file path for a (project key, role) pair. Acquire,
// Check and Release all address locks through this function; so must any
// external launcher.
func (m *Manager) Path(projectKey string, role Role) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%s.lock", projectKey, role))
}

// Acquire attempts to take the (projectKey, role) lock for the calling
// process. On conflict with a dead owner it removes the stale file and
// retries exactly once; on conflict with a live owner it returns
// Acquired=false with the holder's PID. It never blocks.
func (m *Manager) Acquire(projectKey string, role Role) (AcquireResult, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return AcquireResult{}, fmt.Errorf("creating lock directory: %w", err)
	}

	path := m.Path(projectKey, role)
	res := AcquireResult{Path: path}

	for attempt := 0; attempt < 2; attempt++ {
		err := writeLock(path, os.Getpid())
		if err == nil {
			res.Acquired = true
			return res, nil
		}
		if !os.IsExist(err) {
			return res, fmt.Errorf("writing lock %s: %w", path, err)
		}

		pid, readErr := ReadPID(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				// Holder released between our create and read; retry.
				continue
			}
			// Unreadable lock content: fail closed, treat as held.
			res.OwnerPID = 0
			return res, nil
		}
		if Alive(pid) {
			res.OwnerPID = pid
			return res, nil
		}

		// Dead owner. Clean the stale file and loop for one more create.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return res, fmt.Errorf("removing stale lock %s: %w", path, err)
		}
		res.StaleCleaned = pid
	}

	// Lost the post-cleanup race to another process.
	if pid, err := ReadPID(path); err == nil {
		res.OwnerPID = pid
	}
	return res, nil
}

// Check reports whether the lock at path is held by a live process. A
// missing file means not running; a file with an unparseable PID is
// reported as running with PID 0 (ambiguity fails closed).
func (m *Manager) Check(path string) (CheckResult, error) {
	pid, err := ReadPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{}, nil
		}
		return CheckResult{Running: true}, nil
	}
	return CheckResult{Running: Alive(pid), PID: pid}, nil
}

// Release removes the lock at path after verifying it still records the
// calling process's PID. Releasing a lock owned by someone else returns
// ErrNotOwner and leaves the file alone.
func (m *Manager) Release(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock %s: %w", path, err)
	}
	if pid != os.Getpid() {
		return fmt.Errorf("%w: lock %s records pid %d", ErrNotOwner, path, pid)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock %s: %w", path, err)
	}
	return nil
}

// ClearStale removes the lock at path only if its recorded owner is
// confirmed dead. A live owner yields ErrLockConflict; the caller must not
// force the issue.
func (m *Manager) ClearStale(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock %s: %w", path, err)
	}
	if Alive(pid) {
		return fmt.Errorf("%w: pid %d", ErrLockConflict, pid)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock %s: %w", path, err)
	}
	return nil
}

// ReadPID reads the decimal PID recorded in a lock file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock content %q: %w", string(data), err)
	}
	return pid, nil
}

// Alive probes a PID with signal 0. EPERM counts as alive: the process
// exists even if we may not signal it.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func writeLock(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", pid)
	cerr := f.Close()
	if werr != nil {
		os.Remove(path)
		return werr
	}
	if cerr != nil {
		os.Remove(path)
		return cerr
	}
	return nil
}
