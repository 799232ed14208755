package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/cayde/llm/features/story-planning/components/mcp/servers/planning-state/internal/fsutil"
)

// LockFileName is the singleton document naming the active session.
const LockFileName = "session.lock"

type Lock struct {
	Active    string `json:"active"`
	UpdatedAt string `json:"updated_at"`
	PID       int    `json:"pid"`
	User      string `json:"user"`
	Hostname  string `json:"hostname"`
}

// InspectLock reads the lock document. ErrNoActiveSession means there is no
// lock or it names no session.
func (workspace *Workspace) InspectLock() (Lock, error) {
	data, err := os.ReadFile(workspace.lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Lock{}, ErrNoActiveSession
		}
		return Lock{}, fmt.Errorf("failed to read session lock: %w", err)
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return Lock{}, corruptedf("%s: %v", workspace.lockPath, err)
	}
	if lock.Active == "" {
		return Lock{}, ErrNoActiveSession
	}
	return lock, nil
}

// AcquireLock points the lock at name with this process as owner. A lock
// held for another session by a live process on this host is refused unless
// force is set; stale locks are taken over.
func (workspace *Workspace) AcquireLock(name string, force bool) (Lock, error) {
	if err := validateName(name); err != nil {
		return Lock{}, err
	}

	existing, err := workspace.InspectLock()
	switch {
	case err == nil:
		if !force && existing.Active != name && existing.PID != workspace.ownerPID && workspace.ownerAlive(existing) {
			workspace.logger.Error("failed to acquire session lock",
				"session", name,
				"held_by", existing.Active,
				"pid", existing.PID,
				"hostname", existing.Hostname,
			)
			return Lock{}, fmt.Errorf("%w: %s held by PID %d on %s", ErrSessionLocked, existing.Active, existing.PID, existing.Hostname)
		}
	case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrCorrupted):
	default:
		return Lock{}, err
	}

	lock := Lock{
		Active:    name,
		UpdatedAt: workspace.timestamp(),
		PID:       workspace.ownerPID,
		User:      workspace.user,
		Hostname:  workspace.hostname,
	}
	if err := fsutil.WriteJSONAtomic(workspace.lockPath, lock); err != nil {
		return Lock{}, fmt.Errorf("failed to write session lock: %w", err)
	}
	workspace.logger.Debug("session lock acquired", "session", name, "pid", lock.PID)
	return lock, nil
}

// ReleaseLock removes the lock if it names name and reports whether it did.
func (workspace *Workspace) ReleaseLock(name string) (bool, error) {
	lock, err := workspace.InspectLock()
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			return false, nil
		}
		return false, err
	}
	if lock.Active != name {
		return false, nil
	}
	if err := os.Remove(workspace.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to remove session lock: %w", err)
	}
	workspace.logger.Debug("session lock released", "session", name)
	return true, nil
}

// ownerAlive reports whether the lock owner still runs. Owners on another
// host cannot be checked and count as alive.
func (workspace *Workspace) ownerAlive(lock Lock) bool {
	if lock.PID <= 0 {
		return false
	}
	if lock.Hostname != "" && lock.Hostname != workspace.hostname {
		return true
	}
	return isProcessAlive(lock.PID)
}

func isProcessAlive(pid int) bool {
	// On Unix, sending signal 0 checks if process exists without affecting it
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
