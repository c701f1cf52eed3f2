// Package lockfile guards the HavenChat state directory so that only one
// process opens its SQLite database and WhatsApp device store at a time.
//
// The lock is an flock on a file inside the directory. The kernel drops it
// when the process exits, so a crash never leaves the directory locked; only
// the informational file contents can go stale.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created in the state directory.
const FileName = "havenchat.lock"

// ErrLocked reports that another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another process")

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID     int
	Started time.Time
	Running bool
}

func (o Owner) String() string {
	if o.PID == 0 {
		return "unknown owner"
	}
	status := "not running, stale"
	if o.Running {
		status = "running"
	}
	if o.Started.IsZero() {
		return fmt.Sprintf("pid %d (%s)", o.PID, status)
	}
	return fmt.Sprintf("pid %d since %s (%s)", o.PID, o.Started.Format(time.RFC3339), status)
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock for stateDir, creating the directory if needed.
// When another process holds it, the returned error wraps ErrLocked and is a
// *HeldError describing the owner.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, FileName)

	// Opened without O_TRUNC so a held lock keeps its owner record readable.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := ReadOwner(path)
		slog.Error("lockfile.Acquire: state directory already locked", "path", path, "owner", owner.String())
		return nil, &HeldError{Path: path, Owner: owner, cause: err}
	}

	record := formatOwner(os.Getpid(), time.Now())
	if err := writeRecord(file, record); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove: %w", err))
	}
	l.file = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("lockfile.Release: incomplete release", "path", l.path, "error", err)
		return err
	}
	slog.Info("lockfile.Release: state directory unlocked", "path", l.path)
	return nil
}

// HeldError is returned by Acquire when the lock is taken.
type HeldError struct {
	Path  string
	Owner Owner
	cause error
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("another HavenChat instance holds %s (%s); stop it or, if the owner is stale, remove the file",
		e.Path, e.Owner)
}

// Is matches ErrLocked.
func (e *HeldError) Is(target error) bool { return target == ErrLocked }

func (e *HeldError) Unwrap() error { return e.cause }

// ReadOwner parses the owner record of a lock file. Missing or malformed
// files yield a zero Owner.
func ReadOwner(path string) Owner {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}
	}
	owner := parseOwner(string(data))
	if owner.PID > 0 {
		owner.Running = processAlive(owner.PID)
	}
	return owner
}

func formatOwner(pid int, started time.Time) string {
	return fmt.Sprintf("pid=%d\nstarted=%s\n", pid, started.UTC().Format(time.RFC3339))
}

func parseOwner(content string) Owner {
	var owner Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				owner.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				owner.Started = t
			}
		}
	}
	return owner
}

func writeRecord(file *os.File, record string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	return file.Sync()
}

// processAlive sends signal 0, which checks existence without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
