package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLocked is returned when another run holds the ledger lock for longer
// than the caller is willing to wait.
var ErrLocked = errors.New("ledger is locked by another run")

// StaleLockAge is the age after which a lock is presumed abandoned,
// whatever its pid.
var StaleLockAge = 3 * time.Hour

// Lock is an exclusive advisory lock next to the ledger file.
type Lock struct {
	path string
}

// AcquireLock creates path+".lock" exclusively, retrying with exponential
// backoff until maxWait has elapsed. A lock left by a process that is no
// longer running, or older than StaleLockAge, is removed and taken over.
func AcquireLock(ledgerPath string, maxWait time.Duration) (*Lock, error) {
	lockPath := ledgerPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	operation := func() error { return tryLock(lockPath) }

	if maxWait <= 0 {
		if err := operation(); err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return nil, perm.Err
			}
			return nil, err
		}
		return &Lock{path: lockPath}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = maxWait
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return &Lock{path: lockPath}, nil
}

func tryLock(lockPath string) error {
	err := createLock(lockPath)
	if !errors.Is(err, ErrLocked) {
		return err
	}
	reason := staleReason(lockPath, time.Now())
	if reason == "" {
		return ErrLocked
	}
	slog.Warn("ledger: removing stale lock", "path", lockPath, "reason", reason)
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return backoff.Permanent(fmt.Errorf("remove stale lock: %w", err))
	}
	return createLock(lockPath)
}

// createLock writes our pid into a new lock file. A lock file that could not
// be written is removed again so it cannot block later runs.
func createLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return ErrLocked
	}
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create lock: %w", err))
	}
	_, err = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(lockPath)
		return backoff.Permanent(fmt.Errorf("write lock: %w", err))
	}
	return nil
}

// staleReason explains why the lock at lockPath can be taken over, or
// returns "" if its holder may still be running. An empty or unreadable pid
// is only stale by age, since the holder may not have written it yet.
func staleReason(lockPath string, now time.Time) string {
	info, err := os.Stat(lockPath)
	if err != nil {
		return ""
	}
	if age := now.Sub(info.ModTime()); age > StaleLockAge {
		return fmt.Sprintf("held for %s", age.Round(time.Minute))
	}
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return ""
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return ""
	}
	if !processAlive(pid) {
		return fmt.Sprintf("pid %d is not running", pid)
	}
	return ""
}

func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}
