package database

import (
	stderrors "errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/snoopyh42/CanaryProtocol/internal/errors"
)

// The storage engine assumes at most one writer. FileLock makes that
// assumption explicit: migration application, archival delete phases, and
// restores all run under it so they cannot interleave with each other or with
// collection writers in another process.

// staleLockAge is the age after which an abandoned lock file is reclaimed
const staleLockAge = 15 * time.Minute

// processLocks serializes lock acquisition within this process, keyed by path
var (
	processMu    sync.Mutex
	processLocks = make(map[string]bool)
)

// FileLock is an advisory lock backed by an exclusive lock file
type FileLock struct {
	path     string
	acquired bool
}

// NewFileLock creates a lock handle for the given lock file path. The lock is
// not held until Acquire succeeds.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire takes the advisory lock, retrying until timeout. A lock file older
// than staleLockAge is treated as abandoned and removed.
func (l *FileLock) Acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if err := l.tryAcquire(); err == nil {
			return nil
		} else if !errors.IsType(err, errors.ErrorTypeLock) {
			return err
		}

		l.reclaimStale()

		if time.Now().After(deadline) {
			return errors.NewLockError(
				fmt.Sprintf("timed out waiting for lock %s", l.path), nil)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (l *FileLock) tryAcquire() error {
	processMu.Lock()
	if processLocks[l.path] {
		processMu.Unlock()
		return errors.NewLockError(fmt.Sprintf("lock %s held by this process", l.path), nil)
	}
	processMu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.NewLockError(fmt.Sprintf("lock %s held by another process", l.path), err)
		}
		return errors.NewStorageError(fmt.Sprintf("failed to create lock file %s", l.path), err)
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	processMu.Lock()
	processLocks[l.path] = true
	processMu.Unlock()

	l.acquired = true
	return nil
}

// reclaimStale removes a lock file that is both old and no longer owned by a
// running process. Age alone is not enough: a long archival sweep can hold the
// lock past staleLockAge, and removing it under a live owner would let two
// writers in.
func (l *FileLock) reclaimStale() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) <= staleLockAge {
		return
	}
	if pid, ok := l.ownerPID(); ok && processAlive(pid) {
		return
	}
	os.Remove(l.path)
}

// ownerPID reads the pid recorded in the lock file by tryAcquire
func (l *FileLock) ownerPID() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still means
// the process is there, just owned by someone else.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || stderrors.Is(err, syscall.EPERM)
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *FileLock) Release() error {
	if !l.acquired {
		return nil
	}

	processMu.Lock()
	delete(processLocks, l.path)
	processMu.Unlock()

	l.acquired = false

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError(fmt.Sprintf("failed to remove lock file %s", l.path), err)
	}
	return nil
}

// Held reports whether this handle currently holds the lock
func (l *FileLock) Held() bool {
	return l.acquired
}
