package metafile

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// LockTimeout bounds how long AcquireLock retries before giving up,
// matching the teacher pack's own file-lock helper.
const LockTimeout = 5 * time.Second

var (
	errLockTimeout  = errors.New("metafile: lock timeout")
	errLockFileOpen = errors.New("metafile: failed to open lock file")
)

// Lock is an advisory, single-writer exclusive lock over a database
// directory's LOCK file, spec.md §4.4's enforcement of "only one writer
// per database process-wide".
type Lock struct {
	path string
	file *os.File
}

// AcquireLock opens (creating if absent) the LOCK file at path and blocks,
// retrying, until it can take an exclusive advisory flock or timeout
// elapses.
func AcquireLock(path string) (*Lock, error) {
	return acquireLockWithTimeout(path, LockTimeout)
}

func acquireLockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLockFileOpen, err)
	}

	deadline := time.Now().Add(timeout)
	const retryInterval = 10 * time.Millisecond
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{path: path, file: file}, nil
		}
		if time.Now().After(deadline) {
			file.Close()
			return nil, fmt.Errorf("%w: %s", errLockTimeout, path)
		}
		time.Sleep(retryInterval)
	}
}

// Release drops the advisory lock and closes the underlying file.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
}

// AcquireReadLock takes a shared advisory lock, used when a reader process
// opens a bucket/db metadata file purely to observe it (spec.md §4.4's
// metadata-file read locks).
func AcquireReadLock(path string) (*Lock, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLockFileOpen, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH); err != nil {
		file.Close()
		return nil, err
	}
	return &Lock{path: path, file: file}, nil
}
