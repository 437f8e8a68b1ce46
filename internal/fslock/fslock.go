// Package fslock guards a store file against concurrent opens within and
// across processes using flock(2) on a sidecar lock file.
//
// flock locks an inode, not a pathname: the lock is taken on a dedicated
// "<path>.lock" file that is never replaced or unlinked while locks may be
// held.
package fslock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Acquire when another handle already holds the
// lock.
var ErrWouldBlock = errors.New("fslock: lock would block")

// Lock represents a held exclusive lock. Call [Lock.Close] to release it.
type Lock struct {
	mu   sync.Mutex
	file *os.File
}

// Acquire takes a non-blocking exclusive lock on path+".lock", creating the
// lock file if needed. Returns ErrWouldBlock when the lock is held elsewhere.
func Acquire(path string) (*Lock, error) {
	lockPath := path + ".lock"

	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := flockRetryEINTR(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrWouldBlock)
		}

		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	return &Lock{file: f}, nil
}

// Close releases the lock and closes the underlying descriptor. Idempotent;
// the lock file itself is left in place.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

// flockRetryEINTR retries flock(2) while it is interrupted by signals.
func flockRetryEINTR(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
