package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when a machine lock is held in a conflicting mode.
var ErrLocked = errors.New("machine is locked by another session")

// Locker hands out advisory per-machine file locks. Any number of shared
// locks may be held at once; an exclusive lock excludes all others.
type Locker struct {
	dir string
}

// NewLocker creates a locker keeping its lock files in dir.
func NewLocker(dir string) *Locker {
	return &Locker{dir: dir}
}

// Lock is a held machine lock.
type Lock struct {
	f    *os.File
	once sync.Once
	err  error
}

// LockShared takes a shared lock on machine id without blocking.
func (l *Locker) LockShared(id string) (*Lock, error) {
	return l.lock(id, unix.LOCK_SH)
}

// LockExclusive takes an exclusive lock on machine id without blocking.
func (l *Locker) LockExclusive(id string) (*Lock, error) {
	return l.lock(id, unix.LOCK_EX)
}

func (l *Locker) lock(id string, how int) (*Lock, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, id+".lock"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, id)
		}
		return nil, fmt.Errorf("flock %s: %w", id, err)
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock. Further calls return the first result.
func (l *Lock) Unlock() error {
	l.once.Do(func() {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		if cerr := l.f.Close(); err == nil {
			err = cerr
		}
		l.err = err
	})
	return l.err
}
