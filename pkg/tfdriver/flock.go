package tfdriver

import (
	"fmt"
	"os"
	"syscall"
)

// fileLock is the small interface the file-locking sentinel is written
// against, so Busy/wait semantics (spec §4.6) are testable without
// shelling out to the real terraform binary.
type fileLock interface {
	// TryLock attempts a non-blocking exclusive lock, returning false if
	// already held elsewhere.
	TryLock() (bool, error)
	// Lock blocks until the lock is acquired.
	Lock() error
	Unlock() error
	Close() error
}

// flockFile implements fileLock with syscall.Flock on Linux.
type flockFile struct {
	f *os.File
}

func openLock(path string) (*flockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tfdriver: open lock sentinel %s: %w", path, err)
	}
	return &flockFile{f: f}, nil
}

func (l *flockFile) TryLock() (bool, error) {
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == syscall.EWOULDBLOCK {
		return false, nil
	}
	return false, fmt.Errorf("tfdriver: flock %s: %w", l.f.Name(), err)
}

func (l *flockFile) Lock() error {
	return syscall.Flock(int(l.f.Fd()), syscall.LOCK_EX)
}

func (l *flockFile) Unlock() error {
	return syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
}

func (l *flockFile) Close() error {
	return l.f.Close()
}
