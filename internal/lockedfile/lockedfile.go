// Package lockedfile provides an advisory inter-process mutex backed by a
// lock file.
package lockedfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Mutex is a mutual-exclusion lock held on the file at Path. The file is
// created if needed and never removed, so every process agrees on the inode.
type Mutex struct {
	Path string
}

// MutexAt returns a Mutex using the file at path.
func MutexAt(path string) *Mutex {
	if path == "" {
		panic("lockedfile.MutexAt: empty path")
	}
	return &Mutex{Path: path}
}

// Lock blocks until the lock is held and returns the function that
// releases it.
func (mu *Mutex) Lock() (unlock func(), err error) {
	if err := os.MkdirAll(filepath.Dir(mu.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(mu.Path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", mu.Path, err)
	}
	return func() {
		unlockFile(f)
		f.Close()
	}, nil
}

// TryLock is like Lock but returns ok == false instead of waiting when
// another process holds the lock.
func (mu *Mutex) TryLock() (unlock func(), ok bool, err error) {
	if err := os.MkdirAll(filepath.Dir(mu.Path), 0o755); err != nil {
		return nil, false, err
	}
	f, err := os.OpenFile(mu.Path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, false, err
	}
	ok, err = tryLockFile(f)
	if err != nil || !ok {
		f.Close()
		if err != nil {
			err = fmt.Errorf("lock %s: %w", mu.Path, err)
		}
		return nil, false, err
	}
	return func() {
		unlockFile(f)
		f.Close()
	}, true, nil
}
