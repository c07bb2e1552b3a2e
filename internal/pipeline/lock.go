package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFile is the single-writer lock kept in the lake directory.
const LockFile = ".tally.lock"

// ErrLocked is returned when another run holds the lake lock.
var ErrLocked = errors.New("another run holds the lake lock")

// Lock serializes mutating runs against one lake directory.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock of lakeDir without waiting.
func AcquireLock(lakeDir string) (*Lock, error) {
	if err := os.MkdirAll(lakeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lake dir %s: %w", lakeDir, err)
	}

	path := filepath.Join(lakeDir, LockFile)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.fl.Path() }

// Release drops the lock. The lock file itself stays in place.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
