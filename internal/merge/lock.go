package merge

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked means another process is already applying merges to the store.
var ErrLocked = errors.New("store is locked by another apply")

// LockPath returns the lock file used for the store at dbPath.
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// Lock takes the single-writer lock for the store at dbPath without waiting.
// The returned function releases it.
func Lock(dbPath string) (func() error, error) {
	fl := flock.New(LockPath(dbPath))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrLocked, fl.Path())
	}
	return fl.Unlock, nil
}
