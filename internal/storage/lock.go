package storage

import (
	"context"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is the poll interval while waiting for a contended lock.
const lockRetryDelay = 25 * time.Millisecond

// lockPath takes an advisory lock on path's companion .lock file and
// returns the release function. The lock file is left in place; flock
// handles contention between processes.
func lockPath(ctx context.Context, path string) (func(), error) {
	lk := flock.New(path + ".lock")
	if _, err := lk.TryLockContext(ctx, lockRetryDelay); err != nil {
		return nil, err
	}
	return func() { _ = lk.Unlock() }, nil
}
