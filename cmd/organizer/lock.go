package organizer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nightlyone/lockfile"
)

const lockFileName = ".organize.lock"

// lockfile treats a lock held by our own pid as acquired, so organizers in one process also
// share a mutex per root.
var rootLocks sync.Map

func rootMutex(path string) *sync.Mutex {
	mu, _ := rootLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lock serializes organizers sharing a final root so two jobs never pick the same version suffix.
func (o *Organizer) lock(ctx context.Context, finalRoot string) (func(), error) {
	abs, err := filepath.Abs(filepath.Join(finalRoot, lockFileName))
	if err != nil {
		return nil, err
	}
	lf, err := lockfile.New(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockfile %q: %w", abs, err)
	}

	mu := rootMutex(abs)
	mu.Lock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = o.LockTimeout

	attempt := func() error {
		err := lf.TryLock()
		if err == nil {
			return nil
		}
		var temp interface{ Temporary() bool }
		if errors.As(err, &temp) && temp.Temporary() {
			o.logger.Debug("final root is locked, waiting", "lock", abs)
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		mu.Unlock()
		if errors.Is(err, lockfile.ErrBusy) {
			return nil, fmt.Errorf("another organizer holds %s: %w", abs, err)
		}
		return nil, fmt.Errorf("unable to lock final root: %w", err)
	}

	return func() {
		if err := lf.Unlock(); err != nil {
			o.logger.Warn("failed to release lock", "lock", abs, "error", err)
		}
		mu.Unlock()
	}, nil
}
