package authority

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

var errLockBusy = errors.New("lock is held by another operation")

// Lock acquires exclusive access to the store for a read-modify-write
// cycle. Contention is retried with exponential backoff for at most the
// configured lock timeout, after which ErrStoreUnavailable is returned.
// The returned function releases the lock and must be called on every path.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: store is closed", ErrStoreUnavailable)
	}

	var f *os.File
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.lockTimeout

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if !s.lockMu.TryLock() {
			return errLockBusy
		}
		lf, err := os.OpenFile(filepath.Join(s.dir, lockFile), os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			s.lockMu.Unlock()
			return backoff.Permanent(err)
		}
		if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			lf.Close()
			s.lockMu.Unlock()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return errLockBusy
			}
			return backoff.Permanent(err)
		}
		f = lf
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: unable to lock %s after %d attempts: %v", ErrStoreUnavailable, s.dir, attempt, err)
	}
	if attempt > 1 {
		s.logger.V(1).Info("acquired store lock", "attempts", attempt)
	}

	return func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			s.logger.Error(err, "unable to release store lock")
		}
		f.Close()
		s.lockMu.Unlock()
	}, nil
}
