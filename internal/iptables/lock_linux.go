//go:build linux
// +build linux

package iptables

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const (
	lockRetryInitial = 25 * time.Millisecond
	lockRetryMax     = 500 * time.Millisecond
)

// Run acquires the named lock, invokes fn and releases the lock.
// Acquisition polls with backoff until the flock succeeds or ctx is
// done. Closing the file releases the lock even if the process dies.
func (l *FlockLock) Run(ctx context.Context, name string, fn func() error) error {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir %s: %w", l.Dir, err)
	}
	path := filepath.Join(l.Dir, name+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", path, err)
	}
	defer f.Close()

	backoff := lockRetryInitial
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK {
			return fmt.Errorf("flock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < lockRetryMax {
			backoff *= 2
			if backoff > lockRetryMax {
				backoff = lockRetryMax
			}
		}
	}

	return fn()
}
