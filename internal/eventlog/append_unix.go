//go:build unix

package eventlog

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// lockRetryWindow bounds how long a writer waits for the advisory lock
// before the append is surfaced as a fatal I/O error.
const lockRetryWindow = 5 * time.Second

const lockRetryInterval = 25 * time.Millisecond

// appendLine appends data plus a newline to path under an exclusive advisory
// lock, syncing before the lock is released. Concurrent writers on the same
// filesystem therefore never interleave partial lines.
func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending to log %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing log %s: %w", path, err)
	}
	return nil
}

func lockExclusive(f *os.File) error {
	deadline := time.Now().Add(lockRetryWindow)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK {
			return fmt.Errorf("locking log %s: %w", f.Name(), err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("locking log %s: timed out after %s", f.Name(), lockRetryWindow)
		}
		time.Sleep(lockRetryInterval)
	}
}
