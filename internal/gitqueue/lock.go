package gitqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	staleLockAge  = 30 * time.Second
	lockWaitCap   = 15 * time.Second
	lockPollEvery = 200 * time.Millisecond
)

// waitForIndexLock removes a stale .git/index.lock (older than
// staleLockAge) before a job runs, and otherwise waits up to lockWaitCap
// for a concurrently-held lock to clear. It returns an error only if
// the lock is still present and fresh when the cap is reached; the job
// proceeds anyway (git itself will then fail fast with its own
// "index.lock exists" error, which the job's own retry/error handling
// treats as transient).
func waitForIndexLock(repoDir string) error {
	lockPath := filepath.Join(repoDir, ".git", "index.lock")

	deadline := time.Now().Add(lockWaitCap)
	for {
		info, err := os.Stat(lockPath)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return nil
		}

		if time.Since(info.ModTime()) > staleLockAge {
			_ = os.Remove(lockPath)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("gitqueue: %s still held after %s", lockPath, lockWaitCap)
		}
		time.Sleep(lockPollEvery)
	}
}
