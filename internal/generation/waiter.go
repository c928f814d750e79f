package generation

import (
	"context"
	"os"
	"time"
)

// Waiter polls for a file that a backend writes asynchronously to the
// shared volume.
type Waiter struct {
	Attempts int
	Backoff  time.Duration

	// Sleep and Exists default to real time and the local filesystem.
	Sleep  func(ctx context.Context, d time.Duration) error
	Exists func(path string) bool

	// OnAttempt, when set, is called after every check.
	OnAttempt func()
}

// Wait checks for path up to Attempts times, sleeping Backoff between
// checks but not after the last one.
func (w Waiter) Wait(ctx context.Context, path string) error {
	attempts := w.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	exists := w.Exists
	if exists == nil {
		exists = fileExists
	}

	for i := 0; i < attempts; i++ {
		found := exists(path)
		if w.OnAttempt != nil {
			w.OnAttempt()
		}
		if found {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if err := sleep(ctx, w.Backoff); err != nil {
			return err
		}
	}
	return &ArtifactNotProducedError{Path: path, Attempts: attempts}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
