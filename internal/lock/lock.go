// Package lock provides the repository-scoped exclusive build lock: an OS
// file lock on the lock file, which also records the holder's PID for
// diagnostics. The kernel drops the lock when its holder exits, so a lock
// left behind by a crashed run never needs to be broken by hand.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/starford/eipsmith/internal/apperr"
)

// pollInterval bounds how long a waiter sleeps when no file event arrives.
const pollInterval = 250 * time.Millisecond

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	fl   *flock.Flock
	once sync.Once
	err  error
}

// TryAcquire takes the lock at path or fails immediately with an error
// wrapping apperr.ErrLocked.
func TryAcquire(path string) (*Lock, error) {
	const op = "lock.TryAcquire"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%s: mkdir: %w", op, err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		if pid, known := holder(path); known {
			return nil, apperr.New(apperr.ErrLocked, op, "%s is held by pid %d", path, pid)
		}
		return nil, apperr.New(apperr.ErrLocked, op, "%s is held by another process", path)
	}
	// The PID is informational; platforms with mandatory locks refuse the
	// second handle and keep the file empty.
	_ = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	return &Lock{fl: fl}, nil
}

// Acquire takes the lock, waiting up to wait for the holder to release it.
// Writes to the lock file (the holder clears it on release) wake the waiter
// early. wait <= 0 behaves like TryAcquire.
func Acquire(ctx context.Context, path string, wait time.Duration, logger *slog.Logger) (*Lock, error) {
	l, err := TryAcquire(path)
	if err == nil || wait <= 0 || !errors.Is(err, apperr.ErrLocked) {
		return l, err
	}

	w, werr := fsnotify.NewWatcher()
	if werr != nil {
		return nil, fmt.Errorf("lock.Acquire: watcher: %w", werr)
	}
	defer w.Close()
	if werr := w.Add(filepath.Dir(path)); werr != nil {
		return nil, fmt.Errorf("lock.Acquire: watch %s: %w", filepath.Dir(path), werr)
	}

	logger.Info("lock: waiting", slog.String("path", path), slog.Duration("wait", wait))
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, err
		case ev, ok := <-w.Events:
			if !ok {
				return nil, err
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) || ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
		case werr := <-w.Errors:
			logger.Warn("lock: watcher error", slog.String("error", fmt.Sprint(werr)))
		case <-poll.C:
		}

		l, err = TryAcquire(path)
		if err == nil || !errors.Is(err, apperr.ErrLocked) {
			return l, err
		}
	}
}

// Path is the lock file location.
func (l *Lock) Path() string { return l.fl.Path() }

// Release clears the recorded PID and drops the OS lock. The file itself
// stays: removing a locked file would let two processes lock different
// inodes under the same name.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		_ = os.Truncate(l.fl.Path(), 0)
		if err := l.fl.Unlock(); err != nil {
			l.err = fmt.Errorf("lock: release: %w", err)
		}
	})
	return l.err
}

func holder(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
