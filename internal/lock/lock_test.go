package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/starford/eipsmith/internal/apperr"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTryAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build", ".lock")
	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if l.Path() != path {
		t.Errorf("Path = %s", l.Path())
	}
	data, _ := os.ReadFile(path)
	if string(data) != strconv.Itoa(os.Getpid())+"\n" {
		t.Errorf("lock content = %q", data)
	}

	_, err = TryAcquire(path)
	if !errors.Is(err, apperr.ErrLocked) {
		t.Fatalf("second TryAcquire err = %v", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Errorf("error does not name the holder: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if data, err := os.ReadFile(path); err != nil || len(data) != 0 {
		t.Errorf("released lock file = %q, %v", data, err)
	}

	l2, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	l2.Release()
}

func TestTryAcquire_LeftoverFileDoesNotBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	// PIDs are bounded well below this on every supported platform.
	if err := os.WriteFile(path, []byte("2147483646\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("file without a holder blocked: %v", err)
	}
	l.Release()
}

func TestTryAcquire_HeldLockSurvivesRewrittenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held, err := TryAcquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	for _, content := range []string{"", "2147483646\n", "garbage"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := TryAcquire(path); !errors.Is(err, apperr.ErrLocked) {
			t.Fatalf("content %q: err = %v, want ErrLocked", content, err)
		}
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held, err := TryAcquire(path)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		held.Release()
	}()

	l, err := Acquire(context.Background(), path, 5*time.Second, discard())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release()
}

func TestAcquire_TimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held, err := TryAcquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), path, 300*time.Millisecond, discard())
	if !errors.Is(err, apperr.ErrLocked) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("returned before the wait elapsed")
	}

	if _, err := Acquire(context.Background(), path, 0, discard()); !errors.Is(err, apperr.ErrLocked) {
		t.Errorf("no-wait err = %v", err)
	}
}

func TestAcquire_Cancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	held, err := TryAcquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Acquire(ctx, path, time.Minute, discard()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}
