package renderer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/starford/eipsmith/internal/apperr"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
}

func bufLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuild_Success(t *testing.T) {
	requireShell(t)
	var logs bytes.Buffer
	r := New(Config{
		Command:   "sh",
		BuildArgs: []string{"-c", `echo "building into $0"; echo "Warning: slow"`, VarOutput},
	}, bufLogger(&logs))

	dir := t.TempDir()
	res, err := r.Build(context.Background(), dir, "/tmp/out")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(res.Output, "building into /tmp/out") {
		t.Errorf("output = %q", res.Output)
	}
	if !strings.Contains(logs.String(), `"level":"WARN"`) {
		t.Errorf("warning line not logged at warn level:\n%s", logs.String())
	}
}

func TestBuild_Failure(t *testing.T) {
	requireShell(t)
	var logs bytes.Buffer
	r := New(Config{
		Command:   "sh",
		BuildArgs: []string{"-c", `echo "Error: broken template" >&2; exit 3`},
	}, bufLogger(&logs))

	_, err := r.Build(context.Background(), t.TempDir(), "out")
	if !errors.Is(err, apperr.ErrRenderer) {
		t.Fatalf("err = %v, want ErrRenderer", err)
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("err is %T", err)
	}
	if rerr.ExitCode != 3 {
		t.Errorf("exit code = %d", rerr.ExitCode)
	}
	if !strings.Contains(rerr.Output, "Error: broken template") {
		t.Errorf("output = %q", rerr.Output)
	}
	if !strings.Contains(logs.String(), `"level":"ERROR"`) {
		t.Errorf("error line not logged:\n%s", logs.String())
	}
}

func TestBuild_Timeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not installed")
	}
	var logs bytes.Buffer
	r := New(Config{Command: "sleep", BuildArgs: []string{"5"}, Timeout: 100 * time.Millisecond}, bufLogger(&logs))

	start := time.Now()
	_, err := r.Build(context.Background(), t.TempDir(), "out")
	if !errors.Is(err, apperr.ErrRenderer) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded in chain", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestRunner_Disabled(t *testing.T) {
	var logs bytes.Buffer
	r := New(Config{Command: "  "}, bufLogger(&logs))
	if r.Enabled() {
		t.Fatal("blank command reported as enabled")
	}
	if _, err := r.Build(context.Background(), t.TempDir(), "out"); !errors.Is(err, apperr.ErrRenderer) {
		t.Errorf("err = %v", err)
	}
}

func TestExpand(t *testing.T) {
	r := New(Config{BaseURL: "https://example.org/"}, slog.Default())
	got := r.expand([]string{"build", "--base-url", VarBaseURL, "-o", VarOutput, VarSite + "/config.toml"}, "/s", "/o")
	want := "build --base-url https://example.org/ -o /o /s/config.toml"
	if strings.Join(got, " ") != want {
		t.Errorf("expand = %q", strings.Join(got, " "))
	}
}
