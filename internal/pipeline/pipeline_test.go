package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/lint"
	"github.com/starford/eipsmith/internal/lock"
	"github.com/starford/eipsmith/internal/models"
	"github.com/starford/eipsmith/internal/renderer"
	"github.com/starford/eipsmith/internal/testutil"
)

const bibliography = `[
  {"id": "foo", "type": "article-journal", "title": "Foo Paper",
   "author": [{"family": "Buterin", "given": "Vitalik"}],
   "container-title": "Journal of Foo", "issued": {"date-parts": [[2014]]}}
]`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeline(t *testing.T, repo *testutil.Repo, mutate func(*Options), extra ...Option) *Pipeline {
	t.Helper()
	opts := Options{Root: repo.Root, Bibliography: "bib.json", Workers: 4}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts, discard(), extra...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// scenarioRepo holds proposal 1 (Final) and proposal 2 (Draft, requires 1,
// cites foo).
func scenarioRepo(t *testing.T) *testutil.Repo {
	t.Helper()
	repo := testutil.NewRepo(t)
	repo.Write("bib.json", bibliography)
	repo.Add(
		testutil.Proposal{ID: 1, Status: models.StatusFinal},
		testutil.Proposal{ID: 2, Requires: []int{1}, Body: "## Test Cases\n\nAs shown in [@foo].\n"},
	)
	return repo
}

func page(t *testing.T, p *Pipeline, id int) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.BuildDir(), "site", "content", strconv.Itoa(id), "index.md"))
	if err != nil {
		t.Fatalf("read artifact %d: %v", id, err)
	}
	return string(data)
}

func TestScenario_CitedDependency(t *testing.T) {
	repo := scenarioRepo(t)
	p := newPipeline(t, repo, nil)
	ctx := context.Background()

	report, err := p.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if errs, _ := report.Counts(); errs != 0 {
		t.Fatalf("check errors: %+v", report.Diagnostics)
	}

	report, res, err := p.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v (%+v)", err, report.Diagnostics)
	}
	if !slices.Equal(res.Rebuilt, []int{1, 2}) {
		t.Errorf("rebuilt = %v", res.Rebuilt)
	}
	if res.RunID == "" {
		t.Error("missing run id")
	}

	body := page(t, p, 2)
	if strings.Contains(body, "[@foo]") {
		t.Error("citation marker left unrendered")
	}
	if !strings.Contains(body, "As shown in [1].") {
		t.Errorf("rendered citation missing:\n%s", body)
	}
	if strings.Count(body, "## Bibliography") != 1 {
		t.Errorf("want one bibliography section:\n%s", body)
	}
	if strings.Count(body, "\n1. ") != 1 || strings.Contains(body, "\n2. ") {
		t.Errorf("want a one-entry bibliography:\n%s", body)
	}
	if !strings.Contains(body, "Foo Paper") {
		t.Errorf("bibliography entry not rendered:\n%s", body)
	}
	page(t, p, 1)

	if _, err := os.Stat(filepath.Join(p.BuildDir(), "site", "content", IndexPage)); err != nil {
		t.Errorf("section index not written: %v", err)
	}
	l, err := lock.TryAcquire(filepath.Join(p.BuildDir(), LockFile))
	if err != nil {
		t.Fatalf("lock not released after build: %v", err)
	}
	l.Release()
}

func TestScenario_DanglingRequires(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Add(testutil.Proposal{ID: 3, Requires: []int{999}})
	p := newPipeline(t, repo, func(o *Options) { o.Bibliography = "" })
	ctx := context.Background()

	report, err := p.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	errs, _ := report.Counts()
	if errs != 1 {
		t.Fatalf("errors = %d: %+v", errs, report.Diagnostics)
	}
	d := report.Diagnostics[0]
	if d.Kind != models.KindGraph || d.Location.ProposalID != 3 || d.Rule != lint.RuleRequiresExist {
		t.Errorf("diagnostic = %+v", d)
	}

	report, res, err := p.Build(ctx)
	if !errors.Is(err, apperr.ErrValidationFailed) {
		t.Fatalf("Build err = %v, want validation failure", err)
	}
	if report == nil || res == nil {
		t.Fatal("report and result must be returned on validation failure")
	}
	if !slices.Equal(res.Rebuilt, []int{3}) {
		t.Errorf("rebuilt = %v", res.Rebuilt)
	}
	page(t, p, 3)
}

func TestCheck_RequiresUnreadableProposal(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Add(testutil.Proposal{ID: 3, Requires: []int{5}, Body: "See [five](./00005/index.md).\n"})
	if err := os.MkdirAll(filepath.Join(repo.Root, "content", "00005", "index.md"), 0o755); err != nil {
		t.Fatal(err)
	}
	p := newPipeline(t, repo, func(o *Options) { o.Bibliography = "" })

	report, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.For(3)) != 0 {
		t.Errorf("proposal 3 blamed for an unreadable dependency: %+v", report.For(3))
	}
	got := report.For(5)
	if len(got) != 1 || got[0].Rule != lint.RuleDiscovery {
		t.Errorf("diagnostics for 5 = %+v", got)
	}
}

func TestBuild_Idempotent(t *testing.T) {
	repo := scenarioRepo(t)
	p := newPipeline(t, repo, nil)
	ctx := context.Background()

	if _, _, err := p.Build(ctx); err != nil {
		t.Fatal(err)
	}
	first := page(t, p, 2)

	_, res, err := p.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rebuilt) != 0 || !slices.Equal(res.Reused, []int{1, 2}) {
		t.Errorf("second build rebuilt=%v reused=%v", res.Rebuilt, res.Reused)
	}
	if page(t, p, 2) != first {
		t.Error("artifact changed without input changes")
	}
}

func TestBuild_InvalidationPropagates(t *testing.T) {
	repo := scenarioRepo(t)
	repo.Add(testutil.Proposal{ID: 4})
	p := newPipeline(t, repo, nil)
	ctx := context.Background()

	if _, _, err := p.Build(ctx); err != nil {
		t.Fatal(err)
	}
	repo.Add(testutil.Proposal{ID: 1, Status: models.StatusFinal, Title: "Renamed"})

	_, res, err := p.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Rebuilt, []int{1, 2}) || !slices.Equal(res.Reused, []int{4}) {
		t.Errorf("rebuilt=%v reused=%v", res.Rebuilt, res.Reused)
	}
	if !strings.Contains(page(t, p, 2), "Renamed") {
		t.Error("dependent front matter does not carry the new title")
	}
}

func TestBuild_ModifiedArtifactIsRebuilt(t *testing.T) {
	repo := scenarioRepo(t)
	p := newPipeline(t, repo, nil)
	ctx := context.Background()

	if _, _, err := p.Build(ctx); err != nil {
		t.Fatal(err)
	}
	artifact := filepath.Join(p.BuildDir(), "site", "content", "1", "index.md")
	if err := os.WriteFile(artifact, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, res, err := p.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Rebuilt, []int{1}) {
		t.Errorf("rebuilt = %v", res.Rebuilt)
	}
	if page(t, p, 1) == "tampered" {
		t.Error("tampered artifact was reused")
	}
}

func TestBuild_RemovesDeletedProposals(t *testing.T) {
	repo := scenarioRepo(t)
	repo.Add(testutil.Proposal{ID: 5, Dir: true, Body: "![diagram](./assets/d.txt)\n"})
	repo.Write("content/00005/assets/d.txt", "diagram")
	p := newPipeline(t, repo, nil)
	ctx := context.Background()

	if _, _, err := p.Build(ctx); err != nil {
		t.Fatal(err)
	}
	asset := filepath.Join(p.BuildDir(), "site", "content", "5", "assets", "d.txt")
	if data, err := os.ReadFile(asset); err != nil || string(data) != "diagram" {
		t.Fatalf("asset not published: %v", err)
	}
	if !strings.Contains(page(t, p, 5), "/5/assets/d.txt") {
		t.Error("asset link not rewritten")
	}

	repo.Remove("content/00005")
	_, res, err := p.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Removed, []int{5}) {
		t.Errorf("removed = %v", res.Removed)
	}
	if _, err := os.Stat(filepath.Dir(asset)); !os.IsNotExist(err) {
		t.Error("artifact of deleted proposal survived")
	}
}

func TestBuild_DeterministicAcrossWorkers(t *testing.T) {
	repo := scenarioRepo(t)
	repo.Add(
		testutil.Proposal{ID: 3, Requires: []int{999}},
		testutil.Proposal{ID: 6, Requires: []int{7}},
		testutil.Proposal{ID: 7, Requires: []int{6}, Body: "See [one](./00001.md) and [@missing].\n"},
	)
	ctx := context.Background()

	var (
		wantDiags []models.Diagnostic
		wantPage  string
	)
	for i, workers := range []int{1, 3, 16} {
		p := newPipeline(t, repo, func(o *Options) {
			o.Workers = workers
			o.BuildDir = t.TempDir()
		})
		report, res, err := p.Build(ctx)
		if !errors.Is(err, apperr.ErrValidationFailed) {
			t.Fatalf("workers=%d: err = %v", workers, err)
		}
		if !slices.Equal(res.Rebuilt, []int{1, 2, 3, 6, 7}) {
			t.Errorf("workers=%d: rebuilt = %v", workers, res.Rebuilt)
		}
		got := page(t, p, 7)
		if i == 0 {
			wantDiags, wantPage = report.Diagnostics, got
			continue
		}
		if !reflect.DeepEqual(report.Diagnostics, wantDiags) {
			t.Errorf("workers=%d: diagnostics differ", workers)
		}
		if got != wantPage {
			t.Errorf("workers=%d: artifact differs", workers)
		}
	}
}

func TestBuild_InvalidPreambleIsNotPublished(t *testing.T) {
	repo := scenarioRepo(t)
	p := newPipeline(t, repo, nil)
	ctx := context.Background()
	if _, _, err := p.Build(ctx); err != nil {
		t.Fatal(err)
	}
	before := page(t, p, 1)

	bad := "---\neip: %d\nauthor: A\nstatus: Bogus\nkind: primary\ncreated: 2020-01-01\n---\nBody.\n"
	repo.Write("content/00001.md", fmt.Sprintf(bad, 1))
	repo.Write("content/00004.md", fmt.Sprintf(bad, 4))

	report, res, err := p.Build(ctx)
	if !errors.Is(err, apperr.ErrValidationFailed) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if !slices.Equal(res.Failed, []int{1, 4}) {
		t.Errorf("failed = %v", res.Failed)
	}
	if slices.Contains(res.Rebuilt, 4) || slices.Contains(res.Rebuilt, 1) {
		t.Errorf("rebuilt = %v", res.Rebuilt)
	}
	if _, err := os.Stat(filepath.Join(p.BuildDir(), "site", "content", "4")); !os.IsNotExist(err) {
		t.Error("artifact written for a proposal with an invalid preamble")
	}
	if page(t, p, 1) != before {
		t.Error("previous artifact of a failed proposal was not kept")
	}
	if len(report.For(4)) == 0 {
		t.Error("no diagnostics for proposal 4")
	}
}

func TestBuild_LockHeld(t *testing.T) {
	repo := scenarioRepo(t)
	p := newPipeline(t, repo, nil)
	if err := os.MkdirAll(p.BuildDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	held, err := lock.TryAcquire(filepath.Join(p.BuildDir(), LockFile))
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	if _, _, err := p.Build(context.Background()); !errors.Is(err, apperr.ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	if _, err := os.Stat(filepath.Join(p.BuildDir(), "site")); !os.IsNotExist(err) {
		t.Error("build wrote output without the lock")
	}
	// Check is lock-free by default.
	if _, err := p.Check(context.Background()); err != nil {
		t.Errorf("Check while locked: %v", err)
	}
}

func TestBuild_CorruptStateRebuildsEverything(t *testing.T) {
	repo := scenarioRepo(t)
	p := newPipeline(t, repo, nil)
	ctx := context.Background()
	if _, _, err := p.Build(ctx); err != nil {
		t.Fatal(err)
	}

	state := filepath.Join(p.BuildDir(), StateFile)
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(state + suffix)
	}
	if err := os.WriteFile(state, bytes.Repeat([]byte("not sqlite"), 1024), 0o644); err != nil {
		t.Fatal(err)
	}

	_, res, err := p.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.StateRecreated || !slices.Equal(res.Rebuilt, []int{1, 2}) {
		t.Errorf("recreated=%v rebuilt=%v", res.StateRecreated, res.Rebuilt)
	}
}

func TestBuild_Cancelled(t *testing.T) {
	repo := scenarioRepo(t)
	p := newPipeline(t, repo, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := p.Build(ctx); err == nil {
		t.Fatal("expected an error from a cancelled build")
	}
	l, err := lock.TryAcquire(filepath.Join(p.BuildDir(), LockFile))
	if err != nil {
		t.Fatalf("lock not released after cancellation: %v", err)
	}
	l.Release()
}

// cancelOnRebuild cancels the build context once the first proposal has
// been published.
type cancelOnRebuild struct {
	cancel context.CancelFunc
}

func (h cancelOnRebuild) Enabled(context.Context, slog.Level) bool { return true }

func (h cancelOnRebuild) Handle(_ context.Context, r slog.Record) error {
	if r.Message == "proposal rebuilt" {
		h.cancel()
	}
	return nil
}

func (h cancelOnRebuild) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h cancelOnRebuild) WithGroup(string) slog.Handler      { return h }

func TestBuild_CancelledDuringPublish(t *testing.T) {
	repo := scenarioRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := Options{Root: repo.Root, Bibliography: "bib.json", Workers: 1}
	p, err := New(opts, slog.New(cancelOnRebuild{cancel: cancel}))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := p.Build(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	page(t, p, 1)
	if _, err := os.Stat(filepath.Join(p.BuildDir(), "site", "content", "2")); !os.IsNotExist(err) {
		t.Error("unfinished proposal was published")
	}

	p = newPipeline(t, repo, nil)
	_, res, err := p.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Reused, []int{1}) || !slices.Equal(res.Rebuilt, []int{2}) {
		t.Errorf("after cancellation reused=%v rebuilt=%v", res.Reused, res.Rebuilt)
	}
}

func TestBuild_Renderer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	repo := scenarioRepo(t)

	ok := renderer.New(renderer.Config{
		Command:   "sh",
		BuildArgs: []string{"-c", `mkdir -p "$0" && ls content > "$0/index.html"`, renderer.VarOutput},
	}, discard())
	p := newPipeline(t, repo, nil, WithRenderer(ok))
	_, res, err := p.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !res.Rendered {
		t.Error("renderer not run")
	}
	listing, err := os.ReadFile(filepath.Join(res.OutputDir, "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"1", "2", IndexPage} {
		if !strings.Contains(string(listing), want) {
			t.Errorf("renderer did not see %s in the project:\n%s", want, listing)
		}
	}

	failing := renderer.New(renderer.Config{
		Command:   "sh",
		BuildArgs: []string{"-c", `echo "Error: no templates" >&2; exit 1`},
	}, discard())
	p = newPipeline(t, repo, nil, WithRenderer(failing))
	report, _, err := p.Build(context.Background())
	if !errors.Is(err, apperr.ErrRenderer) {
		t.Fatalf("err = %v, want ErrRenderer", err)
	}
	if report == nil {
		t.Error("report must accompany a renderer failure")
	}
}

type fakeHistory struct {
	base    map[string]string
	changed []string
}

func (f *fakeHistory) Show(_ context.Context, _, path string) ([]byte, error) {
	if s, ok := f.base[path]; ok {
		return []byte(s), nil
	}
	return nil, apperr.New(apperr.ErrNotFound, "fake", "%s", path)
}

func (f *fakeHistory) Changed(context.Context, string) ([]string, error) {
	return f.changed, nil
}

func TestCheck_StatusRegressionFromHistory(t *testing.T) {
	repo := testutil.NewRepo(t)
	final := testutil.Proposal{ID: 1, Status: models.StatusFinal, Dir: true}
	repo.Add(testutil.Proposal{ID: 1, Status: models.StatusDraft})

	// The base revision used the directory layout.
	h := &fakeHistory{base: map[string]string{final.Path(): final.Markdown()}}
	p := newPipeline(t, repo, func(o *Options) {
		o.Bibliography = ""
		o.BaseRef = "main"
	}, WithHistory(h))

	report, err := p.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, d := range report.Diagnostics {
		if d.Rule == lint.RuleStatusTransition && d.Location.ProposalID == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("Final -> Draft not reported: %+v", report.Diagnostics)
	}
}

func TestCheck_StatusRegressionFromRecordedState(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Add(testutil.Proposal{ID: 1, Status: models.StatusFinal})
	p := newPipeline(t, repo, func(o *Options) { o.Bibliography = "" })
	ctx := context.Background()
	if _, _, err := p.Build(ctx); err != nil {
		t.Fatal(err)
	}

	repo.Add(testutil.Proposal{ID: 1, Status: models.StatusDraft})
	report, err := p.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.HasErrors() || report.Diagnostics[0].Rule != lint.RuleStatusTransition {
		t.Errorf("diagnostics = %+v", report.Diagnostics)
	}
}

func TestCheck_Patterns(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Add(
		testutil.Proposal{ID: 3, Requires: []int{999}},
		testutil.Proposal{ID: 4, Requires: []int{998}},
	)
	p := newPipeline(t, repo, func(o *Options) { o.Bibliography = "" })

	report, err := p.Check(context.Background(), "content/00004.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Diagnostics) != 1 || report.Diagnostics[0].Location.ProposalID != 4 {
		t.Errorf("diagnostics = %+v", report.Diagnostics)
	}
	if _, err := p.Check(context.Background(), "content/[*.md"); err == nil {
		t.Error("invalid pattern accepted")
	}
}

func TestCheck_Bibliography(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Add(testutil.Proposal{ID: 1})
	repo.Write("bib.json", "{not json")

	p := newPipeline(t, repo, nil)
	report, err := p.Check(context.Background())
	if err != nil {
		t.Fatalf("optional bibliography failure was fatal: %v", err)
	}
	if report.HasErrors() || len(report.Diagnostics) != 1 || report.Diagnostics[0].Location.Path != "bib.json" {
		t.Errorf("diagnostics = %+v", report.Diagnostics)
	}

	p = newPipeline(t, repo, func(o *Options) { o.CitationsRequired = true })
	if _, err := p.Check(context.Background()); !errors.Is(err, apperr.ErrCitation) {
		t.Errorf("required bibliography err = %v", err)
	}
}

func TestChanged(t *testing.T) {
	repo := scenarioRepo(t)
	repo.Add(testutil.Proposal{ID: 3, Dir: true}, testutil.Proposal{ID: 4})
	h := &fakeHistory{changed: []string{"README.md", "content/00001.md", "content/00003/assets/x.png"}}
	p := newPipeline(t, repo, func(o *Options) { o.BaseRef = "main" }, WithHistory(h))

	cs, err := p.Changed(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(cs.Changed, []int{1, 3}) || !slices.Equal(cs.Affected, []int{2}) {
		t.Errorf("changed=%v affected=%v", cs.Changed, cs.Affected)
	}

	if _, err := newPipeline(t, repo, nil).Changed(context.Background()); err == nil {
		t.Error("Changed without history should fail")
	}
}

func TestClean(t *testing.T) {
	repo := scenarioRepo(t)
	p := newPipeline(t, repo, nil)
	if _, _, err := p.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Clean(context.Background()); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	entries, err := os.ReadDir(p.BuildDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("build dir not empty: %v", entries)
	}
}

func TestBuild_WritesMetrics(t *testing.T) {
	repo := scenarioRepo(t)
	metricsPath := filepath.Join(t.TempDir(), "eipsmith.prom")
	p := newPipeline(t, repo, func(o *Options) { o.MetricsPath = metricsPath })
	if _, _, err := p.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `eipsmith_proposals{outcome="rebuilt"} 2`) {
		t.Errorf("metrics:\n%s", data)
	}
}

func TestPrepareServe_ToleratesValidationErrors(t *testing.T) {
	repo := testutil.NewRepo(t)
	repo.Add(testutil.Proposal{ID: 3, Requires: []int{999}})
	p := newPipeline(t, repo, func(o *Options) { o.Bibliography = "" })

	res, err := p.PrepareServe(context.Background())
	if err != nil {
		t.Fatalf("PrepareServe: %v", err)
	}
	if res.Report == nil || !res.Report.HasErrors() {
		t.Error("result should carry the failing report")
	}
}

func TestNew_UnknownOverride(t *testing.T) {
	_, err := New(Options{Root: t.TempDir(), Overrides: lint.Overrides{Allow: []string{"nope"}}}, discard())
	if err == nil {
		t.Fatal("unknown rule override accepted")
	}
}
