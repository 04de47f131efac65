package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"attest/internal/adapter"
	"attest/internal/catalog"
	"attest/internal/config"
	"attest/internal/event"
	"attest/internal/eventlog"
	"attest/internal/evidence"
	"attest/internal/pipeline"
	"attest/internal/safety"
	"attest/internal/source"
)

// fakeAdapter dispatches on the step action so one fake can serve a whole
// pipeline.
type fakeAdapter struct {
	execute func(ctx context.Context, action, input string) (string, error)
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) Execute(ctx context.Context, action, input string) (string, error) {
	return f.execute(ctx, action, input)
}
func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

func newTestOrchestrator(t *testing.T) (*Orchestrator, config.Config) {
	t.Helper()
	home := t.TempDir()
	cfg := config.Config{Home: home, Library: filepath.Join(home, "library")}
	return New(cfg), cfg
}

func writePipeline(t *testing.T, cfg config.Config, name, yaml string) *pipeline.Pipeline {
	t.Helper()
	if err := os.MkdirAll(cfg.PipelinesDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfg.PipelinesDir(), name+".yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := pipeline.Find(cfg.PipelinesDir(), name)
	if err != nil {
		t.Fatalf("loading pipeline: %v", err)
	}
	return p
}

const twoStepYAML = `
name: summarize
steps:
  - name: clean
    adapter: pattern
    action: clean
    input_from: pipeline_input
  - name: summary
    adapter: pattern
    action: summarize
    input_from:
      previous_step: clean
`

func TestRunRecordsEventsAndPromotesArtifacts(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "summarize", twoStepYAML)

	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, action, input string) (string, error) {
			return action + ": " + input, nil
		}}
	}

	res, err := o.Run(context.Background(), p, source.FromText("raw text"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want 2", res.Steps)
	}

	run, err := eventlog.ReplayRun(cfg.RunsDir(), res.RunID)
	if err != nil {
		t.Fatalf("ReplayRun: %v", err)
	}
	if run.State != event.RunDone {
		t.Errorf("state = %q, want %q", run.State, event.RunDone)
	}
	if run.Pipeline != "summarize" {
		t.Errorf("pipeline = %q", run.Pipeline)
	}
	if !run.StepCompleted("clean") || !run.StepCompleted("summary") {
		t.Errorf("step statuses = %v", run.StepStatuses)
	}

	// The initial input and every step output land in the content folder.
	for name, want := range map[string]string{
		"input.md":   "raw text",
		"clean.md":   "clean: raw text",
		"summary.md": "summarize: clean: raw text",
	} {
		data, err := os.ReadFile(filepath.Join(res.ContentDir, name))
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}

	meta, err := catalog.LoadMetadata(res.ContentDir)
	if err != nil {
		t.Fatal(err)
	}
	if meta.RunID != res.RunID || meta.Pipeline != "summarize" {
		t.Errorf("metadata = %+v", meta)
	}
	if len(meta.ArtifactDigests) != 3 {
		t.Errorf("digests = %v, want 3 entries", meta.ArtifactDigests)
	}

	entry, _, ok, err := o.catalog.Lookup(string(res.ContentID))
	if err != nil || !ok {
		t.Fatalf("Lookup: %v/%v", ok, err)
	}
	if entry.RunID != res.RunID {
		t.Errorf("catalog entry run = %q, want %q", entry.RunID, res.RunID)
	}
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "flaky", `
name: flaky
steps:
  - name: only
    adapter: pattern
    action: transform
    retry_policy:
      max_attempts: 3
      initial_delay_ms: 100
`)

	var slept []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, _, input string) (string, error) {
			calls++
			if calls < 3 {
				return "", fmt.Errorf("transient failure %d", calls)
			}
			return "ok", nil
		}}
	}

	res, err := o.Run(context.Background(), p, source.FromText("in"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Errorf("adapter called %d times, want 3", calls)
	}
	if len(slept) != 2 || slept[0] != 100*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Errorf("backoff = %v, want [100ms 200ms]", slept)
	}

	run, _ := eventlog.ReplayRun(cfg.RunsDir(), res.RunID)
	if run.State != event.RunDone {
		t.Errorf("state = %q, want completed after retries", run.State)
	}
}

// Cancelling the run context during a retry delay must end the run right
// away instead of waiting out the backoff and starting another attempt.
func TestCancellationInterruptsBackoff(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "slow", `
name: slow
steps:
  - name: only
    adapter: pattern
    action: transform
    retry_policy:
      max_attempts: 3
      initial_delay_ms: 60000
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, _, _ string) (string, error) {
			calls++
			cancel()
			return "", errors.New("transient failure")
		}}
	}

	start := time.Now()
	_, err := o.Run(ctx, p, source.FromText("in"))
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %s, backoff was not interrupted", elapsed)
	}
	if calls != 1 {
		t.Errorf("adapter called %d times, cancellation must stop retries", calls)
	}

	var rerr *ResumableError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, want ResumableError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want wrapped context.Canceled", err)
	}

	store, err := eventlog.Open(cfg.RunsDir(), rerr.RunID)
	if err != nil {
		t.Fatal(err)
	}
	events, err := store.Replay()
	if err != nil {
		t.Fatal(err)
	}
	startedAttempts := 0
	for _, e := range events {
		if e.Type == event.StepStarted {
			startedAttempts++
		}
	}
	if startedAttempts != 1 {
		t.Errorf("step started %d times, want 1", startedAttempts)
	}
}

func TestExhaustedRetriesAreResumable(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "summarize", twoStepYAML)
	o.sleep = func(context.Context, time.Duration) error { return nil }

	cleanRuns := 0
	broken := true
	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, action, input string) (string, error) {
			if action == "clean" {
				cleanRuns++
				return "cleaned", nil
			}
			if broken {
				return "", errors.New("model unavailable")
			}
			return "summary of " + input, nil
		}}
	}

	_, err := o.Run(context.Background(), p, source.FromText("raw"))
	var rerr *ResumableError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, want ResumableError", err)
	}
	if rerr.Step != "summary" {
		t.Errorf("failed step = %q, want summary", rerr.Step)
	}

	run, err := eventlog.ReplayRun(cfg.RunsDir(), rerr.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.State != event.RunErrored {
		t.Errorf("state = %q, want failed", run.State)
	}
	if !run.StepCompleted("clean") {
		t.Error("completed step lost on failure")
	}

	broken = false
	res, err := o.Resume(context.Background(), rerr.RunID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if cleanRuns != 1 {
		t.Errorf("clean executed %d times, completed steps must not re-run", cleanRuns)
	}
	if res.Steps != 1 {
		t.Errorf("resumed steps = %d, want 1", res.Steps)
	}

	data, err := os.ReadFile(filepath.Join(res.ContentDir, "summary.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "summary of cleaned" {
		t.Errorf("summary = %q, resume must feed recorded artifacts", data)
	}

	if _, err := o.Resume(context.Background(), rerr.RunID); err == nil {
		t.Error("resuming a completed run must fail")
	}
}

func TestOutputLimitViolation(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "big", `
name: big
safety_limits:
  max_output_bytes: 8
steps:
  - name: only
    adapter: pattern
    action: expand
`)

	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, _, _ string) (string, error) {
			return strings.Repeat("x", 100), nil
		}}
	}

	_, err := o.Run(context.Background(), p, source.FromText("in"))
	var v *safety.Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want Violation", err)
	}
	if v.Limit != "max_output_bytes" {
		t.Errorf("limit = %q", v.Limit)
	}

	// A safety stop is terminal, not resumable.
	var rerr *ResumableError
	if errors.As(err, &rerr) {
		t.Error("safety violation must not be resumable")
	}
}

func TestDenylistedInputFileRefused(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "summarize", twoStepYAML)
	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, _, input string) (string, error) {
			return input, nil
		}}
	}

	in := source.Input{
		Text:      "SECRET=1",
		Canonical: "file:.env",
		Path:      "/home/user/project/.env",
		Kind:      "file",
	}
	_, err := o.Run(context.Background(), p, in)
	var v *safety.Violation
	if !errors.As(err, &v) || v.Limit != "denylist_patterns" {
		t.Errorf("error = %v, want denylist violation", err)
	}
}

func TestEvidenceExtractionEndToEnd(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "ground", `
name: ground
steps:
  - name: fetch
    adapter: pattern
    action: fetch
    input_from: pipeline_input
  - name: extract
    adapter: pattern
    action: extract
    input_from:
      previous_step: fetch
    extract_evidence: true
    grounds_against: fetch
`)

	grounds := strings.Repeat("a", 42) + "the sky is blue." + " More observations follow."
	claims := `[
  {"claim": "The sky was blue.", "quote": "the sky is blue.", "confidence": 0.9},
  {"claim": "It rained.", "quote": "heavy rain fell"}
]`

	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, action, _ string) (string, error) {
			if action == "fetch" {
				return grounds, nil
			}
			return claims, nil
		}}
	}

	res, err := o.Run(context.Background(), p, source.FromText("seed"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Evidence != 2 {
		t.Errorf("evidence = %d, want 2", res.Evidence)
	}

	records, err := evidence.OpenLog(res.ContentDir).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("log has %d records, want 2", len(records))
	}

	resolved := records[0]
	if resolved.Status != evidence.StatusResolved {
		t.Fatalf("status = %q, want resolved", resolved.Status)
	}
	if resolved.Span == nil || resolved.Span.Start() != 42 || resolved.Span.End() != 58 {
		t.Errorf("span = %+v, want bytes [42,58)", resolved.Span)
	}
	if resolved.Span.Artifact != "fetch.md" {
		t.Errorf("span artifact = %q", resolved.Span.Artifact)
	}
	if resolved.Extractor != "extract" {
		t.Errorf("extractor = %q", resolved.Extractor)
	}

	if records[1].Status != evidence.StatusUnresolved {
		t.Errorf("second record = %q, want unresolved", records[1].Status)
	}
	if records[1].Span != nil {
		t.Error("unresolved evidence must not carry a span")
	}

	// Freshly promoted artifacts validate on the fast path.
	meta, err := catalog.LoadMetadata(res.ContentDir)
	if err != nil {
		t.Fatal(err)
	}
	report, err := evidence.Validate(res.ContentDir, string(res.ContentID), meta.ArtifactDigests)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Valid != 1 || report.Stale != 0 || report.Unresolved != 1 {
		t.Errorf("report = %+v, want 1 valid / 0 stale / 1 unresolved", report)
	}
	if !report.FastPath {
		t.Error("unchanged artifacts should validate on the fast path")
	}
}

// Evidence recorded mid-run must stay verifiable when a later step fails:
// the grounding artifact is promoted at resolution time, not only when the
// whole run completes.
func TestEvidenceSurvivesLaterStepFailure(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "fragile", `
name: fragile
steps:
  - name: fetch
    adapter: pattern
    action: fetch
    input_from: pipeline_input
  - name: extract
    adapter: pattern
    action: extract
    input_from:
      previous_step: fetch
    extract_evidence: true
    grounds_against: fetch
  - name: publish
    adapter: pattern
    action: publish
    input_from:
      previous_step: extract
    retry_policy:
      max_attempts: 1
`)

	grounds := "water boils at 100 degrees at sea level"
	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, action, _ string) (string, error) {
			switch action {
			case "fetch":
				return grounds, nil
			case "extract":
				return `[{"claim": "Boiling point.", "quote": "boils at 100 degrees"}]`, nil
			default:
				return "", errors.New("publish endpoint down")
			}
		}}
	}

	_, err := o.Run(context.Background(), p, source.FromText("seed"))
	var rerr *ResumableError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, want ResumableError", err)
	}
	if rerr.Step != "publish" {
		t.Errorf("failed step = %q, want publish", rerr.Step)
	}

	dir := o.catalog.ContentDir(catalog.NewContentID(source.FromText("seed").Canonical))
	data, err := os.ReadFile(filepath.Join(dir, "fetch.md"))
	if err != nil {
		t.Fatalf("grounding artifact missing after failed run: %v", err)
	}
	if string(data) != grounds {
		t.Errorf("fetch.md = %q, want the grounding text", data)
	}

	meta, err := catalog.LoadMetadata(dir)
	if err != nil {
		t.Fatal(err)
	}
	report, err := evidence.Validate(dir, string(catalog.NewContentID(source.FromText("seed").Canonical)), meta.ArtifactDigests)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Valid != 1 || report.Stale != 0 {
		t.Errorf("report = %+v, want 1 valid / 0 stale", report)
	}
}

func TestRunningTwiceAppendsNoDuplicateEvidence(t *testing.T) {
	o, cfg := newTestOrchestrator(t)
	p := writePipeline(t, cfg, "ground", `
name: ground
steps:
  - name: fetch
    adapter: pattern
    action: fetch
    input_from: pipeline_input
  - name: extract
    adapter: pattern
    action: extract
    input_from:
      previous_step: fetch
    extract_evidence: true
    grounds_against: fetch
`)

	o.newAdapter = func(pipeline.Step) adapter.Adapter {
		return &fakeAdapter{execute: func(_ context.Context, action, _ string) (string, error) {
			if action == "fetch" {
				return "water boils at 100 degrees at sea level", nil
			}
			return `[{"claim": "Boiling point.", "quote": "boils at 100 degrees"}]`, nil
		}}
	}

	res1, err := o.Run(context.Background(), p, source.FromText("seed"))
	if err != nil {
		t.Fatal(err)
	}
	res2, err := o.Run(context.Background(), p, source.FromText("seed"))
	if err != nil {
		t.Fatal(err)
	}
	if res1.ContentID != res2.ContentID {
		t.Fatalf("same input mapped to different content IDs")
	}

	records, err := evidence.OpenLog(res2.ContentDir).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("log has %d records, want 1 (identical evidence is appended once)", len(records))
	}
}
