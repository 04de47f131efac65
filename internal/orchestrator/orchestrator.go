// Package orchestrator drives pipeline runs: it executes steps sequentially
// through their adapters, records every state transition in the run's event
// log, enforces safety limits before each execution, and promotes finished
// artifacts into the content catalog.
//
// Steps within a run are strictly sequential because each step consumes the
// previous step's output. Different runs are independent: each owns its own
// run directory and event log, and the catalog index is safe to share
// because it is only replaced atomically.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
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

// inputArtifact is the reserved artifact name holding the run's initial
// input, stored at run start so resume never depends on the original
// invocation's flags.
const inputArtifact = "input"

// ResumableError marks a run that failed partway but can be resumed: all
// completed steps' artifacts are on disk and in the event log.
type ResumableError struct {
	RunID string
	Step  string
	Err   error
}

func (e *ResumableError) Error() string {
	return fmt.Sprintf("step %q failed: %v (resume with: attest resume %s)", e.Step, e.Err, e.RunID)
}

func (e *ResumableError) Unwrap() error { return e.Err }

// Result summarizes a finished run.
type Result struct {
	RunID      string
	ContentID  catalog.ContentID
	Steps      int
	Evidence   int
	ContentDir string
}

// Orchestrator executes pipelines against the configured home directory.
type Orchestrator struct {
	cfg     config.Config
	catalog *catalog.Catalog
	logger  *slog.Logger

	// newAdapter is swappable in tests.
	newAdapter func(step pipeline.Step) adapter.Adapter
	// sleep is swappable in tests to skip retry backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator over the given configuration.
func New(cfg config.Config) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		catalog: catalog.Open(cfg.CatalogPath(), cfg.Library),
		logger:  slog.Default(),
		sleep:   waitBackoff,
	}
	o.newAdapter = o.defaultAdapter
	return o
}

func (o *Orchestrator) defaultAdapter(step pipeline.Step) adapter.Adapter {
	switch step.Adapter {
	case pipeline.AdapterFetch:
		return adapter.NewFetchAdapter(nil)
	case pipeline.AdapterExternal:
		return adapter.NewExternalAdapter(step.Command, step.Args)
	default:
		return adapter.NewPatternAdapter(o.cfg.Patterns.Binary, o.cfg.Patterns.Args)
	}
}

// Run executes a pipeline against one input, from the first step.
func (o *Orchestrator) Run(ctx context.Context, p *pipeline.Pipeline, in source.Input) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	runID := event.NewRunID()
	store, err := eventlog.Open(o.cfg.RunsDir(), runID)
	if err != nil {
		return nil, err
	}

	contentID, err := o.catalog.Ingest(in.Canonical, in.Title, in.Kind, nil)
	if err != nil {
		return nil, fmt.Errorf("ingesting source: %w", err)
	}

	if _, err := store.StoreArtifact(inputArtifact, in.Text); err != nil {
		return nil, err
	}

	started := event.New(event.RunStarted, runID).WithMessage(in.Title)
	started.Pipeline = p.Name
	started.Input = in.Canonical
	if err := store.Append(started); err != nil {
		return nil, err
	}

	o.logger.Info("run started", "run_id", runID, "pipeline", p.Name, "content_id", contentID)
	return o.execute(ctx, store, p, runID, contentID, in.Path, 0)
}

// Resume re-enters a failed or interrupted run at its first unfinished step.
// Completed steps are never re-executed; their recorded artifacts feed the
// remaining steps exactly as the original outputs did.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Result, error) {
	run, err := eventlog.ReplayRun(o.cfg.RunsDir(), runID)
	if err != nil {
		return nil, err
	}
	if run.State == event.RunDone {
		return nil, fmt.Errorf("run %s already completed", runID)
	}

	p, err := pipeline.Find(o.cfg.PipelinesDir(), run.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", runID, err)
	}

	store, err := eventlog.Open(o.cfg.RunsDir(), runID)
	if err != nil {
		return nil, err
	}

	contentID, err := o.catalog.Ingest(run.Input, "", "", nil)
	if err != nil {
		return nil, fmt.Errorf("ingesting source: %w", err)
	}

	start := run.FirstUnfinishedStep(p.StepNames())
	if start >= len(p.Steps) {
		// Every step completed but the run never got its terminal event.
		// Finish the bookkeeping instead of re-executing anything.
		return o.complete(store, p, runID, contentID, len(p.Steps), 0)
	}

	o.logger.Info("run resumed", "run_id", runID, "pipeline", p.Name,
		"step", p.Steps[start].Name, "skipped", start)
	return o.execute(ctx, store, p, runID, contentID, "", start)
}

// execute runs steps from index start onward and finalizes the run.
func (o *Orchestrator) execute(ctx context.Context, store *eventlog.Store, p *pipeline.Pipeline, runID string, contentID catalog.ContentID, sourcePath string, start int) (*Result, error) {
	limits := p.Safety.Merge(o.cfg.SafetyLimits()).Merge(safety.Defaults())
	tracker := safety.NewTracker()
	evidenceCount := 0

	if len(p.Steps) > limits.MaxSteps {
		v := &safety.Violation{
			Limit:  "max_steps",
			Detail: fmt.Sprintf("pipeline has %d steps, limit is %d", len(p.Steps), limits.MaxSteps),
		}
		return nil, o.failSafety(store, runID, v)
	}

	for i := start; i < len(p.Steps); i++ {
		step := p.Steps[i]

		if err := limits.Check(tracker); err != nil {
			var v *safety.Violation
			if errors.As(err, &v) {
				return nil, o.failSafety(store, runID, v)
			}
			return nil, err
		}

		input, err := o.stepInput(store, step)
		if err != nil {
			return nil, o.failRun(store, runID, step.Name, err)
		}

		// Only the first step can consume a denylisted local file.
		path := ""
		if step.InputFrom.Kind == "" || step.InputFrom.Kind == pipeline.SourcePipelineInput {
			path = sourcePath
		}
		if err := limits.ValidateInput(input, path); err != nil {
			var v *safety.Violation
			if errors.As(err, &v) {
				return nil, o.failSafety(store, runID, v)
			}
			return nil, err
		}

		output, err := o.executeStep(ctx, store, step, limits, runID, input)
		if err != nil {
			var v *safety.Violation
			if errors.As(err, &v) {
				return nil, o.failSafety(store, runID, v)
			}
			return nil, o.failRun(store, runID, step.Name, err)
		}

		if _, err := store.StoreArtifact(step.Name, output); err != nil {
			return nil, o.failRun(store, runID, step.Name, err)
		}
		tracker.RecordStep(int64(len(input)), int64(len(output)))

		if step.ExtractEvidence {
			n, err := o.resolveEvidence(store, step, contentID, output)
			if err != nil {
				return nil, o.failRun(store, runID, step.Name, err)
			}
			evidenceCount += n
		}
	}

	return o.complete(store, p, runID, contentID, len(p.Steps)-start, evidenceCount)
}

// executeStep invokes the step's adapter with retries and per-attempt
// timeout, recording every transition.
func (o *Orchestrator) executeStep(ctx context.Context, store *eventlog.Store, step pipeline.Step, limits safety.Limits, runID, input string) (string, error) {
	ad := o.newAdapter(step)

	for attempt := 1; ; attempt++ {
		e := event.New(event.StepStarted, runID).WithStep(step.Name)
		if attempt > 1 {
			e = e.WithAttempt(attempt)
		}
		if err := store.Append(e); err != nil {
			return "", err
		}

		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout(limits))
		begin := time.Now()
		output, err := ad.Execute(stepCtx, step.Action, input)
		cancel()
		elapsed := time.Since(begin)

		if err == nil {
			if verr := limits.ValidateOutput(output); verr != nil {
				return "", verr
			}
			done := event.New(event.StepCompleted, runID).WithStep(step.Name).WithDuration(elapsed)
			if err := store.Append(done); err != nil {
				return "", err
			}
			o.logger.Info("step completed", "run_id", runID, "step", step.Name,
				"duration", elapsed.Round(time.Millisecond), "bytes", len(output))
			return output, nil
		}

		failed := event.New(event.StepFailed, runID).WithStep(step.Name).WithAttempt(attempt).WithError(err).WithDuration(elapsed)
		if aerr := store.Append(failed); aerr != nil {
			return "", aerr
		}
		o.logger.Warn("step failed", "run_id", runID, "step", step.Name, "attempt", attempt, "error", err)

		if !step.Retry.ShouldRetry(attempt) {
			return "", err
		}
		delay := step.Retry.Delay(attempt)
		retrying := event.New(event.StepRetrying, runID).WithStep(step.Name).WithAttempt(attempt + 1).
			WithMessage(fmt.Sprintf("retrying in %s", delay))
		if err := store.Append(retrying); err != nil {
			return "", err
		}

		if err := o.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

// waitBackoff blocks for d or until ctx is cancelled, whichever comes first,
// so a cancelled run never sits out a long retry delay.
func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stepInput resolves where a step's input comes from.
func (o *Orchestrator) stepInput(store *eventlog.Store, step pipeline.Step) (string, error) {
	in := step.InputFrom
	switch in.Kind {
	case "", pipeline.SourcePipelineInput:
		text, ok, err := store.LoadArtifact(inputArtifact)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("run has no recorded input")
		}
		return text, nil
	case pipeline.SourcePreviousStep:
		text, ok, err := store.LoadArtifact(in.Ref)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("step %q has no artifact for %q", step.Name, in.Ref)
		}
		return text, nil
	case pipeline.SourceArtifact:
		text, ok, err := store.LoadArtifact(in.Ref)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("artifact %q not found", in.Ref)
		}
		return text, nil
	case pipeline.SourceStatic:
		return in.Static, nil
	default:
		return "", fmt.Errorf("unknown input source %q", in.Kind)
	}
}

// resolveEvidence treats the step output as extractor claims and grounds
// them against the artifact named by grounds_against. Unresolved claims are
// recorded, not errors.
func (o *Orchestrator) resolveEvidence(store *eventlog.Store, step pipeline.Step, contentID catalog.ContentID, output string) (int, error) {
	claims, err := evidence.ParseClaims([]byte(output))
	if err != nil {
		return 0, fmt.Errorf("step %q: %w", step.Name, err)
	}

	grounds, ok, err := store.LoadArtifact(step.GroundsAgainst)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("step %q: grounding artifact %q missing", step.Name, step.GroundsAgainst)
	}

	records := evidence.Resolve(string(contentID), step.GroundsAgainst+".md", grounds, step.Name, claims)
	dir := o.catalog.ContentDir(contentID)

	// The grounding artifact is promoted now rather than at run completion,
	// so the spans stay verifiable even if a later step fails first.
	grounding := filepath.Join(dir, step.GroundsAgainst+".md")
	if err := os.WriteFile(grounding, []byte(grounds), 0o644); err != nil {
		return 0, fmt.Errorf("promoting grounding artifact %s: %w", grounding, err)
	}

	written, err := evidence.OpenLog(dir).AppendNew(records)
	if err != nil {
		return 0, err
	}
	o.logger.Info("evidence resolved", "content_id", contentID,
		"claims", len(claims), "appended", written)
	return len(records), nil
}

// complete promotes artifacts into the content folder, captures their
// digests for the validation fast path, and writes the terminal event.
func (o *Orchestrator) complete(store *eventlog.Store, p *pipeline.Pipeline, runID string, contentID catalog.ContentID, steps, evidenceCount int) (*Result, error) {
	dir := o.catalog.ContentDir(contentID)
	digests, err := promoteArtifacts(store, dir)
	if err != nil {
		return nil, o.failRun(store, runID, "", err)
	}

	meta, err := catalog.LoadMetadata(dir)
	if err != nil {
		return nil, o.failRun(store, runID, "", err)
	}
	meta.ContentID = contentID
	meta.Pipeline = p.Name
	meta.RunID = runID
	if meta.IngestedAt.IsZero() {
		meta.IngestedAt = time.Now().UTC()
	}
	if meta.ArtifactDigests == nil {
		meta.ArtifactDigests = make(map[string]string)
	}
	for name, digest := range digests {
		meta.ArtifactDigests[name] = digest
	}
	if err := catalog.SaveMetadata(dir, meta); err != nil {
		return nil, o.failRun(store, runID, "", err)
	}

	if entry, _, ok, err := o.catalog.Lookup(string(contentID)); err == nil && ok {
		entry.RunID = runID
		entry.Artifacts = sortedKeys(digests)
		if err := o.catalog.Update(entry); err != nil {
			return nil, o.failRun(store, runID, "", err)
		}
	}

	if err := store.Append(event.New(event.RunCompleted, runID)); err != nil {
		return nil, err
	}
	o.logger.Info("run completed", "run_id", runID, "content_id", contentID, "steps", steps)

	return &Result{
		RunID:      runID,
		ContentID:  contentID,
		Steps:      steps,
		Evidence:   evidenceCount,
		ContentDir: dir,
	}, nil
}

func (o *Orchestrator) failRun(store *eventlog.Store, runID, step string, cause error) error {
	e := event.New(event.RunFailed, runID).WithError(cause)
	if step != "" {
		e = e.WithStep(step)
	}
	if aerr := store.Append(e); aerr != nil {
		return fmt.Errorf("recording run failure: %w (original: %v)", aerr, cause)
	}
	return &ResumableError{RunID: runID, Step: step, Err: cause}
}

func (o *Orchestrator) failSafety(store *eventlog.Store, runID string, v *safety.Violation) error {
	e := event.New(event.SafetyLimitReached, runID).WithError(v).WithMessage(v.Limit)
	if aerr := store.Append(e); aerr != nil {
		return fmt.Errorf("recording safety violation: %w (original: %v)", aerr, v)
	}
	return fmt.Errorf("run %s aborted: %w", runID, v)
}
