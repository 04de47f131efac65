package eventlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"attest/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "run-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestAppendReplayRoundtrip(t *testing.T) {
	s := openTestStore(t)

	events := []event.Event{
		event.New(event.RunStarted, "run-1").WithMessage("start"),
		event.New(event.StepStarted, "run-1").WithStep("fetch"),
		event.New(event.StepCompleted, "run-1").WithStep("fetch"),
	}
	for _, e := range events {
		if err := s.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("replayed %d events, want %d", len(got), len(events))
	}
	for i := range events {
		if got[i].Type != events[i].Type || got[i].Step != events[i].Step {
			t.Errorf("event %d = %+v, want %+v", i, got[i], events[i])
		}
	}
}

func TestReplayMissingFile(t *testing.T) {
	s := openTestStore(t)
	events, err := s.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if events != nil {
		t.Errorf("expected no events, got %d", len(events))
	}
}

// A partial trailing line is where an interrupted writer stopped; replay
// returns the complete prefix.
func TestReplayToleratesTruncatedTail(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append(event.New(event.RunStarted, "run-1")); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(s.EventsPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"step_st`)
	f.Close()

	events, err := s.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("replayed %d events, want 1", len(events))
	}
}

func TestReplayRejectsMidFileCorruption(t *testing.T) {
	s := openTestStore(t)
	content := `{"type":"run_started","run_id":"run-1"}
garbage line
{"type":"run_completed","run_id":"run-1"}
`
	if err := os.WriteFile(s.EventsPath(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Replay(); err == nil {
		t.Error("expected an error for mid-file corruption")
	}
}

// Concurrent appenders must never interleave partial lines.
func TestConcurrentAppends(t *testing.T) {
	s := openTestStore(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				e := event.New(event.StepCompleted, "run-1").
					WithStep(fmt.Sprintf("w%d-%d", w, i))
				if err := s.Append(e); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	events, err := s.Replay()
	if err != nil {
		t.Fatalf("Replay after concurrent writes: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Errorf("replayed %d events, want %d", len(events), writers*perWriter)
	}
}

func TestArtifactRoundtrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.StoreArtifact("fetch", "fetched content"); err != nil {
		t.Fatalf("StoreArtifact: %v", err)
	}

	content, ok, err := s.LoadArtifact("fetch")
	if err != nil {
		t.Fatalf("LoadArtifact: %v", err)
	}
	if !ok || content != "fetched content" {
		t.Errorf("LoadArtifact = %q/%v", content, ok)
	}

	if _, ok, _ := s.LoadArtifact("missing"); ok {
		t.Error("unexpected artifact for unknown step")
	}

	names, err := s.ListArtifacts()
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(names) != 1 || names[0] != "fetch" {
		t.Errorf("artifacts = %v, want [fetch]", names)
	}
}

func TestListRunsAndReplayRun(t *testing.T) {
	runsDir := t.TempDir()

	for _, id := range []string{"run-a", "run-b"} {
		s, err := Open(runsDir, id)
		if err != nil {
			t.Fatal(err)
		}
		e := event.New(event.RunStarted, id)
		e.Pipeline = "p"
		if err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := ListRuns(runsDir)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("runs = %v, want 2 entries", ids)
	}

	run, err := ReplayRun(runsDir, "run-a")
	if err != nil {
		t.Fatalf("ReplayRun: %v", err)
	}
	if run.ID != "run-a" || run.Pipeline != "p" {
		t.Errorf("run = %+v", run)
	}

	_, err = ReplayRun(runsDir, "no-such-run")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}

	// Pathological subdirectory without events resolves to not found too.
	if err := os.MkdirAll(filepath.Join(runsDir, "empty-run"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := ReplayRun(runsDir, "empty-run"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("empty run error = %v, want ErrRunNotFound", err)
	}
}
