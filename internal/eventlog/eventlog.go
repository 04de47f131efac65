// Package eventlog persists run events as append-only JSONL files, one file
// per run, and owns the run directory layout including step artifacts.
//
// The log file is the only source of truth for what happened during a run.
// Writers append whole lines under an exclusive advisory lock; the file is
// never read-modify-written.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"attest/internal/event"
)

// ErrRunNotFound is returned when a run directory or its log does not exist.
var ErrRunNotFound = errors.New("run not found")

// Store is the event log for a single run.
type Store struct {
	runDir       string
	eventsPath   string
	artifactsDir string
}

// Open creates or opens the event store for runID under runsDir.
func Open(runsDir, runID string) (*Store, error) {
	runDir := filepath.Join(runsDir, runID)
	artifactsDir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	return &Store{
		runDir:       runDir,
		eventsPath:   filepath.Join(runDir, "events.jsonl"),
		artifactsDir: artifactsDir,
	}, nil
}

// EventsPath returns the path of the events.jsonl file.
func (s *Store) EventsPath() string { return s.eventsPath }

// RunDir returns the run directory.
func (s *Store) RunDir() string { return s.runDir }

// Append serializes the event as one JSON line and appends it under an
// exclusive file lock. The write is flushed and synced before the lock is
// released, so a crash never leaves a partially visible record followed by
// a complete one.
func (s *Store) Append(e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("serializing event: %w", err)
	}
	return appendLine(s.eventsPath, data)
}

// Replay reads all events in append order. A trailing line that fails to
// parse is treated as the point the run stopped: replay returns what was
// read so far instead of failing. A corrupt line in the middle of the file
// is an integrity error and is reported.
func (s *Store) Replay() ([]event.Event, error) {
	f, err := os.Open(s.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening events file: %w", err)
	}
	defer f.Close()

	var events []event.Event
	var corruptAt int

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e event.Event
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			if corruptAt != 0 {
				return nil, fmt.Errorf("corrupt event at line %d: %w", corruptAt, err)
			}
			corruptAt = line
			continue
		}
		if corruptAt != 0 {
			// A parseable line after a corrupt one means mid-file damage.
			return nil, fmt.Errorf("corrupt event at line %d (log damaged mid-file)", corruptAt)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading events file: %w", err)
	}
	if corruptAt != 0 {
		slog.Warn("ignoring partial trailing event line", "path", s.eventsPath, "line", corruptAt)
	}
	return events, nil
}

// AppendLine appends one raw JSONL record to an arbitrary log file under the
// same locking discipline as event appends. Other append-only logs (the
// evidence log) share this primitive.
func AppendLine(path string, data []byte) error {
	return appendLine(path, data)
}

// StoreArtifact writes a step's output under artifacts/<step>.md.
func (s *Store) StoreArtifact(step, content string) (string, error) {
	path := filepath.Join(s.artifactsDir, step+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", path, err)
	}
	return path, nil
}

// LoadArtifact reads a step's stored output. Returns ok=false when the step
// has no artifact on disk.
func (s *Store) LoadArtifact(step string) (string, bool, error) {
	path := filepath.Join(s.artifactsDir, step+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading artifact %s: %w", path, err)
	}
	return string(data), true, nil
}

// ListArtifacts returns the step names that have stored artifacts.
func (s *Store) ListArtifacts() ([]string, error) {
	entries, err := os.ReadDir(s.artifactsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if n, ok := strings.CutSuffix(e.Name(), ".md"); ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListRuns returns the run IDs present under runsDir, unordered.
func ListRuns(runsDir string) ([]string, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading runs directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ReplayRun is a convenience that opens a run read-only and replays it.
func ReplayRun(runsDir, runID string) (*event.Run, error) {
	eventsPath := filepath.Join(runsDir, runID, "events.jsonl")
	if _, err := os.Stat(eventsPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	s := &Store{
		runDir:       filepath.Join(runsDir, runID),
		eventsPath:   eventsPath,
		artifactsDir: filepath.Join(runsDir, runID, "artifacts"),
	}
	events, err := s.Replay()
	if err != nil {
		return nil, err
	}
	run := event.Replay(events)
	if run == nil {
		return nil, fmt.Errorf("%w: %s has no events", ErrRunNotFound, runID)
	}
	return run, nil
}
