package evidence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"attest/internal/eventlog"
)

// LogFileName is the per-content evidence log inside a content folder.
const LogFileName = "evidence.jsonl"

// Log is the append-only evidence record file for one content item. Every
// record is a single JSON line; appends go through the same locked
// write-then-sync discipline as the run event log.
type Log struct {
	path string
}

// OpenLog binds the evidence log inside a content folder.
func OpenLog(contentDir string) *Log {
	return &Log{path: filepath.Join(contentDir, LogFileName)}
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append writes one record.
func (l *Log) Append(e Evidence) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("serializing evidence %s: %w", e.ID, err)
	}
	if err := eventlog.AppendLine(l.path, data); err != nil {
		return fmt.Errorf("appending evidence %s: %w", e.ID, err)
	}
	return nil
}

// AppendNew writes only the records whose IDs are not already in the log,
// preserving input order. IDs are deterministic, so re-running an extraction
// against unchanged content appends nothing. Returns how many were written.
func (l *Log) AppendNew(records []Evidence) (int, error) {
	existing, err := l.Load()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e.ID] = true
	}

	written := 0
	for _, e := range records {
		if seen[e.ID] {
			continue
		}
		if err := l.Append(e); err != nil {
			return written, err
		}
		seen[e.ID] = true
		written++
	}
	return written, nil
}

// Load reads every record in append order. A missing file is an empty log.
// A corrupt final line is tolerated (an interrupted writer stopped there);
// corruption anywhere else fails the load.
func (l *Log) Load() ([]Evidence, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening evidence log: %w", err)
	}
	defer f.Close()

	var records []Evidence
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pendingErr error
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if pendingErr != nil {
			return nil, fmt.Errorf("corrupt evidence record mid-log: %w", pendingErr)
		}
		var e Evidence
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			pendingErr = err
			continue
		}
		records = append(records, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading evidence log: %w", err)
	}
	if pendingErr != nil {
		slog.Warn("ignoring corrupt trailing evidence record", "path", l.path, "error", pendingErr)
	}
	return records, nil
}

// Find returns the record whose ID matches exactly, or by unambiguous
// prefix of at least 4 characters.
func (l *Log) Find(id string) (Evidence, bool, error) {
	records, err := l.Load()
	if err != nil {
		return Evidence{}, false, err
	}
	for _, e := range records {
		if e.ID == id {
			return e, true, nil
		}
	}
	if len(id) >= 4 {
		var match *Evidence
		for i := range records {
			if strings.HasPrefix(records[i].ID, id) {
				if match != nil {
					return Evidence{}, false, fmt.Errorf("evidence ID prefix %q is ambiguous", id)
				}
				match = &records[i]
			}
		}
		if match != nil {
			return *match, true, nil
		}
	}
	return Evidence{}, false, nil
}
