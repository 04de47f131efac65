package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"attest/internal/eventlog"
	"attest/internal/hashing"
)

// Report summarizes one validation pass over a content item's evidence log.
type Report struct {
	ContentID  string   `json:"content_id"`
	Valid      int      `json:"valid_count"`
	Stale      int      `json:"stale_count"`
	Unresolved int      `json:"unresolved_count"`
	StaleIDs   []string `json:"stale_ids,omitempty"`
	FastPath   bool     `json:"fast_path"`
}

// auditFileName is the per-content audit trail, separate from the evidence
// records themselves so validation never rewrites them.
const auditFileName = "events.jsonl"

type auditEvent struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	ContentID  string    `json:"content_id"`
	Valid      int       `json:"valid_count"`
	Stale      int       `json:"stale_count"`
	Unresolved int       `json:"unresolved_count"`
}

// Validate reconciles every evidence record in contentDir against the
// current artifact bytes.
//
// Fast path: when an artifact's current whole-file digest equals the digest
// recorded at creation time (artifactDigests, from the content metadata),
// every span into it is valid with no per-span work. Slow path: the digests
// differ, so each span's slice hash is recomputed against the live bytes;
// spans whose hash still matches are valid, the rest are stale. Stale is
// reported, never repaired, and a span that now falls outside the file is
// stale too. Both paths append one audit event.
func Validate(contentDir, contentID string, artifactDigests map[string]string) (Report, error) {
	records, err := OpenLog(contentDir).Load()
	if err != nil {
		return Report{}, err
	}

	report := Report{ContentID: contentID, FastPath: true}
	byArtifact := make(map[string][]*Evidence)
	for i := range records {
		e := &records[i]
		if e.Span == nil {
			report.Unresolved++
			continue
		}
		byArtifact[e.Span.Artifact] = append(byArtifact[e.Span.Artifact], e)
	}

	var mu sync.Mutex
	markStale := func(id string) {
		mu.Lock()
		report.Stale++
		report.StaleIDs = append(report.StaleIDs, id)
		mu.Unlock()
	}
	markValid := func() {
		mu.Lock()
		report.Valid++
		mu.Unlock()
	}

	for artifact, spans := range byArtifact {
		data, err := os.ReadFile(filepath.Join(contentDir, artifact))
		if err != nil {
			if os.IsNotExist(err) {
				// A vanished artifact drifts every span into it.
				for _, e := range spans {
					markStale(e.ID)
				}
				report.FastPath = false
				continue
			}
			return Report{}, fmt.Errorf("reading artifact %s: %w", artifact, err)
		}

		if recorded, ok := artifactDigests[artifact]; ok && recorded == hashing.Digest(data) {
			for range spans {
				markValid()
			}
			continue
		}
		report.FastPath = false

		g := new(errgroup.Group)
		g.SetLimit(runtime.NumCPU())
		for _, e := range spans {
			g.Go(func() error {
				start, end := e.Span.Start(), e.Span.End()
				if start < 0 || end > len(data) || start > end {
					markStale(e.ID)
					return nil
				}
				if hashing.Digest(data[start:end]) == e.Span.SliceSHA256 {
					markValid()
				} else {
					markStale(e.ID)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Report{}, err
		}
	}

	if err := appendAudit(contentDir, report); err != nil {
		return Report{}, err
	}
	return report, nil
}

func appendAudit(contentDir string, r Report) error {
	data, err := json.Marshal(auditEvent{
		Type:       "evidence_validated",
		Timestamp:  time.Now().UTC(),
		ContentID:  r.ContentID,
		Valid:      r.Valid,
		Stale:      r.Stale,
		Unresolved: r.Unresolved,
	})
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if err := eventlog.AppendLine(filepath.Join(contentDir, auditFileName), data); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}
