package index

import (
	"fmt"
	"os"
	"path/filepath"

	"attest/internal/eventlog"
	"attest/internal/evidence"
)

// Rebuild wipes the derived tables and reconstructs them by scanning the
// run directories and every content folder's evidence log. Runs whose logs
// fail to replay are skipped; a rebuild should recover as much as possible,
// not die on the first damaged run.
func (x *Index) Rebuild(runsDir, libraryDir string) (runs, records int, err error) {
	if err := x.Clear(); err != nil {
		return 0, 0, err
	}

	ids, err := eventlog.ListRuns(runsDir)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		run, err := eventlog.ReplayRun(runsDir, id)
		if err != nil {
			continue
		}
		if err := x.UpsertRun(run); err != nil {
			return runs, records, err
		}
		runs++
	}

	entries, err := os.ReadDir(libraryDir)
	if err != nil {
		if os.IsNotExist(err) {
			return runs, 0, nil
		}
		return runs, 0, fmt.Errorf("reading library directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		recs, err := evidence.OpenLog(filepath.Join(libraryDir, entry.Name())).Load()
		if err != nil {
			continue
		}
		if len(recs) == 0 {
			continue
		}
		if err := x.UpsertEvidence(recs); err != nil {
			return runs, records, err
		}
		records += len(recs)
	}
	return runs, records, nil
}
