package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"attest/internal/eventlog"
	"attest/internal/hashing"
)

// promoteArtifacts copies every run artifact into the content folder and
// returns the whole-file digests of the promoted copies. The digests are
// what evidence validation later compares against, so they are computed
// from the bytes actually written.
func promoteArtifacts(store *eventlog.Store, contentDir string) (map[string]string, error) {
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating content directory: %w", err)
	}

	names, err := store.ListArtifacts()
	if err != nil {
		return nil, err
	}

	digests := make(map[string]string, len(names))
	for _, name := range names {
		content, ok, err := store.LoadArtifact(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		fileName := name + ".md"
		data := []byte(content)
		if err := os.WriteFile(filepath.Join(contentDir, fileName), data, 0o644); err != nil {
			return nil, fmt.Errorf("promoting artifact %s: %w", fileName, err)
		}
		digests[fileName] = hashing.Digest(data)
	}
	return digests, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
