package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetadataFileName is the per-content metadata file inside a content folder.
const MetadataFileName = "metadata.json"

// Metadata describes one content item and carries the whole-file digests
// captured when artifacts were promoted into the folder. Evidence
// validation uses those digests as its fast path: an unchanged digest means
// every span into that artifact is still valid.
type Metadata struct {
	ContentID       ContentID         `json:"content_id"`
	Source          string            `json:"source"`
	Title           string            `json:"title,omitempty"`
	Pipeline        string            `json:"pipeline,omitempty"`
	RunID           string            `json:"run_id,omitempty"`
	IngestedAt      time.Time         `json:"ingested_at"`
	ArtifactDigests map[string]string `json:"artifact_digests,omitempty"`
}

// LoadMetadata reads the metadata file from a content folder. A missing
// file yields an empty record, not an error, so validation can still run
// its slow path.
func LoadMetadata(contentDir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(contentDir, MetadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, nil
		}
		return Metadata{}, fmt.Errorf("reading content metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("parsing content metadata: %w", err)
	}
	return m, nil
}

// SaveMetadata atomically replaces the metadata file.
func SaveMetadata(contentDir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing content metadata: %w", err)
	}

	tmp, err := os.CreateTemp(contentDir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("creating temp metadata: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(contentDir, MetadataFileName)); err != nil {
		return fmt.Errorf("replacing content metadata: %w", err)
	}
	return nil
}
