// Package catalog maintains the content-addressed library: a deterministic
// mapping from canonical source identifiers to storage folders, plus a small
// JSON index for browsing.
//
// The index file is shared across processes. It is only ever replaced
// atomically (write-temp-then-rename): last writer wins, and readers always
// see a consistent snapshot. There is no cross-process lock by design.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"attest/internal/hashing"
)

// ContentID is a truncated hash of a canonical source identifier.
// Identical sources always map to the same ID, which makes re-ingestion
// idempotent rather than duplicative.
type ContentID string

// NewContentID derives the ID for a canonical source string.
func NewContentID(source string) ContentID {
	return ContentID(hashing.ShortID([]byte(source)))
}

// Entry is one item in the catalog index.
type Entry struct {
	ID            ContentID `json:"id"`
	Source        string    `json:"source"`
	Title         string    `json:"title,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	FirstIngested time.Time `json:"first_ingested"`
	LastSeen      time.Time `json:"last_seen"`
	RunID         string    `json:"run_id,omitempty"`
	Artifacts     []string  `json:"artifacts,omitempty"`
}

type index struct {
	Version int     `json:"version"`
	Items   []Entry `json:"items"`
}

// Catalog binds the index file to the library directory holding per-content
// folders.
type Catalog struct {
	indexPath  string
	libraryDir string
}

// Open returns a catalog over the given index file and library directory.
func Open(indexPath, libraryDir string) *Catalog {
	return &Catalog{indexPath: indexPath, libraryDir: libraryDir}
}

// ContentDir returns the storage folder for a content ID.
func (c *Catalog) ContentDir(id ContentID) string {
	return filepath.Join(c.libraryDir, string(id))
}

// Ingest computes the content ID for source, creates its storage folder if
// absent, and upserts the index entry. Calling it again with the same source
// returns the same ID; the only side effect is a refreshed last-seen stamp.
func (c *Catalog) Ingest(source, title, kind string, tags []string) (ContentID, error) {
	id := NewContentID(source)

	dir := c.ContentDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating content directory: %w", err)
	}

	idx, err := c.load()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	found := false
	for i := range idx.Items {
		if idx.Items[i].ID == id {
			idx.Items[i].LastSeen = now
			if title != "" {
				idx.Items[i].Title = title
			}
			if len(tags) > 0 {
				idx.Items[i].Tags = mergeTags(idx.Items[i].Tags, tags)
			}
			found = true
			break
		}
	}
	if !found {
		idx.Items = append(idx.Items, Entry{
			ID:            id,
			Source:        source,
			Title:         title,
			Kind:          kind,
			Tags:          tags,
			FirstIngested: now,
			LastSeen:      now,
		})
	}

	if err := c.save(idx); err != nil {
		return "", err
	}
	return id, nil
}

// Lookup returns the entry and storage folder for an ID, or ok=false.
// ID prefixes of at least 4 characters are accepted when unambiguous.
func (c *Catalog) Lookup(id string) (Entry, string, bool, error) {
	idx, err := c.load()
	if err != nil {
		return Entry{}, "", false, err
	}

	var match *Entry
	for i := range idx.Items {
		if string(idx.Items[i].ID) == id {
			match = &idx.Items[i]
			break
		}
	}
	if match == nil && len(id) >= 4 {
		for i := range idx.Items {
			if strings.HasPrefix(string(idx.Items[i].ID), id) {
				if match != nil {
					return Entry{}, "", false, fmt.Errorf("content ID prefix %q is ambiguous", id)
				}
				match = &idx.Items[i]
			}
		}
	}
	if match == nil {
		return Entry{}, "", false, nil
	}
	return *match, c.ContentDir(match.ID), true, nil
}

// Update rewrites an existing entry (matched by ID) and saves the index.
func (c *Catalog) Update(e Entry) error {
	idx, err := c.load()
	if err != nil {
		return err
	}
	for i := range idx.Items {
		if idx.Items[i].ID == e.ID {
			idx.Items[i] = e
			return c.save(idx)
		}
	}
	return fmt.Errorf("content %s not in catalog", e.ID)
}

// List returns entries sorted most-recently-seen first, truncated to limit
// when limit > 0.
func (c *Catalog) List(limit int) ([]Entry, error) {
	idx, err := c.load()
	if err != nil {
		return nil, err
	}
	items := append([]Entry(nil), idx.Items...)
	sort.Slice(items, func(i, j int) bool {
		return items[i].LastSeen.After(items[j].LastSeen)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Search returns entries whose title, source, or tags contain the query,
// case-insensitively.
func (c *Catalog) Search(query string) ([]Entry, error) {
	idx, err := c.load()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []Entry
	for _, e := range idx.Items {
		if strings.Contains(strings.ToLower(e.Title), q) ||
			strings.Contains(strings.ToLower(e.Source), q) ||
			tagsContain(e.Tags, q) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *Catalog) load() (index, error) {
	data, err := os.ReadFile(c.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return index{Version: 1}, nil
		}
		return index{}, fmt.Errorf("reading catalog index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return index{}, fmt.Errorf("parsing catalog index: %w", err)
	}
	return idx, nil
}

// save replaces the index atomically. The temp file lives in the same
// directory so the rename never crosses filesystems.
func (c *Catalog) save(idx index) error {
	if err := os.MkdirAll(filepath.Dir(c.indexPath), 0o755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing catalog index: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.indexPath), ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("creating temp index: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, c.indexPath); err != nil {
		return fmt.Errorf("replacing catalog index: %w", err)
	}
	return nil
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range incoming {
		if !seen[t] {
			existing = append(existing, t)
			seen[t] = true
		}
	}
	return existing
}

func tagsContain(tags []string, q string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}
