package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"attest/internal/catalog"
	"attest/internal/config"
	"attest/internal/evidence"
	"attest/internal/index"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Inspect and validate grounded evidence",
}

var evidenceShowCmd = &cobra.Command{
	Use:   "show <evidence_id>",
	Short: "Show an evidence record with its claim, status, and snippet",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rec, dir, err := findEvidence(cfg, args[0])
		if err != nil {
			return err
		}

		printStatus("id", "%s", rec.ID)
		printStatus("content", "%s", rec.ContentID)
		printStatus("claim", "%s", rec.Claim)
		printStatus("quote", "%q", rec.Quote)
		printStatus("status", "%s", rec.Status)
		printStatus("extractor", "%s", rec.Extractor)
		if rec.Resolution.Reason != "" {
			printStatus("reason", "%s", rec.Resolution.Reason)
		}
		if rec.Resolution.MatchCount > 1 {
			printWarning("quote occurs %d times; span points at the first occurrence", rec.Resolution.MatchCount)
		}
		if rec.Span == nil {
			return nil
		}

		text, err := os.ReadFile(filepath.Join(dir, rec.Span.Artifact))
		if err != nil {
			return fmt.Errorf("reading artifact: %w", err)
		}
		line, col := evidence.OffsetToLineCol(string(text), rec.Span.Start())
		printStatus("location", "%s:%d:%d (bytes %d-%d)",
			rec.Span.Artifact, line, col, rec.Span.Start(), rec.Span.End())
		if rec.Span.Timestamp != "" {
			printStatus("timestamp", "%s", rec.Span.Timestamp)
		}
		if rec.Span.End() <= len(text) {
			printStep("%s", rec.Span.AnchorText)
		} else {
			printWarning("span extends past the current artifact; content has drifted")
		}
		return nil
	},
}

var evidenceOpenCmd = &cobra.Command{
	Use:   "open <evidence_id>",
	Short: "Open the artifact in your editor at the evidence span",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rec, dir, err := findEvidence(cfg, args[0])
		if err != nil {
			return err
		}
		if rec.Span == nil {
			return fmt.Errorf("evidence %s is unresolved; there is no span to open", rec.ID)
		}

		path := filepath.Join(dir, rec.Span.Artifact)
		text, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading artifact: %w", err)
		}
		line, col := evidence.OffsetToLineCol(string(text), rec.Span.Start())

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		var c *exec.Cmd
		if strings.Contains(editor, "code") {
			c = exec.Command(editor, "-g", fmt.Sprintf("%s:%d:%d", path, line, col))
		} else {
			c = exec.Command(editor, fmt.Sprintf("+%d", line), path)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	},
}

var evidenceValidateCmd = &cobra.Command{
	Use:   "validate <content_id>",
	Short: "Reconcile evidence against the current artifact bytes",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cat := catalog.Open(cfg.CatalogPath(), cfg.Library)
		entry, dir, ok, err := cat.Lookup(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("content %s not found", args[0])
		}

		meta, err := catalog.LoadMetadata(dir)
		if err != nil {
			return err
		}
		report, err := evidence.Validate(dir, string(entry.ID), meta.ArtifactDigests)
		if err != nil {
			return err
		}

		path := "slow (per-span rehash)"
		if report.FastPath {
			path = "fast (whole-file digest)"
		}
		printStatus("path", "%s", path)
		printStatus("valid", "%d", report.Valid)
		printStatus("stale", "%d", report.Stale)
		printStatus("unresolved", "%d", report.Unresolved)
		for _, id := range report.StaleIDs {
			printWarning("stale: %s", id)
		}
		if report.Stale > 0 {
			printWarning("content has drifted since evidence was recorded")
		} else {
			printSuccess("all resolved evidence still matches the artifact bytes")
		}
		return nil
	},
}

// findEvidence resolves an evidence ID (or prefix) to its record and content
// folder. The derived index answers first; if it is missing or stale, every
// content folder's evidence log is scanned instead.
func findEvidence(cfg config.Config, id string) (evidence.Evidence, string, error) {
	cat := catalog.Open(cfg.CatalogPath(), cfg.Library)

	if idx, err := index.Open(cfg.IndexPath()); err == nil {
		contentID, ok, err := idx.LocateEvidence(id)
		idx.Close()
		if err == nil && ok {
			_, dir, found, err := cat.Lookup(contentID)
			if err == nil && found {
				if rec, hit, err := evidence.OpenLog(dir).Find(id); err == nil && hit {
					return rec, dir, nil
				}
			}
		}
	}

	entries, err := os.ReadDir(cfg.Library)
	if err != nil {
		if os.IsNotExist(err) {
			return evidence.Evidence{}, "", fmt.Errorf("evidence %s not found", id)
		}
		return evidence.Evidence{}, "", fmt.Errorf("reading library: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(cfg.Library, entry.Name())
		rec, ok, err := evidence.OpenLog(dir).Find(id)
		if err != nil {
			return evidence.Evidence{}, "", err
		}
		if ok {
			return rec, dir, nil
		}
	}
	return evidence.Evidence{}, "", fmt.Errorf("evidence %s not found", id)
}

func init() {
	evidenceCmd.AddCommand(evidenceShowCmd)
	evidenceCmd.AddCommand(evidenceOpenCmd)
	evidenceCmd.AddCommand(evidenceValidateCmd)
}
