package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"attest/internal/catalog"
	"attest/internal/config"
	"attest/internal/event"
	"attest/internal/eventlog"
	"attest/internal/evidence"
	"attest/internal/index"
	"attest/internal/orchestrator"
	"attest/internal/pipeline"
	"attest/internal/source"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <pipeline>",
	Short: "Execute a pipeline against an input",
	Long: `Execute a pipeline against an input.

Examples:
  attest run summarize --url https://example.com/article
  attest run extract-wisdom --file ./talk-transcript.txt
  attest run summarize --input "raw text to process"`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("input")
		file, _ := cmd.Flags().GetString("file")
		url, _ := cmd.Flags().GetString("url")

		in, err := loadInput(text, file, url)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		p, err := pipeline.Find(cfg.PipelinesDir(), args[0])
		if err != nil {
			return err
		}

		printStep("running pipeline %s (%d steps)", p.Name, len(p.Steps))
		result, err := orchestrator.New(cfg).Run(cmd.Context(), p, in)
		if err != nil {
			refreshIndexAfterFailure(cfg, err)
			return err
		}

		refreshIndex(cfg, result.RunID)
		printSuccess("run %s completed", result.RunID)
		printStatus("content", "%s", result.ContentID)
		printStatus("artifacts", "%s", result.ContentDir)
		if result.Evidence > 0 {
			printStatus("evidence", "%d record(s)", result.Evidence)
		}
		fmt.Println(result.RunID)
		return nil
	},
}

func loadInput(text, file, url string) (source.Input, error) {
	set := 0
	for _, v := range []string{text, file, url} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return source.Input{}, fmt.Errorf("%w: exactly one of --input, --file, or --url is required", errInvalidArgs)
	}
	switch {
	case text != "":
		return source.FromText(text), nil
	case file != "":
		return source.FromFile(file)
	default:
		return source.FromURL(url), nil
	}
}

// --- resume ---

var resumeCmd = &cobra.Command{
	Use:   "resume <run_id>",
	Short: "Resume a failed or interrupted run at its first unfinished step",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStep("resuming run %s", args[0])
		result, err := orchestrator.New(cfg).Resume(cmd.Context(), args[0])
		if err != nil {
			refreshIndexAfterFailure(cfg, err)
			return err
		}

		refreshIndex(cfg, result.RunID)
		printSuccess("run %s completed", result.RunID)
		printStatus("content", "%s", result.ContentID)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show a run's state and per-step progress",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		run, err := eventlog.ReplayRun(cfg.RunsDir(), args[0])
		if err != nil {
			return err
		}

		printStatus("run", "%s", run.ID)
		printStatus("pipeline", "%s", run.Pipeline)
		printStatus("state", "%s", run.State)
		printStatus("started", "%s", run.StartedAt.Format(time.RFC3339))
		if !run.CompletedAt.IsZero() {
			printStatus("finished", "%s", run.CompletedAt.Format(time.RFC3339))
		}
		if run.Error != "" {
			printStatus("error", "%s", run.Error)
		}
		for _, name := range run.StepOrder {
			status := run.StepStatuses[name]
			switch status {
			case event.StatusCompleted:
				printSuccess("%s", name)
			case event.StatusFailed:
				printError("%s", name)
			case event.StatusRetrying:
				printWarning("%s (retrying)", name)
			default:
				printStep("%s (%s)", name, status)
			}
		}
		if run.State == event.RunErrored {
			printStep("resume with: attest resume %s", run.ID)
		}
		return nil
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ids, err := eventlog.ListRuns(cfg.RunsDir())
		if err != nil {
			return err
		}

		var rows []*event.Run
		for _, id := range ids {
			run, err := eventlog.ReplayRun(cfg.RunsDir(), id)
			if err != nil {
				slog.Warn("skipping unreadable run", "run_id", id, "error", err)
				continue
			}
			rows = append(rows, run)
		}
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].StartedAt.After(rows[j].StartedAt)
		})
		if limit > 0 && len(rows) > limit {
			rows = rows[:limit]
		}

		if len(rows) == 0 {
			fmt.Println("no runs yet")
			return nil
		}
		for _, run := range rows {
			fmt.Printf("%s  %-24s %-12s %d/%d steps  %s\n",
				run.ID, run.Pipeline, run.State,
				run.CompletedSteps, len(run.StepOrder),
				run.StartedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add content to the catalog without running a pipeline",
	Long: `Add content to the catalog without running a pipeline.

Examples:
  attest ingest --url https://example.com/article --tags research
  attest ingest --file ./paper.pdf --title "Interesting paper"`,
	Args: exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("input")
		file, _ := cmd.Flags().GetString("file")
		url, _ := cmd.Flags().GetString("url")
		title, _ := cmd.Flags().GetString("title")
		tagsStr, _ := cmd.Flags().GetString("tags")

		var in source.Input
		var err error
		switch {
		case url != "":
			in, err = source.Download(url)
		default:
			in, err = loadInput(text, file, url)
		}
		if err != nil {
			return err
		}
		if title != "" {
			in.Title = title
		}

		var tags []string
		if tagsStr != "" {
			tags = strings.Split(tagsStr, ",")
			for i := range tags {
				tags[i] = strings.TrimSpace(tags[i])
			}
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cat := catalog.Open(cfg.CatalogPath(), cfg.Library)
		id, err := cat.Ingest(in.Canonical, in.Title, in.Kind, tags)
		if err != nil {
			return err
		}

		dir := cat.ContentDir(id)
		if err := os.WriteFile(filepath.Join(dir, "source.md"), []byte(in.Text), 0o644); err != nil {
			return fmt.Errorf("storing source text: %w", err)
		}
		meta, err := catalog.LoadMetadata(dir)
		if err != nil {
			return err
		}
		meta.ContentID = id
		meta.Source = in.Canonical
		if meta.Title == "" {
			meta.Title = in.Title
		}
		if meta.IngestedAt.IsZero() {
			meta.IngestedAt = time.Now().UTC()
		}
		if err := catalog.SaveMetadata(dir, meta); err != nil {
			return err
		}

		printSuccess("ingested %s", id)
		fmt.Println(id)
		return nil
	},
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Browse the content catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog entries, most recently seen first",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		entries, err := catalog.Open(cfg.CatalogPath(), cfg.Library).List(limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("catalog is empty")
			return nil
		}
		for _, e := range entries {
			printCatalogEntry(e)
		}
		return nil
	},
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search catalog entries by title, source, or tag",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		entries, err := catalog.Open(cfg.CatalogPath(), cfg.Library).Search(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, e := range entries {
			printCatalogEntry(e)
		}
		return nil
	},
}

var catalogShowCmd = &cobra.Command{
	Use:   "show <content_id>",
	Short: "Show one catalog entry with its artifacts",
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

		printStatus("id", "%s", entry.ID)
		printStatus("source", "%s", entry.Source)
		if entry.Title != "" {
			printStatus("title", "%s", entry.Title)
		}
		if len(entry.Tags) > 0 {
			printStatus("tags", "%s", strings.Join(entry.Tags, ", "))
		}
		printStatus("first seen", "%s", entry.FirstIngested.Format(time.RFC3339))
		printStatus("folder", "%s", dir)

		meta, err := catalog.LoadMetadata(dir)
		if err != nil {
			return err
		}
		if meta.RunID != "" {
			printStatus("run", "%s", meta.RunID)
		}
		for _, name := range sortedDigestNames(meta.ArtifactDigests) {
			printStep("%s  %s", name, meta.ArtifactDigests[name])
		}
		return nil
	},
}

func printCatalogEntry(e catalog.Entry) {
	title := e.Title
	if title == "" {
		title = e.Source
	}
	fmt.Printf("%s  %-40s %s\n", e.ID, truncate(title, 40), e.LastSeen.Format("2006-01-02 15:04"))
}

// truncate shortens s to at most max bytes plus an ellipsis, clipping to a
// rune boundary so multi-byte titles never render a broken character.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func sortedDigestNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and modify configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, kv := range config.ShowAll(cfg) {
			fmt.Printf("%-30s %s\n", kv.Key, kv.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return fmt.Errorf("%w: %v", errInvalidArgs, err)
		}
		printSuccess("%s = %s", args[0], args[1])
		return nil
	},
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the derived lookup index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the lookup index from the run and evidence logs",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		idx, err := index.Open(cfg.IndexPath())
		if err != nil {
			return err
		}
		defer idx.Close()

		runs, records, err := idx.Rebuild(cfg.RunsDir(), cfg.Library)
		if err != nil {
			return err
		}
		printSuccess("indexed %d run(s) and %d evidence record(s)", runs, records)
		return nil
	},
}

// refreshIndex updates the derived index after a run reaches a new state.
// Index trouble is never allowed to fail the run; the logs stay
// authoritative and a rebuild recovers everything.
func refreshIndex(cfg config.Config, runID string) {
	run, err := eventlog.ReplayRun(cfg.RunsDir(), runID)
	if err != nil {
		slog.Warn("skipping index refresh", "run_id", runID, "error", err)
		return
	}
	idx, err := index.Open(cfg.IndexPath())
	if err != nil {
		slog.Warn("skipping index refresh", "error", err)
		return
	}
	defer idx.Close()
	if err := idx.UpsertRun(run); err != nil {
		slog.Warn("indexing run failed", "run_id", runID, "error", err)
	}

	if run.Input == "" {
		return
	}
	cat := catalog.Open(cfg.CatalogPath(), cfg.Library)
	dir := cat.ContentDir(catalog.NewContentID(run.Input))
	records, err := evidence.OpenLog(dir).Load()
	if err != nil || len(records) == 0 {
		return
	}
	if err := idx.UpsertEvidence(records); err != nil {
		slog.Warn("indexing evidence failed", "run_id", runID, "error", err)
	}
}

func refreshIndexAfterFailure(cfg config.Config, runErr error) {
	var resumable *orchestrator.ResumableError
	if !errors.As(runErr, &resumable) {
		return
	}
	refreshIndex(cfg, resumable.RunID)
}

func init() {
	runCmd.Flags().String("input", "", "inline text input")
	runCmd.Flags().String("file", "", "input file (text, Markdown, or PDF)")
	runCmd.Flags().String("url", "", "input URL")

	runsCmd.Flags().Int("limit", 20, "maximum number of runs to list")

	ingestCmd.Flags().String("input", "", "inline text input")
	ingestCmd.Flags().String("file", "", "input file (text, Markdown, or PDF)")
	ingestCmd.Flags().String("url", "", "input URL (fetched immediately)")
	ingestCmd.Flags().String("title", "", "human-readable title")
	ingestCmd.Flags().String("tags", "", "comma-separated tags")

	catalogListCmd.Flags().Int("limit", 50, "maximum number of entries to list")
	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.AddCommand(catalogSearchCmd)
	catalogCmd.AddCommand(catalogShowCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	indexCmd.AddCommand(indexRebuildCmd)
}
