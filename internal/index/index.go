// Package index maintains a derived SQLite lookup index over runs and
// evidence. The JSONL logs remain the source of truth; the index only
// exists so `runs`, `status`, and `evidence show` don't have to scan every
// run directory and content folder. It can be dropped and rebuilt from the
// logs at any time.
package index

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"attest/internal/event"
	"attest/internal/evidence"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Index wraps the SQLite lookup database.
type Index struct {
	db *sql.DB
}

// Open opens (or creates) the index database at path and applies pending
// migrations. Pass ":memory:" for tests.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging index database: %w", err)
	}

	// Single connection avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return idx, nil
}

// Close closes the underlying database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) migrate() error {
	if _, err := x.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := x.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := x.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// RunRow is the indexed summary of one run.
type RunRow struct {
	ID             string
	Pipeline       string
	Input          string
	State          string
	Error          string
	StartedAt      time.Time
	CompletedAt    time.Time
	StepsCompleted int
}

// UpsertRun replaces the indexed summary of a run.
func (x *Index) UpsertRun(r *event.Run) error {
	var completed any
	if !r.CompletedAt.IsZero() {
		completed = r.CompletedAt
	}
	_, err := x.db.Exec(`
		INSERT INTO runs (id, pipeline, input, state, error, started_at, completed_at, steps_completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pipeline = excluded.pipeline,
			input = excluded.input,
			state = excluded.state,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			steps_completed = excluded.steps_completed`,
		r.ID, r.Pipeline, r.Input, string(r.State), r.Error, r.StartedAt, completed, r.CompletedSteps)
	if err != nil {
		return fmt.Errorf("indexing run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns indexed runs, most recent first.
func (x *Index) ListRuns(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := x.db.Query(`
		SELECT id, pipeline, input, state, error, started_at, completed_at, steps_completed
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Input, &r.State, &r.Error, &r.StartedAt, &completed, &r.StepsCompleted); err != nil {
			return nil, err
		}
		if completed.Valid {
			r.CompletedAt = completed.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertEvidence indexes evidence records by ID for fast lookup across
// content folders.
func (x *Index) UpsertEvidence(records []evidence.Evidence) error {
	tx, err := x.db.Begin()
	if err != nil {
		return err
	}
	for _, e := range records {
		artifact := ""
		var start, end any
		if e.Span != nil {
			artifact = e.Span.Artifact
			start, end = e.Span.Start(), e.Span.End()
		}
		if _, err := tx.Exec(`
			INSERT INTO evidence (id, content_id, status, claim, extractor, artifact, start_byte, end_byte)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content_id = excluded.content_id,
				status = excluded.status,
				claim = excluded.claim,
				extractor = excluded.extractor,
				artifact = excluded.artifact,
				start_byte = excluded.start_byte,
				end_byte = excluded.end_byte`,
			e.ID, e.ContentID, string(e.Status), e.Claim, e.Extractor, artifact, start, end); err != nil {
			tx.Rollback()
			return fmt.Errorf("indexing evidence %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// LocateEvidence maps an evidence ID (or unambiguous prefix) to its owning
// content ID.
func (x *Index) LocateEvidence(id string) (contentID string, ok bool, err error) {
	err = x.db.QueryRow("SELECT content_id FROM evidence WHERE id = ?", id).Scan(&contentID)
	if err == nil {
		return contentID, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("locating evidence %s: %w", id, err)
	}

	rows, err := x.db.Query("SELECT DISTINCT content_id FROM evidence WHERE id LIKE ? LIMIT 2", id+"%")
	if err != nil {
		return "", false, fmt.Errorf("locating evidence %s: %w", id, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return "", false, err
		}
		ids = append(ids, c)
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}
	switch len(ids) {
	case 0:
		return "", false, nil
	case 1:
		return ids[0], true, nil
	default:
		return "", false, fmt.Errorf("evidence ID prefix %q is ambiguous", id)
	}
}

// Clear empties the derived tables ahead of a rebuild.
func (x *Index) Clear() error {
	for _, table := range []string{"runs", "evidence"} {
		if _, err := x.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}
