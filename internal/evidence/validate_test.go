package evidence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"attest/internal/hashing"
)

// writeContent lays out a content folder with one artifact and resolved
// evidence for each quote, returning the folder and the recorded digests.
func writeContent(t *testing.T, text string, quotes ...string) (string, map[string]string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "summary.md"), []byte(text), 0o644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}

	var claims []Claim
	for _, q := range quotes {
		claims = append(claims, Claim{Claim: "claim for " + q, Quote: q})
	}
	records := Resolve("c1", "summary.md", text, "extract", claims)
	if _, err := OpenLog(dir).AppendNew(records); err != nil {
		t.Fatalf("appending evidence: %v", err)
	}

	digests := map[string]string{"summary.md": hashing.Digest([]byte(text))}
	return dir, digests
}

func TestValidateFastPath(t *testing.T) {
	text := "padding text. the sky is blue. more padding."
	dir, digests := writeContent(t, text, "the sky is blue")

	report, err := Validate(dir, "c1", digests)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if !report.FastPath {
		t.Error("expected the fast path for an unchanged artifact")
	}
	if report.Valid != 1 || report.Stale != 0 || report.Unresolved != 0 {
		t.Errorf("counts = %d/%d/%d, want 1/0/0", report.Valid, report.Stale, report.Unresolved)
	}
}

// The slow path over an unchanged file must agree with the fast path.
func TestValidateFastSlowEquivalence(t *testing.T) {
	text := "one fact here. another fact there. third fact everywhere."
	dir, digests := writeContent(t, text, "one fact", "another fact", "third fact")

	fast, err := Validate(dir, "c1", digests)
	if err != nil {
		t.Fatalf("fast Validate: %v", err)
	}
	// No recorded digest forces the per-span path.
	slow, err := Validate(dir, "c1", nil)
	if err != nil {
		t.Fatalf("slow Validate: %v", err)
	}

	if !fast.FastPath || slow.FastPath {
		t.Errorf("path flags = %v/%v, want true/false", fast.FastPath, slow.FastPath)
	}
	if fast.Valid != slow.Valid || fast.Stale != slow.Stale || fast.Unresolved != slow.Unresolved {
		t.Errorf("fast %d/%d/%d != slow %d/%d/%d",
			fast.Valid, fast.Stale, fast.Unresolved,
			slow.Valid, slow.Stale, slow.Unresolved)
	}
}

// Inserting bytes before the span shifts the content under the recorded
// offsets; validation must report the row stale without touching it.
func TestValidateDrift(t *testing.T) {
	text := strings.Repeat(".", 42) + "the sky is blue" + " and so on"
	dir, digests := writeContent(t, text, "the sky is blue")

	mutated := "12345" + text
	if err := os.WriteFile(filepath.Join(dir, "summary.md"), []byte(mutated), 0o644); err != nil {
		t.Fatalf("mutating artifact: %v", err)
	}

	report, err := Validate(dir, "c1", digests)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if report.FastPath {
		t.Error("changed artifact must not take the fast path")
	}
	if report.Valid != 0 || report.Stale != 1 {
		t.Errorf("counts = %d valid/%d stale, want 0/1", report.Valid, report.Stale)
	}
	if len(report.StaleIDs) != 1 {
		t.Fatalf("stale IDs = %v, want one entry", report.StaleIDs)
	}

	// The evidence row survives untouched.
	records, err := OpenLog(dir).Load()
	if err != nil {
		t.Fatalf("reloading evidence: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("evidence rows = %d, want 1 (stale is reported, not repaired)", len(records))
	}
}

func TestValidateUnresolvedCounted(t *testing.T) {
	text := "only this text exists"
	dir, digests := writeContent(t, text, "only this", "quote that is absent")

	report, err := Validate(dir, "c1", digests)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Valid != 1 || report.Stale != 0 || report.Unresolved != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/0/1", report.Valid, report.Stale, report.Unresolved)
	}
}

func TestValidateOutOfBoundsSpanIsStale(t *testing.T) {
	text := "short"
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := Evidence{
		ID: "deadbeef00000000", ContentID: "c1", Quote: "gone",
		QuoteSHA256: QuoteHash("gone"), Status: StatusResolved,
		Resolution: Resolution{Method: MethodExact, MatchCount: 1, MatchRank: 1},
		Span: &Span{
			Artifact:       "a.md",
			UTF8ByteOffset: [2]int{100, 120},
			SliceSHA256:    hashing.Digest([]byte("gone")),
		},
		Extractor: "extract",
	}
	if err := OpenLog(dir).Append(rec); err != nil {
		t.Fatal(err)
	}

	report, err := Validate(dir, "c1", nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Stale != 1 {
		t.Errorf("stale = %d, want 1", report.Stale)
	}
}

func TestValidateAppendsAuditEvent(t *testing.T) {
	text := "the facts are here"
	dir, digests := writeContent(t, text, "facts")

	if _, err := Validate(dir, "c1", digests); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := Validate(dir, "c1", digests); err != nil {
		t.Fatalf("second Validate: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, auditFileName))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1
	if lines != 2 {
		t.Errorf("audit events = %d, want 2 (one per validation)", lines)
	}
	if !strings.Contains(string(data), `"type":"evidence_validated"`) {
		t.Errorf("audit log missing event type: %s", data)
	}
}
