package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"attest/internal/orchestrator"
	"attest/internal/safety"
)

func TestExactArgs(t *testing.T) {
	check := exactArgs(1)
	cmd := &cobra.Command{Use: "status"}

	if err := check(cmd, []string{"run-1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := check(cmd, nil)
	if !errors.Is(err, errInvalidArgs) {
		t.Errorf("error = %v, want errInvalidArgs", err)
	}
	err = check(cmd, []string{"a", "b"})
	if !errors.Is(err, errInvalidArgs) {
		t.Errorf("error = %v, want errInvalidArgs", err)
	}
}

func TestLoadInputRequiresExactlyOneSource(t *testing.T) {
	if _, err := loadInput("", "", ""); !errors.Is(err, errInvalidArgs) {
		t.Errorf("no source: error = %v, want errInvalidArgs", err)
	}
	if _, err := loadInput("text", "", "https://example.com"); !errors.Is(err, errInvalidArgs) {
		t.Errorf("two sources: error = %v, want errInvalidArgs", err)
	}

	in, err := loadInput("inline text", "", "")
	if err != nil {
		t.Fatalf("loadInput: %v", err)
	}
	if in.Kind != "text" || in.Text != "inline text" {
		t.Errorf("input = %+v", in)
	}

	in, err = loadInput("", "", "https://example.com/doc")
	if err != nil {
		t.Fatalf("loadInput: %v", err)
	}
	if in.Kind != "url" || in.Canonical != "https://example.com/doc" {
		t.Errorf("input = %+v", in)
	}
}

func TestColorizeRespectsNoColor(t *testing.T) {
	defer func(prev bool) { noColor = prev }(noColor)

	noColor = false
	if got := colorize(colorGreen, "done"); !strings.HasPrefix(got, colorGreen) || !strings.HasSuffix(got, colorReset) {
		t.Errorf("colorize = %q", got)
	}

	noColor = true
	if got := colorize(colorGreen, "done"); got != "done" {
		t.Errorf("colorize with no-color = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	got := truncate("a very long title that will not fit", 10)
	if len(got) > 10+len("…")-1 {
		t.Errorf("truncate = %q, too long", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncate = %q, want ellipsis", got)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate(strings.Repeat("é", 20), 9)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate = %q, invalid UTF-8", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncate = %q, want ellipsis", got)
	}
	if want := "éééé…"; got != want {
		t.Errorf("truncate = %q, want %q", got, want)
	}
}

func TestStatusLabelAligned(t *testing.T) {
	defer func(prev bool) { noColor = prev }(noColor)
	noColor = true

	short := statusLabel("id")
	long := statusLabel("unresolved")
	if len(short) != len(long) {
		t.Errorf("label widths differ: %q vs %q", short, long)
	}
	if short != "id:        " {
		t.Errorf("statusLabel = %q", short)
	}
}

type exitCase struct {
	err  error
	want int
}

func TestExitCodeMapping(t *testing.T) {
	tests := []exitCase{
		{nil, exitOK},
		{errors.New("plain failure"), exitGeneral},
		{fmt.Errorf("%w: bad flag", errInvalidArgs), exitInvalidArgs},
		{fmt.Errorf("run aborted: %w", &safety.Violation{Limit: "max_steps"}), exitSafetyLimit},
		{&orchestrator.ResumableError{RunID: "r1", Step: "extract", Err: errors.New("exhausted")}, exitResumable},
	}
	for _, tt := range tests {
		if got := classifyExit(tt.err); got != tt.want {
			t.Errorf("classifyExit(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
