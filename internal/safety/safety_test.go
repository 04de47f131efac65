package safety

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMergeFillsZeroFields(t *testing.T) {
	partial := Limits{MaxSteps: 5}
	merged := partial.Merge(Defaults())

	if merged.MaxSteps != 5 {
		t.Errorf("MaxSteps = %d, want declared 5", merged.MaxSteps)
	}
	if merged.MaxInputBytes != Defaults().MaxInputBytes {
		t.Errorf("MaxInputBytes = %d, want default", merged.MaxInputBytes)
	}
	if merged.StepTimeoutSeconds == 0 || merged.RunTimeoutSeconds == 0 {
		t.Error("timeouts not filled from defaults")
	}
	if len(merged.DenylistPatterns) == 0 {
		t.Error("denylist not filled from defaults")
	}
}

func TestCheckMaxSteps(t *testing.T) {
	limits := Defaults()
	limits.MaxSteps = 2

	tracker := NewTracker()
	tracker.RecordStep(10, 10)
	if err := limits.Check(tracker); err != nil {
		t.Fatalf("unexpected violation after 1 step: %v", err)
	}

	tracker.RecordStep(10, 10)
	err := limits.Check(tracker)
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want Violation", err)
	}
	if v.Limit != "max_steps" {
		t.Errorf("limit = %q, want max_steps", v.Limit)
	}
}

func TestCheckRunTimeout(t *testing.T) {
	limits := Defaults()
	limits.RunTimeoutSeconds = 1

	tracker := NewTracker()
	tracker.StartedAt = time.Now().Add(-2 * time.Second)

	err := limits.Check(tracker)
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want Violation", err)
	}
	if v.Limit != "run_timeout_seconds" {
		t.Errorf("limit = %q, want run_timeout_seconds", v.Limit)
	}
}

func TestValidateInputSize(t *testing.T) {
	limits := Defaults()
	limits.MaxInputBytes = 10

	if err := limits.ValidateInput("small", ""); err != nil {
		t.Errorf("small input rejected: %v", err)
	}

	err := limits.ValidateInput(strings.Repeat("x", 11), "")
	var v *Violation
	if !errors.As(err, &v) || v.Limit != "max_input_bytes" {
		t.Errorf("error = %v, want max_input_bytes violation", err)
	}
}

func TestValidateOutputSize(t *testing.T) {
	limits := Defaults()
	limits.MaxOutputBytes = 10

	err := limits.ValidateOutput(strings.Repeat("x", 11))
	var v *Violation
	if !errors.As(err, &v) || v.Limit != "max_output_bytes" {
		t.Errorf("error = %v, want max_output_bytes violation", err)
	}
}

func TestIsDenylisted(t *testing.T) {
	limits := Limits{DenylistPatterns: []string{
		"**/.env*",
		"**/*credential*",
		"**/*.pem",
		"secrets/*",
	}}

	tests := []struct {
		path string
		want bool
	}{
		{"/home/user/project/.env", true},
		{"/home/user/project/.env.local", true},
		{".env", true},
		{"/var/data/aws-credentials.json", true},
		{"/etc/ssl/server.pem", true},
		{"secrets/token.txt", true},
		{"/home/user/notes.md", false},
		{"/home/user/environment.md", false},
		{"deep/nested/path/cert.pem", true},
		{`C:\Users\me\.env`, true},
	}
	for _, tt := range tests {
		if got := limits.IsDenylisted(tt.path); got != tt.want {
			t.Errorf("IsDenylisted(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestValidateInputDenylistedPath(t *testing.T) {
	limits := Defaults()
	err := limits.ValidateInput("content", "/home/user/.env")
	var v *Violation
	if !errors.As(err, &v) || v.Limit != "denylist_patterns" {
		t.Errorf("error = %v, want denylist violation", err)
	}
}
