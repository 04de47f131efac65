// Package safety enforces execution limits on pipeline runs: step count,
// payload size, timeouts, and denylisted path patterns. Limits are checked
// before execution, never after; a violation fails the run rather than
// truncating anything.
package safety

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Limits bounds a single pipeline run.
type Limits struct {
	MaxSteps           int      `yaml:"max_steps"`
	MaxInputBytes      int64    `yaml:"max_input_bytes"`
	MaxOutputBytes     int64    `yaml:"max_output_bytes"`
	StepTimeoutSeconds int      `yaml:"step_timeout_seconds"`
	RunTimeoutSeconds  int      `yaml:"run_timeout_seconds"`
	DenylistPatterns   []string `yaml:"denylist_patterns"`
}

// Defaults returns the limits applied when a pipeline declares none.
func Defaults() Limits {
	return Limits{
		MaxSteps:           50,
		MaxInputBytes:      10 << 20,
		MaxOutputBytes:     10 << 20,
		StepTimeoutSeconds: 300,
		RunTimeoutSeconds:  3600,
		DenylistPatterns: []string{
			"**/.env*",
			"**/secrets*",
			"**/*credential*",
			"**/*.pem",
			"**/*.key",
		},
	}
}

// Merge fills zero-valued fields from fallback.
func (l Limits) Merge(fallback Limits) Limits {
	if l.MaxSteps == 0 {
		l.MaxSteps = fallback.MaxSteps
	}
	if l.MaxInputBytes == 0 {
		l.MaxInputBytes = fallback.MaxInputBytes
	}
	if l.MaxOutputBytes == 0 {
		l.MaxOutputBytes = fallback.MaxOutputBytes
	}
	if l.StepTimeoutSeconds == 0 {
		l.StepTimeoutSeconds = fallback.StepTimeoutSeconds
	}
	if l.RunTimeoutSeconds == 0 {
		l.RunTimeoutSeconds = fallback.RunTimeoutSeconds
	}
	if l.DenylistPatterns == nil {
		l.DenylistPatterns = fallback.DenylistPatterns
	}
	return l
}

// StepTimeout returns the per-step timeout as a duration.
func (l Limits) StepTimeout() time.Duration {
	return time.Duration(l.StepTimeoutSeconds) * time.Second
}

// Violation describes a safety limit that was hit. It is immediately fatal
// to the run and never retried.
type Violation struct {
	Limit  string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safety limit reached (%s): %s", v.Limit, v.Detail)
}

// Tracker accumulates per-run usage for limit checks.
type Tracker struct {
	StepsExecuted int
	InputBytes    int64
	OutputBytes   int64
	StartedAt     time.Time
}

// NewTracker starts a tracker at the current time.
func NewTracker() *Tracker {
	return &Tracker{StartedAt: time.Now()}
}

// RecordStep accounts for one executed step.
func (t *Tracker) RecordStep(inputBytes, outputBytes int64) {
	t.StepsExecuted++
	t.InputBytes += inputBytes
	t.OutputBytes += outputBytes
}

// Check verifies run-level limits before a step executes.
func (l Limits) Check(t *Tracker) error {
	if t.StepsExecuted >= l.MaxSteps {
		return &Violation{
			Limit:  "max_steps",
			Detail: fmt.Sprintf("%d >= %d", t.StepsExecuted, l.MaxSteps),
		}
	}
	if elapsed := time.Since(t.StartedAt); elapsed >= time.Duration(l.RunTimeoutSeconds)*time.Second {
		return &Violation{
			Limit:  "run_timeout_seconds",
			Detail: fmt.Sprintf("%s elapsed >= %ds", elapsed.Round(time.Second), l.RunTimeoutSeconds),
		}
	}
	return nil
}

// ValidateInput rejects oversized or denylisted step input. sourcePath is
// the path the input was loaded from, if any.
func (l Limits) ValidateInput(input string, sourcePath string) error {
	if size := int64(len(input)); size > l.MaxInputBytes {
		return &Violation{
			Limit:  "max_input_bytes",
			Detail: fmt.Sprintf("%d > %d", size, l.MaxInputBytes),
		}
	}
	if sourcePath != "" && l.IsDenylisted(sourcePath) {
		return &Violation{
			Limit:  "denylist_patterns",
			Detail: fmt.Sprintf("path %q matches denylist", sourcePath),
		}
	}
	return nil
}

// ValidateOutput rejects oversized step output.
func (l Limits) ValidateOutput(output string) error {
	if size := int64(len(output)); size > l.MaxOutputBytes {
		return &Violation{
			Limit:  "max_output_bytes",
			Detail: fmt.Sprintf("%d > %d", size, l.MaxOutputBytes),
		}
	}
	return nil
}

// IsDenylisted reports whether p matches any denylist pattern. A leading
// "**/" matches at any directory depth, so the remainder is tested against
// the full path, every path suffix, and the basename.
func (l Limits) IsDenylisted(p string) bool {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, pattern := range l.DenylistPatterns {
		if matchPattern(pattern, p) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, p string) bool {
	pattern = strings.TrimPrefix(pattern, "./")
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		segments := strings.Split(p, "/")
		for i := range segments {
			if ok, _ := path.Match(rest, strings.Join(segments[i:], "/")); ok {
				return true
			}
		}
		return false
	}
	ok, _ := path.Match(pattern, p)
	return ok
}
