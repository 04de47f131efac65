package adapter

import (
	"context"
	"fmt"
	"os/exec"
)

// PatternAdapter invokes the external AI pattern tool as a subprocess,
// piping step input to stdin and reading the transformed text from stdout.
// The action is the pattern name, passed after the configured args
// (typically "-p").
type PatternAdapter struct {
	binary string
	args   []string
}

// NewPatternAdapter builds an adapter around the configured pattern binary.
func NewPatternAdapter(binary string, args []string) *PatternAdapter {
	if binary == "" {
		binary = "fabric"
	}
	return &PatternAdapter{binary: binary, args: args}
}

func (a *PatternAdapter) Name() string { return "pattern" }

func (a *PatternAdapter) Execute(ctx context.Context, action, input string) (string, error) {
	if action == "" {
		return "", fmt.Errorf("pattern adapter requires a pattern name")
	}
	args := append(append([]string(nil), a.args...), action)
	out, err := runSubprocess(ctx, a.binary, args, input)
	if err != nil {
		return "", fmt.Errorf("pattern %q: %w", action, err)
	}
	return out, nil
}

// HealthCheck verifies the pattern binary is on PATH.
func (a *PatternAdapter) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(a.binary); err != nil {
		return fmt.Errorf("pattern binary %q not found: %w", a.binary, err)
	}
	return nil
}
