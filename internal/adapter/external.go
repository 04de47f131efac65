package adapter

import (
	"context"
	"fmt"
	"os/exec"
)

// ExternalAdapter runs an arbitrary executable declared by a pipeline step.
// The action is ignored; the command and args come from the step definition.
type ExternalAdapter struct {
	command string
	args    []string
}

// NewExternalAdapter wraps the given command line.
func NewExternalAdapter(command string, args []string) *ExternalAdapter {
	return &ExternalAdapter{command: command, args: args}
}

func (a *ExternalAdapter) Name() string { return "external" }

func (a *ExternalAdapter) Execute(ctx context.Context, _ string, input string) (string, error) {
	out, err := runSubprocess(ctx, a.command, a.args, input)
	if err != nil {
		return "", fmt.Errorf("external command %q: %w", a.command, err)
	}
	return out, nil
}

func (a *ExternalAdapter) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(a.command); err != nil {
		return fmt.Errorf("command %q not found: %w", a.command, err)
	}
	return nil
}
