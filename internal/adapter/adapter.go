// Package adapter defines the contract between the orchestrator and the
// external tools that pipeline steps invoke.
//
// An adapter is a stateless text transformer: input on stdin (or equivalent),
// output on stdout, within a bounded timeout. The orchestrator imposes no
// further structure on adapter internals.
package adapter

import (
	"context"
)

// Adapter executes one step action.
type Adapter interface {
	// Name is the adapter's stable identifier, used in logs and events.
	Name() string

	// Execute runs action against input and returns the produced text.
	// Implementations must honor ctx cancellation/deadline; a deadline
	// overrun returns an error rather than partial output.
	Execute(ctx context.Context, action, input string) (string, error)

	// HealthCheck verifies the adapter's external tool is reachable.
	HealthCheck(ctx context.Context) error
}
