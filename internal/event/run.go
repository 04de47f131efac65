package event

import (
	"time"
)

// RunState is the terminal (or in-flight) state of a run.
type RunState string

const (
	RunRunning     RunState = "running"
	RunDone        RunState = "completed"
	RunErrored     RunState = "failed"
	RunSafetyLimit RunState = "safety_limit"
)

// Run is one execution of a pipeline against one input. It is never stored
// directly; it is always reconstructed by replaying the run's events.
type Run struct {
	ID          string
	Pipeline    string
	Input       string
	State       RunState
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time

	// StepStatuses maps step name to its latest status.
	StepStatuses map[string]Status
	// StepOrder lists step names in the order they were first seen.
	StepOrder []string
	// CompletedSteps counts steps whose latest status is completed.
	CompletedSteps int
}

// Replay folds an ordered event sequence into run state. The slice must
// belong to a single run; events for other runs are ignored defensively by
// run ID. An empty slice yields a nil Run.
func Replay(events []Event) *Run {
	if len(events) == 0 {
		return nil
	}

	run := &Run{
		ID:           events[0].RunID,
		State:        RunRunning,
		StartedAt:    events[0].Timestamp,
		StepStatuses: make(map[string]Status),
	}

	for _, e := range events {
		if e.RunID != run.ID {
			continue
		}
		run.apply(e)
	}

	run.CompletedSteps = 0
	for _, name := range run.StepOrder {
		if run.StepStatuses[name] == StatusCompleted {
			run.CompletedSteps++
		}
	}
	return run
}

func (r *Run) apply(e Event) {
	switch e.Type {
	case RunStarted:
		r.State = RunRunning
		r.StartedAt = e.Timestamp
		r.Pipeline = e.Pipeline
		r.Input = e.Input
	case RunCompleted:
		r.State = RunDone
		r.CompletedAt = e.Timestamp
	case RunFailed:
		r.State = RunErrored
		r.Error = e.Error
		r.CompletedAt = e.Timestamp
	case SafetyLimitReached:
		r.State = RunSafetyLimit
		r.Error = e.Error
		r.CompletedAt = e.Timestamp
	case StepStarted:
		r.setStep(e.Step, StatusRunning)
	case StepCompleted:
		r.setStep(e.Step, StatusCompleted)
	case StepFailed:
		r.setStep(e.Step, StatusFailed)
	case StepRetrying:
		r.setStep(e.Step, StatusRetrying)
	}
}

func (r *Run) setStep(name string, status Status) {
	if name == "" {
		return
	}
	if _, seen := r.StepStatuses[name]; !seen {
		r.StepOrder = append(r.StepOrder, name)
	}
	r.StepStatuses[name] = status
}

// IsFinished reports whether the run reached a terminal state.
func (r *Run) IsFinished() bool {
	return r.State != RunRunning
}

// StepCompleted reports whether the named step finished successfully.
func (r *Run) StepCompleted(name string) bool {
	return r.StepStatuses[name] == StatusCompleted
}

// FirstUnfinishedStep returns the index of the first step in steps whose
// latest status is not completed. Resume re-enters the state machine there.
func (r *Run) FirstUnfinishedStep(steps []string) int {
	for i, name := range steps {
		if !r.StepCompleted(name) {
			return i
		}
	}
	return len(steps)
}
