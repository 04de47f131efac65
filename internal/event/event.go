// Package event defines the immutable records written to a run's append-only
// log and the replay logic that reconstructs run state from them.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags an event record.
type Kind string

const (
	RunStarted         Kind = "run_started"
	RunCompleted       Kind = "run_completed"
	RunFailed          Kind = "run_failed"
	StepStarted        Kind = "step_started"
	StepCompleted      Kind = "step_completed"
	StepFailed         Kind = "step_failed"
	StepRetrying       Kind = "step_retrying"
	SafetyLimitReached Kind = "safety_limit_reached"
)

// Status is the per-step state derived from events.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// Event is one record in a run's events.jsonl. Events are never rewritten;
// the current state of a run is a pure function of its event sequence.
type Event struct {
	Type       Kind      `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"run_id"`
	Pipeline   string    `json:"pipeline,omitempty"`
	Step       string    `json:"step,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Input      string    `json:"input,omitempty"`
}

// New creates an event stamped with the current UTC time.
func New(kind Kind, runID string) Event {
	return Event{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}
}

// WithStep attaches a step name.
func (e Event) WithStep(step string) Event {
	e.Step = step
	return e
}

// WithMessage attaches a human-readable summary. Must never contain secrets.
func (e Event) WithMessage(msg string) Event {
	e.Message = msg
	return e
}

// WithError attaches an error string.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithAttempt attaches the 1-indexed attempt number.
func (e Event) WithAttempt(n int) Event {
	e.Attempt = n
	return e
}

// WithDuration attaches the step duration.
func (e Event) WithDuration(d time.Duration) Event {
	e.DurationMS = d.Milliseconds()
	return e
}

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}
