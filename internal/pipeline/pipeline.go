// Package pipeline loads and validates declarative pipeline definitions.
//
// A pipeline is an ordered list of steps. Each step names an adapter, an
// action for that adapter, an input source, and an optional retry policy.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"attest/internal/safety"
)

// AdapterType selects how a step executes. The set is closed except for
// External, which runs an arbitrary executable named by Step.Command.
type AdapterType string

const (
	// AdapterPattern pipes input through the configured pattern tool
	// (stdin -> stdout), with Step.Action as the pattern name.
	AdapterPattern AdapterType = "pattern"
	// AdapterFetch treats the step input as a URL and fetches it,
	// reducing HTML to plain text.
	AdapterFetch AdapterType = "fetch"
	// AdapterExternal runs Step.Command as a subprocess, writing input
	// to stdin and reading output from stdout.
	AdapterExternal AdapterType = "external"
)

// Pipeline is a complete pipeline definition.
type Pipeline struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Safety      safety.Limits `yaml:"safety_limits"`
	Steps       []Step        `yaml:"steps"`
}

// Step is a single unit of work in a pipeline.
type Step struct {
	Name    string      `yaml:"name"`
	Adapter AdapterType `yaml:"adapter"`
	// Action is the adapter-specific action (pattern name for the pattern
	// adapter; unused by fetch).
	Action string `yaml:"action"`
	// Command is the executable to run for the external adapter.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	InputFrom InputSource `yaml:"input_from"`
	Retry     RetryPolicy `yaml:"retry_policy"`
	// TimeoutSeconds overrides the pipeline's step timeout when > 0.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// ExtractEvidence marks this step's output as claim extractions
	// (a JSON array of {claim, quote, confidence}) to be resolved
	// against the artifact produced by GroundsAgainst.
	ExtractEvidence bool   `yaml:"extract_evidence"`
	GroundsAgainst  string `yaml:"grounds_against"`
}

// Timeout returns the effective timeout for this step.
func (s Step) Timeout(limits safety.Limits) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return limits.StepTimeout()
}

// InputSource says where a step's input comes from.
type InputSource struct {
	// Kind is one of "pipeline_input", "previous_step", "artifact", "static".
	Kind string
	// Ref names the referenced step or artifact.
	Ref string
	// Static holds the literal value for static inputs.
	Static string
}

const (
	SourcePipelineInput = "pipeline_input"
	SourcePreviousStep  = "previous_step"
	SourceArtifact      = "artifact"
	SourceStatic        = "static"
)

// UnmarshalYAML accepts either the bare string "pipeline_input" or a
// single-key mapping: {previous_step: name}, {artifact: name}, {static: value}.
func (in *InputSource) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s != SourcePipelineInput {
			return fmt.Errorf("unknown input source %q", s)
		}
		in.Kind = SourcePipelineInput
		return nil
	}

	var m map[string]string
	if err := value.Decode(&m); err != nil {
		return fmt.Errorf("input_from must be %q or a single-key mapping: %w", SourcePipelineInput, err)
	}
	if len(m) != 1 {
		return fmt.Errorf("input_from mapping must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		switch k {
		case SourcePreviousStep, SourceArtifact:
			in.Kind = k
			in.Ref = v
		case SourceStatic:
			in.Kind = SourceStatic
			in.Static = v
		default:
			return fmt.Errorf("unknown input source key %q", k)
		}
	}
	return nil
}

// MarshalYAML renders the compact forms accepted by UnmarshalYAML.
func (in InputSource) MarshalYAML() (any, error) {
	switch in.Kind {
	case "", SourcePipelineInput:
		return SourcePipelineInput, nil
	case SourceStatic:
		return map[string]string{SourceStatic: in.Static}, nil
	default:
		return map[string]string{in.Kind: in.Ref}, nil
	}
}

// RetryPolicy controls retries for a failed step.
type RetryPolicy struct {
	// MaxAttempts includes the first try. Zero means the default of 3.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelayMS is the delay before the first retry.
	InitialDelayMS int `yaml:"initial_delay_ms"`
	// MaxDelayMS caps the backoff. Zero means 30000.
	MaxDelayMS int `yaml:"max_delay_ms"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelayMS == 0 {
		p.InitialDelayMS = 1000
	}
	if p.MaxDelayMS == 0 {
		p.MaxDelayMS = 30000
	}
	return p
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures (attempt is 1-indexed).
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.withDefaults().MaxAttempts
}

// Delay returns the exponential backoff delay before retrying after the
// given 1-indexed attempt: initial_delay * 2^(attempt-1), capped.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	delay := p.InitialDelayMS
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelayMS {
			delay = p.MaxDelayMS
			break
		}
	}
	return time.Duration(delay) * time.Millisecond
}

// Parse parses a pipeline from YAML.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing pipeline YAML: %w", err)
	}
	return &p, nil
}

// LoadFile reads and parses a pipeline definition file.
func LoadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Find resolves a pipeline by name: <dir>/<name>.yaml, then ./<name>.yaml,
// then name taken as a literal path.
func Find(dir, name string) (*Pipeline, error) {
	candidates := []string{
		filepath.Join(dir, name+".yaml"),
		name + ".yaml",
		name,
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			p, err := LoadFile(path)
			if err != nil {
				return nil, err
			}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			return p, nil
		}
	}
	return nil, fmt.Errorf("pipeline %q not found (looked in %s)", name, dir)
}

// Validate checks structural invariants: non-empty name and steps, unique
// step names, known adapters, and no forward or dangling step references.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name cannot be empty")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline must have at least one step")
	}

	seen := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d has an empty name", i)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
		seen[step.Name] = i

		switch step.Adapter {
		case AdapterPattern:
			if step.Action == "" {
				return fmt.Errorf("step %q: pattern adapter requires an action", step.Name)
			}
		case AdapterFetch:
		case AdapterExternal:
			if step.Command == "" {
				return fmt.Errorf("step %q: external adapter requires a command", step.Name)
			}
		case "":
			return fmt.Errorf("step %q: adapter is required", step.Name)
		default:
			return fmt.Errorf("step %q: unknown adapter %q", step.Name, step.Adapter)
		}

		if step.InputFrom.Kind == SourcePreviousStep {
			idx, ok := seen[step.InputFrom.Ref]
			if !ok {
				return fmt.Errorf("step %q references non-existent step %q", step.Name, step.InputFrom.Ref)
			}
			if idx >= i {
				return fmt.Errorf("step %q references itself or a future step %q", step.Name, step.InputFrom.Ref)
			}
		}
		if step.ExtractEvidence {
			if step.GroundsAgainst == "" {
				return fmt.Errorf("step %q: extract_evidence requires grounds_against", step.Name)
			}
			idx, ok := seen[step.GroundsAgainst]
			if !ok || idx >= i {
				return fmt.Errorf("step %q: grounds_against must name an earlier step", step.Name)
			}
		}
	}
	return nil
}

// StepNames returns the ordered step names.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}
