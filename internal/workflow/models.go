// Package workflow loads workflow definitions and executes them against an
// assistant subprocess.
package workflow

import (
	"gopkg.in/yaml.v3"

	"github.com/archonhq/archon/internal/errdefs"
)

// SingleStep runs one registered command in the workflow's session flow.
type SingleStep struct {
	Command      string `yaml:"command"`
	ClearContext bool   `yaml:"clear_context,omitempty"`
}

// Step is either a single command or a parallel block of single steps.
// Parallel blocks may not nest.
type Step struct {
	Command      string       `yaml:"command,omitempty"`
	ClearContext bool         `yaml:"clear_context,omitempty"`
	Parallel     []SingleStep `yaml:"parallel,omitempty"`
}

// IsParallel reports whether the step is a parallel block.
func (s Step) IsParallel() bool { return len(s.Parallel) > 0 }

// Loop runs one prompt repeatedly until a completion signal appears in the
// assistant output or max_iterations is reached.
type Loop struct {
	Prompt        string `yaml:"prompt"`
	Until         string `yaml:"until"`
	MaxIterations int    `yaml:"max_iterations"`
	FreshContext  bool   `yaml:"fresh_context,omitempty"`
}

// Definition is one workflow. Exactly one of Steps, Loop, or Prompt must be
// set. Prompt is the direct-dispatch shape used by the built-in assist
// workflow: the substituted prompt is sent as a single turn.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Provider is the assistant backend tag; empty means the codebase's
	// preferred assistant.
	Provider string `yaml:"provider,omitempty"`
	Steps    []Step `yaml:"steps,omitempty"`
	Loop     *Loop  `yaml:"loop,omitempty"`
	Prompt   string `yaml:"prompt,omitempty"`
}

// Parse decodes and validates a YAML workflow definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "invalid workflow YAML", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the structural rules of a definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errdefs.Validation("workflow name is required")
	}

	shapes := 0
	if len(d.Steps) > 0 {
		shapes++
	}
	if d.Loop != nil {
		shapes++
	}
	if d.Prompt != "" {
		shapes++
	}
	if shapes != 1 {
		return errdefs.Validationf("workflow %q must define exactly one of steps, loop, or prompt", d.Name)
	}

	for i, step := range d.Steps {
		hasCommand := step.Command != ""
		hasParallel := step.IsParallel()
		if hasCommand == hasParallel {
			return errdefs.Validationf("workflow %q step %d must be either a command or a parallel block", d.Name, i)
		}
		if hasParallel && step.ClearContext {
			return errdefs.Validationf("workflow %q step %d: clear_context is not valid on a parallel block", d.Name, i)
		}
		for j, sub := range step.Parallel {
			if sub.Command == "" {
				return errdefs.Validationf("workflow %q step %d parallel entry %d is missing a command", d.Name, i, j)
			}
		}
	}

	if d.Loop != nil {
		if d.Loop.Prompt == "" {
			return errdefs.Validationf("workflow %q loop is missing a prompt", d.Name)
		}
		if d.Loop.Until == "" {
			return errdefs.Validationf("workflow %q loop is missing an until signal", d.Name)
		}
		if d.Loop.MaxIterations <= 0 {
			return errdefs.Validationf("workflow %q loop max_iterations must be positive", d.Name)
		}
	}

	return nil
}
