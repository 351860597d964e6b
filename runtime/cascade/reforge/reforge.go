// Package reforge iteratively refines a cell artifact: each step feeds the
// rendered artifact and a honing prompt back through the cell. Strictly
// sequential; never parallel.
package reforge

import (
	"context"
	"fmt"

	"rvbbit.dev/rvbbit/runtime/cascade/cell"
	"rvbbit.dev/rvbbit/runtime/cascade/errs"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
)

type (
	// Renderer converts an artifact into the form shown to the refining
	// model (e.g. a chart spec rendered to an image description). The
	// identity renderer is used when nil.
	Renderer interface {
		Render(ctx context.Context, content string) (string, error)
	}

	// Mutation rewrites the honing prompt before a step.
	Mutation func(prompt string) string

	// Loop runs the refinement iterations for one cell.
	Loop struct {
		exec      *cell.Executor
		bus       hooks.Bus
		renderer  Renderer
		mutations map[string]Mutation
	}

	// Option configures a Loop.
	Option func(*Loop)
)

// WithRenderer installs an artifact renderer.
func WithRenderer(r Renderer) Option {
	return func(l *Loop) { l.renderer = r }
}

// WithMutation registers a named honing-prompt mutation.
func WithMutation(name string, m Mutation) Option {
	return func(l *Loop) { l.mutations[name] = m }
}

// New constructs a Loop.
func New(exec *cell.Executor, bus hooks.Bus, opts ...Option) *Loop {
	l := &Loop{exec: exec, bus: bus, mutations: make(map[string]Mutation)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run refines seed through the configured number of steps and returns the
// final artifact. steps=0 returns the seed verbatim.
func (l *Loop) Run(ctx context.Context, inv cell.Invocation, seed string) (string, error) {
	spec := inv.Cell.Reforge
	if spec == nil || spec.Steps <= 0 {
		return seed, nil
	}
	current := seed
	for step := 0; step < spec.Steps; step++ {
		prompt := spec.HoningPrompt
		if step < len(spec.Mutations) {
			name := spec.Mutations[step]
			if m, ok := l.mutations[name]; ok {
				prompt = m(prompt)
			} else {
				prompt = fmt.Sprintf("%s\n(apply mutation: %s)", prompt, name)
			}
		}

		rendered := current
		if l.renderer != nil {
			r, err := l.renderer.Render(ctx, current)
			if err != nil {
				return "", errs.Wrap(errs.KindTool, inv.Cell.Name, err)
			}
			rendered = r
		}

		sinv := inv
		stepIdx := step
		sinv.ReforgeStep = &stepIdx
		sinv.ExtraPrompt = fmt.Sprintf("%s\n\nCurrent artifact:\n%s", prompt, rendered)

		output, err := l.exec.Run(ctx, sinv)
		if err != nil {
			return "", err
		}
		if perr := l.bus.Publish(ctx, &hooks.RefinementStepped{
			Base:         hooks.NewBase(inv.Echo.SessionID, inv.Cascade.ID, inv.Cell.Name, inv.Echo.Depth),
			Step:         step,
			InputContent: current,
			Output:       output,
			HoningPrompt: prompt,
		}); perr != nil {
			return "", perr
		}
		current = output
	}
	return current, nil
}
