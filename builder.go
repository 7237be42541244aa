package statesaga

import (
	"errors"
	"fmt"

	"github.com/fortressi/statesaga/dag"
	"github.com/fortressi/statesaga/set"
)

// Builder assembles a Definition step by step.
type Builder struct {
	name  string
	steps map[string]*Step

	// names in the order they were appended
	order     []string
	stepNames *set.Set[string]
}

// NewBuilder creates a Builder for a saga called name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:      name,
		steps:     make(map[string]*Step),
		stepNames: &set.Set[string]{},
	}
}

// Append adds a step. Step names must be unique within a saga.
func (b *Builder) Append(t Task) error {
	if t.Name == "" {
		return compileFailed(b.name, fmt.Errorf("%w: step with empty name", ErrMalformedDefinition))
	}
	if b.stepNames.Contains(t.Name) {
		return compileFailed(b.name, fmt.Errorf("%w: step with name '%s' already exists", ErrDuplicateStep, t.Name))
	}
	b.stepNames.Insert(t.Name)
	b.order = append(b.order, t.Name)
	b.steps[t.Name] = newStep(t)
	return nil
}

// Build validates the appended steps and returns the Definition starting at
// start. Every failure is a *CompileError.
func (b *Builder) Build(start string) (*Definition, error) {
	if err := b.validate(start); err != nil {
		return nil, compileFailed(b.name, err)
	}

	g, err := buildGraph(start, b.steps)
	if errors.Is(err, dag.ErrSelfLoop) {
		return nil, compileFailed(b.name, fmt.Errorf("%w: %v", ErrCyclicTransition, err))
	}
	if err != nil {
		return nil, compileFailed(b.name, err)
	}
	if cycles := g.Cycles(); len(cycles) > 0 {
		return nil, compileFailed(b.name, fmt.Errorf("%w: %v", ErrCyclicTransition, cycles))
	}

	steps := make(map[string]*Step, len(b.steps))
	for name, s := range b.steps {
		steps[name] = s
	}
	return &Definition{
		name:  b.name,
		start: start,
		steps: steps,
		graph: g,
	}, nil
}

func (b *Builder) validate(start string) error {
	if start == "" {
		return fmt.Errorf("%w: no start step", ErrMalformedDefinition)
	}
	if !b.stepNames.Contains(start) {
		return fmt.Errorf("%w: start step %q is not defined", ErrMalformedDefinition, start)
	}

	for _, name := range b.order {
		s := b.steps[name]
		switch {
		case s.end && s.next != "":
			return fmt.Errorf("%w: step %s has both Next and End", ErrMalformedDefinition, name)
		case !s.end && s.next == "":
			return fmt.Errorf("%w: step %s has neither Next nor End", ErrMalformedDefinition, name)
		case s.resultKey == "":
			return fmt.Errorf("%w: step %s has no result key", ErrMalformedDefinition, name)
		}
		if !s.end && !b.stepNames.Contains(s.next) {
			return fmt.Errorf("%w: step %s: Next %q", ErrDanglingTransition, name, s.next)
		}

		for i, c := range s.compensations {
			if c.codes.Len() == 0 || c.next == "" {
				return fmt.Errorf("%w: step %s: catch %d needs error codes and a Next step", ErrMalformedDefinition, name, i)
			}
			if !b.stepNames.Contains(c.next) {
				return fmt.Errorf("%w: step %s: catch Next %q", ErrDanglingTransition, name, c.next)
			}
		}
	}
	return nil
}
