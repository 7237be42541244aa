package statesaga

import (
	"sort"
	"strings"

	"github.com/fortressi/statesaga/dag"
	"gonum.org/v1/gonum/graph/encoding"
)

// Definition is a compiled saga: its steps keyed by name, the start step and
// the transition graph between them. A Definition is immutable and may be
// shared by any number of concurrent runs.
type Definition struct {
	name  string
	start string
	steps map[string]*Step
	graph *dag.Graph
}

func (d *Definition) Name() string  { return d.name }
func (d *Definition) Start() string { return d.start }
func (d *Definition) Len() int      { return len(d.steps) }

// Step looks a step up by name.
func (d *Definition) Step(name string) (*Step, bool) {
	s, ok := d.steps[name]
	return s, ok
}

// Steps returns the step names in ascending order.
func (d *Definition) Steps() []string {
	names := make([]string, 0, len(d.steps))
	for name := range d.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unreachable returns the steps no transition from the start step leads to.
func (d *Definition) Unreachable() []string {
	reachable := make(map[string]bool)
	for _, name := range d.graph.Reachable(d.start) {
		reachable[name] = true
	}
	var out []string
	for _, name := range d.Steps() {
		if !reachable[name] {
			out = append(out, name)
		}
	}
	return out
}

// ExportToDot renders the transition graph in Graphviz format. Compensation
// edges are labelled with their error codes.
func (d *Definition) ExportToDot() (string, error) {
	return d.graph.ExportToDot(d.name)
}

// buildGraph lays out the transition graph of steps. Every transition target
// must already have been checked to exist.
func buildGraph(start string, steps map[string]*Step) (*dag.Graph, error) {
	g := dag.New()
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := g.AddNamed(name)
		if steps[name].end {
			_ = n.SetAttribute(encoding.Attribute{Key: "peripheries", Value: "2"})
		}
		if name == start {
			_ = n.SetAttribute(encoding.Attribute{Key: "style", Value: "bold"})
		}
	}

	for _, name := range names {
		s := steps[name]
		if !s.end {
			if err := g.Connect(name, s.next, ""); err != nil {
				return nil, err
			}
		}
		for _, c := range s.compensations {
			if err := g.Connect(name, c.next, strings.Join(c.codes.Items(), ",")); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}
