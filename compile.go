package statesaga

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

const taskType = "Task"

type document struct {
	Comment string                   `json:"Comment,omitempty"`
	StartAt *string                  `json:"StartAt"`
	States  map[string]stateDocument `json:"States"`
}

type stateDocument struct {
	Type       string          `json:"Type"`
	Comment    string          `json:"Comment,omitempty"`
	Resource   string          `json:"Resource"`
	ResultPath *string         `json:"ResultPath"`
	Catch      []catchDocument `json:"Catch,omitempty"`
	Next       *string         `json:"Next,omitempty"`
	End        *bool           `json:"End,omitempty"`
}

type catchDocument struct {
	ErrorEquals []string `json:"ErrorEquals"`
	Next        string   `json:"Next"`
}

// Load reads a JSON state machine from r and compiles it with Compile.
func Load(name string, r io.Reader, reg *Registry) (*Definition, error) {
	doc, err := io.ReadAll(r)
	if err != nil {
		return nil, compileFailed(name, fmt.Errorf("read definition: %w", err))
	}
	return Compile(name, doc, reg)
}

// Compile parses a JSON state machine into a Definition. Every Task state
// becomes a step whose Resource is resolved through reg; an unregistered
// resource fails compilation. Any failure is returned as a *CompileError.
func Compile(name string, data []byte, reg *Registry) (*Definition, error) {
	def, err := compile(name, data, reg)
	if err != nil {
		return nil, compileFailed(name, err)
	}
	return def, nil
}

// Resources returns the resource names a JSON state machine refers to, in
// ascending order. It does not check the document beyond parsing it.
func Resources(data []byte) ([]string, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, st := range doc.States {
		if st.Resource != "" && !seen[st.Resource] {
			seen[st.Resource] = true
			names = append(names, st.Resource)
		}
	}
	sort.Strings(names)
	return names, nil
}

func compile(name string, data []byte, reg *Registry) (*Definition, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}
	if doc.StartAt == nil {
		return nil, fmt.Errorf("%w: no StartAt", ErrMalformedDefinition)
	}
	if len(doc.States) == 0 {
		return nil, fmt.Errorf("%w: no States", ErrMalformedDefinition)
	}
	if reg == nil {
		reg = NewRegistry()
	}

	names := make([]string, 0, len(doc.States))
	for stateName := range doc.States {
		names = append(names, stateName)
	}
	sort.Strings(names)

	b := NewBuilder(name)
	for _, stateName := range names {
		task, err := compileState(stateName, doc.States[stateName], reg)
		if err != nil {
			return nil, err
		}
		if err := b.Append(task); err != nil {
			return nil, err
		}
	}
	return b.Build(*doc.StartAt)
}

func compileState(name string, st stateDocument, reg *Registry) (Task, error) {
	switch st.Type {
	case taskType:
	case "":
		return Task{}, fmt.Errorf("%w: state %s has no Type", ErrMalformedDefinition, name)
	default:
		return Task{}, fmt.Errorf("%w: state %s has type %q", ErrUnsupportedState, name, st.Type)
	}

	if st.Resource == "" {
		return Task{}, fmt.Errorf("%w: state %s has no Resource", ErrMalformedDefinition, name)
	}
	factory, err := reg.Get(st.Resource)
	if err != nil {
		return Task{}, fmt.Errorf("state %s: %w", name, err)
	}

	if st.ResultPath == nil {
		return Task{}, fmt.Errorf("%w: state %s has no ResultPath", ErrMalformedDefinition, name)
	}

	task := Task{
		Name:      name,
		Resource:  st.Resource,
		API:       factory,
		ResultKey: resultKey(*st.ResultPath),
	}
	for _, c := range st.Catch {
		task.Catch = append(task.Catch, Catcher{ErrorEquals: c.ErrorEquals, Next: c.Next})
	}

	switch {
	case st.Next != nil && st.End != nil:
		return Task{}, fmt.Errorf("%w: state %s has both Next and End", ErrMalformedDefinition, name)
	case st.Next != nil:
		task.Next = *st.Next
	case st.End != nil && *st.End:
		task.End = true
	default:
		return Task{}, fmt.Errorf("%w: state %s has neither Next nor End", ErrMalformedDefinition, name)
	}
	return task, nil
}

// resultKey strips the "$." prefix of a ResultPath.
func resultKey(path string) string {
	return strings.TrimPrefix(path, "$.")
}
