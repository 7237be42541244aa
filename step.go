package statesaga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fortressi/statesaga/set"
	"github.com/tidwall/btree"
)

// Wildcard error codes matching any StepFailure.
const (
	WildcardAll      = "States.ALL"
	WildcardAllShort = "ALL"
)

// ExecFunc issues the remote call for one step. It returns the response to
// be stored under the step's result key. A failure the saga should try to
// compensate must be returned as a StepFailure (see Failed); any other error
// ends the saga without compensation.
type ExecFunc func(ctx context.Context, api API, results Results, payload any) (any, error)

// StepInput is the per-run input of one step.
type StepInput struct {
	Payload any
	Exec    ExecFunc
}

// Inputs maps step names to their inputs for one run. It must cover every
// step the run may visit, compensation steps included.
type Inputs map[string]StepInput

// Catcher maps a set of error codes to the step that compensates them.
type Catcher struct {
	ErrorEquals []string
	Next        string
}

// Task describes one step for a Builder.
type Task struct {
	Name      string
	Resource  string
	API       APIFactory
	ResultKey string
	Catch     []Catcher
	Next      string
	End       bool
}

type compensation struct {
	codes *set.Set[string]
	next  string
}

func (c compensation) matches(code string) bool {
	return c.codes.Contains(WildcardAll) || c.codes.Contains(WildcardAllShort) || c.codes.Contains(code)
}

// Step pairs a forward operation with its compensation table, successor and
// result key. Steps are immutable once built.
type Step struct {
	name          string
	resource      string
	api           APIFactory
	resultKey     string
	compensations []compensation
	next          string
	end           bool
}

func newStep(t Task) *Step {
	s := &Step{
		name:      t.Name,
		resource:  t.Resource,
		api:       t.API,
		resultKey: t.ResultKey,
		next:      t.Next,
		end:       t.End,
	}
	for _, c := range t.Catch {
		s.compensations = append(s.compensations, compensation{
			codes: set.New(c.ErrorEquals...),
			next:  c.Next,
		})
	}
	return s
}

func (s *Step) Name() string      { return s.name }
func (s *Step) Resource() string  { return s.resource }
func (s *Step) ResultKey() string { return s.resultKey }

// Next returns the successor step name; end is true for a terminal step.
func (s *Step) Next() (next string, end bool) {
	return s.next, s.end
}

// Catchers returns a copy of the compensation table in declaration order.
func (s *Step) Catchers() []Catcher {
	out := make([]Catcher, len(s.compensations))
	for i, c := range s.compensations {
		out[i] = Catcher{ErrorEquals: c.codes.Items(), Next: c.next}
	}
	return out
}

// Compensate returns the step to continue with after this step failed with
// code. Entries are scanned in declaration order; the first whose codes hold
// the wildcard or code wins.
func (s *Step) Compensate(code string) (string, error) {
	for _, c := range s.compensations {
		if c.matches(code) {
			return c.next, nil
		}
	}
	return "", &NoCompensationError{Step: s.name, Code: code}
}

// Act runs the step: it instantiates the step's API and passes it, the
// accumulated results and the payload to in.Exec. The response is returned
// keyed by the step's result key. A panic in the executor is returned as an
// unclassified error.
func (s *Step) Act(ctx context.Context, results Results, in StepInput) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("step %s panicked: %v", s.name, r)
		}
	}()

	var api API
	if s.api != nil {
		api, err = s.api(ctx)
		if err != nil {
			return nil, fmt.Errorf("instantiate resource %s: %w", s.resource, err)
		}
	}

	resp, err := in.Exec(ctx, api, results, in.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{s.resultKey: resp}, nil
}

// Results is a read-only view of the results accumulated by earlier steps.
type Results struct {
	tree *btree.Map[string, any]
}

func newResults() *btree.Map[string, any] {
	return btree.NewMap[string, any](10)
}

// Lookup retrieves the result stored under key.
func (r Results) Lookup(key string) (any, bool) {
	if r.tree == nil {
		return nil, false
	}
	return r.tree.Get(key)
}

// Len returns the number of stored results.
func (r Results) Len() int {
	if r.tree == nil {
		return 0
	}
	return r.tree.Len()
}

// Keys returns the result keys in ascending order.
func (r Results) Keys() []string {
	if r.tree == nil {
		return nil
	}
	keys := make([]string, 0, r.tree.Len())
	r.tree.Scan(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Map returns a copy of the results as a plain map.
func (r Results) Map() map[string]any {
	out := make(map[string]any, r.Len())
	if r.tree == nil {
		return out
	}
	r.tree.Scan(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// LookupTyped retrieves the result stored under key as an R. Values held as
// json.RawMessage are unmarshaled.
func LookupTyped[R any](r Results, key string) (R, bool) {
	var zero R
	value, found := r.Lookup(key)
	if !found {
		return zero, false
	}

	if typed, ok := value.(R); ok {
		return typed, true
	}

	if raw, ok := value.(json.RawMessage); ok {
		var result R
		if err := json.Unmarshal(raw, &result); err == nil {
			return result, true
		}
	}

	return zero, false
}
