package statesaga

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Test saga: travel booking
// Flow: BookHotel -> BookFlight -> BookRental
// Compensations: CancelRental -> CancelFlight -> CancelHotel

var travelSteps = []string{"BookHotel", "BookFlight", "BookRental", "CancelHotel", "CancelFlight", "CancelRental"}

type fakeAPI struct {
	Resource string
}

func travelRegistry() *Registry {
	reg := NewRegistry()
	for _, name := range []string{"HotelApi", "FlightApi", "CarApi"} {
		reg.MustRegister(name, StaticAPI(&fakeAPI{Resource: name}))
	}
	return reg
}

func travelDefinition(t *testing.T) *Definition {
	t.Helper()
	data, err := os.ReadFile("testdata/travel.json")
	require.NoError(t, err)
	def, err := Compile("travel", data, travelRegistry())
	require.NoError(t, err)
	return def
}

// callLog records which steps' executors were called.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, step)
}

func (c *callLog) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// confirmation is the response of the fake booking APIs.
type confirmation struct {
	Step     string `json:"step"`
	Resource string `json:"resource"`
	Payload  any    `json:"payload"`
}

func succeed(calls *callLog, step string) ExecFunc {
	return func(ctx context.Context, api API, results Results, payload any) (any, error) {
		calls.add(step)
		return confirmation{Step: step, Resource: api.(*fakeAPI).Resource, Payload: payload}, nil
	}
}

func failWith(calls *callLog, step string, err error) ExecFunc {
	return func(ctx context.Context, api API, results Results, payload any) (any, error) {
		calls.add(step)
		return nil, err
	}
}

// travelInputs builds inputs for every travel step, with overrides for
// selected steps.
func travelInputs(calls *callLog, overrides map[string]ExecFunc) Inputs {
	in := Inputs{}
	for _, step := range travelSteps {
		exec := succeed(calls, step)
		if o, ok := overrides[step]; ok {
			exec = o
		}
		in[step] = StepInput{Payload: map[string]string{"ref": "trip-" + step}, Exec: exec}
	}
	return in
}

func quietSaga(def *Definition, opts ...Option) *Saga {
	return New(def, append([]Option{WithStepLog(NewStepLog(zerolog.Nop()))}, opts...)...)
}

func stages(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = fmt.Sprintf("%s %s", ev.Stage, ev.Name)
	}
	return out
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}
