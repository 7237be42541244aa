package statesaga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCommits(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}

	res, err := quietSaga(def).Execute(context.Background(), travelInputs(calls, nil))
	require.NoError(t, err, "saga execution should succeed")

	assert.Equal(t, OutcomeCommitted, res.Outcome)
	assert.Equal(t, []string{"BookHotel", "BookFlight", "BookRental"}, calls.Calls())
	assert.Equal(t, []string{"BookHotel", "BookFlight", "BookRental"}, res.ExecutionOrder())

	require.Len(t, res.Results, 3)
	for key, step := range map[string]string{"hotel": "BookHotel", "flight": "BookFlight", "rental": "BookRental"} {
		got, ok := res.Results[key].(confirmation)
		require.True(t, ok, "result %s", key)
		assert.Equal(t, step, got.Step)
	}

	assert.Equal(t, []string{
		"startSaga travel",
		"startTx BookHotel", "endTx BookHotel",
		"startTx BookFlight", "endTx BookFlight",
		"startTx BookRental", "endTx BookRental",
		"commitSaga travel",
	}, stages(res.Events))

	for _, rec := range res.Trace {
		assert.Equal(t, StepCompleted, rec.Status)
		assert.False(t, rec.Compensating)
		assert.False(t, rec.EndTime.Before(rec.StartTime))
	}
}

func TestExecuteRollsBackThroughCompensationChain(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookRental": failWith(calls, "BookRental", FailedWithStatus(500, errors.New("no cars left"))),
	})

	res, err := quietSaga(def).Execute(context.Background(), inputs)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, OutcomeRolledBack, OutcomeOf(err))
	assert.Equal(t, OutcomeRolledBack, res.Outcome)

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, "500", rb.Cause.Code)
	assert.Equal(t, "BookRental", rb.Cause.Step)
	assert.EqualError(t, rb.Cause.Err, "no cars left")

	assert.Equal(t, []string{
		"BookHotel", "BookFlight", "BookRental",
		"CancelRental", "CancelFlight", "CancelHotel",
	}, calls.Calls())

	assert.Equal(t, []string{
		"startSaga travel",
		"startTx BookHotel", "endTx BookHotel",
		"startTx BookFlight", "endTx BookFlight",
		"startTx BookRental", "failTx BookRental",
		"abortSaga travel",
		"startTx CancelRental", "endTx CancelRental",
		"startTx CancelFlight", "endTx CancelFlight",
		"startTx CancelHotel", "endTx CancelHotel",
		"rollbackSaga travel",
	}, stages(res.Events))

	require.Len(t, res.Trace, 6)
	assert.Equal(t, StepFailed, res.Trace[2].Status)
	assert.Equal(t, "500", res.Trace[2].Code)
	assert.False(t, res.Trace[2].Compensating)
	for _, rec := range res.Trace[3:] {
		assert.True(t, rec.Compensating, rec.Step)
		assert.Equal(t, StepCompleted, rec.Status)
	}

	assert.Contains(t, res.Results, "cancel_hotel")
	assert.NotContains(t, res.Results, "rental")
}

func TestExecuteRollbackStopsAtTerminalCompensation(t *testing.T) {
	b := NewBuilder("short")
	api := StaticAPI(&fakeAPI{Resource: "Api"})
	require.NoError(t, b.Append(Task{Name: "BookHotel", API: api, ResultKey: "hotel", Next: "BookFlight",
		Catch: []Catcher{{ErrorEquals: []string{"H1"}, Next: "CancelHotel"}}}))
	require.NoError(t, b.Append(Task{Name: "BookFlight", API: api, ResultKey: "flight", Next: "BookRental",
		Catch: []Catcher{{ErrorEquals: []string{"F1"}, Next: "CancelFlight"}}}))
	require.NoError(t, b.Append(Task{Name: "BookRental", API: api, ResultKey: "rental", End: true,
		Catch: []Catcher{{ErrorEquals: []string{"R1"}, Next: "CancelRental"}}}))
	require.NoError(t, b.Append(Task{Name: "CancelHotel", API: api, ResultKey: "cancel_hotel", End: true}))
	require.NoError(t, b.Append(Task{Name: "CancelFlight", API: api, ResultKey: "cancel_flight", End: true}))
	require.NoError(t, b.Append(Task{Name: "CancelRental", API: api, ResultKey: "cancel_rental", End: true}))
	def, err := b.Build("BookHotel")
	require.NoError(t, err)

	calls := &callLog{}
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookRental": failWith(calls, "BookRental", Failed("R1", nil)),
	})

	res, err := quietSaga(def).Execute(context.Background(), inputs)
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, OutcomeRolledBack, res.Outcome)
	assert.Equal(t, []string{"BookHotel", "BookFlight", "BookRental", "CancelRental"}, calls.Calls())
}

func TestExecuteNoCompensation(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookRental": failWith(calls, "BookRental", FailedWithStatus(404, errors.New("unknown car"))),
	})

	res, err := quietSaga(def).Execute(context.Background(), inputs)
	require.Error(t, err)

	assert.Equal(t, OutcomeHardError, res.Outcome)
	assert.Equal(t, OutcomeHardError, OutcomeOf(err))
	assert.ErrorIs(t, err, ErrNoCompensation)
	assert.NotErrorIs(t, err, ErrRolledBack)

	var sagaErr *SagaError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, KindNoCompensation, sagaErr.Kind)
	assert.Equal(t, "BookRental", sagaErr.Step)
	assert.Equal(t, "travel", sagaErr.Saga)
	assert.Nil(t, sagaErr.Original)

	var nc *NoCompensationError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "404", nc.Code)
	require.NotNil(t, nc.Failure)
	assert.Equal(t, "BookRental", nc.Failure.Step)

	assert.Equal(t, []string{"BookHotel", "BookFlight", "BookRental"}, calls.Calls())
}

func TestExecuteSecondFailureDuringRollback(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookRental":   failWith(calls, "BookRental", FailedWithStatus(500, errors.New("no cars left"))),
		"CancelFlight": failWith(calls, "CancelFlight", FailedWithStatus(503, errors.New("airline down"))),
	})

	res, err := quietSaga(def).Execute(context.Background(), inputs)
	require.Error(t, err)
	assert.Equal(t, OutcomeHardError, res.Outcome)
	assert.ErrorIs(t, err, ErrSecondFailure)

	var sagaErr *SagaError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, KindSecondFailure, sagaErr.Kind)
	assert.Equal(t, "CancelFlight", sagaErr.Step)
	require.NotNil(t, sagaErr.Original)
	assert.Equal(t, "500", sagaErr.Original.Code)
	assert.Equal(t, "BookRental", sagaErr.Original.Step)

	var second *StepFailure
	require.ErrorAs(t, sagaErr.Err, &second)
	assert.Equal(t, "503", second.Code)
	assert.Equal(t, "CancelFlight", second.Step)

	// CancelFlight declares no Catch of its own; it would not matter if it did.
	assert.Equal(t, []string{"BookHotel", "BookFlight", "BookRental", "CancelRental", "CancelFlight"}, calls.Calls())
	assert.Equal(t, "abortSaga travel", stages(res.Events)[len(res.Events)-1])
}

func TestExecuteCompensationStepCatchIsNotFollowed(t *testing.T) {
	b := NewBuilder("nested")
	require.NoError(t, b.Append(Task{Name: "Reserve", ResultKey: "reserve", End: true,
		Catch: []Catcher{{ErrorEquals: []string{WildcardAllShort}, Next: "Release"}}}))
	require.NoError(t, b.Append(Task{Name: "Release", ResultKey: "release", End: true,
		Catch: []Catcher{{ErrorEquals: []string{WildcardAll}, Next: "Alert"}}}))
	require.NoError(t, b.Append(Task{Name: "Alert", ResultKey: "alert", End: true}))
	def, err := b.Build("Reserve")
	require.NoError(t, err)

	calls := &callLog{}
	exec := func(step string, fail bool) ExecFunc {
		return func(ctx context.Context, api API, results Results, payload any) (any, error) {
			calls.add(step)
			assert.Nil(t, api, "steps without a resource get no API")
			if fail {
				return nil, Failed("E", nil)
			}
			return step, nil
		}
	}
	inputs := Inputs{
		"Reserve": {Exec: exec("Reserve", true)},
		"Release": {Exec: exec("Release", true)},
		"Alert":   {Exec: exec("Alert", false)},
	}

	_, err = quietSaga(def).Execute(context.Background(), inputs)
	assert.ErrorIs(t, err, ErrSecondFailure)
	assert.Equal(t, []string{"Reserve", "Release"}, calls.Calls())
}

func TestExecuteUnclassifiedFailure(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	boom := errors.New("nil pointer somewhere")
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookFlight": failWith(calls, "BookFlight", boom),
	})

	res, err := quietSaga(def).Execute(context.Background(), inputs)
	require.Error(t, err)
	assert.Equal(t, OutcomeHardError, res.Outcome)
	assert.ErrorIs(t, err, ErrUnclassifiedFailure)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoCompensation)

	// BookFlight catches States.ALL, but only classified failures are
	// compensated.
	assert.Equal(t, []string{"BookHotel", "BookFlight"}, calls.Calls())
	assert.Equal(t, []string{
		"startSaga travel",
		"startTx BookHotel", "endTx BookHotel",
		"startTx BookFlight", "failTx BookFlight",
		"errorSaga travel",
	}, stages(res.Events))
}

func TestExecuteUnclassifiedFailureDuringRollbackKeepsOriginal(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookRental":   failWith(calls, "BookRental", Failed("-3", errors.New("timeout"))),
		"CancelRental": failWith(calls, "CancelRental", errors.New("connection reset")),
	})

	_, err := quietSaga(def).Execute(context.Background(), inputs)
	var sagaErr *SagaError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, KindUnclassified, sagaErr.Kind)
	require.NotNil(t, sagaErr.Original)
	assert.Equal(t, CodeTimeout, sagaErr.Original.Code)
}

func TestExecutePanicIsUnclassified(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookHotel": func(ctx context.Context, api API, results Results, payload any) (any, error) {
			panic("executor bug")
		},
	})

	res, err := quietSaga(def).Execute(context.Background(), inputs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnclassifiedFailure)
	assert.Contains(t, err.Error(), "executor bug")
	assert.Equal(t, OutcomeHardError, res.Outcome)
	assert.Empty(t, calls.Calls())
}

func TestExecuteWrappedStepFailureIsClassified(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookRental": failWith(calls, "BookRental", fmt.Errorf("car api: %w", Failed("500", nil))),
	})

	_, err := quietSaga(def).Execute(context.Background(), inputs)
	assert.ErrorIs(t, err, ErrRolledBack)
}

func TestExecuteMissingStepInput(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookRental": failWith(calls, "BookRental", Failed("500", nil)),
	})
	delete(inputs, "CancelFlight")

	res, err := quietSaga(def).Execute(context.Background(), inputs)
	require.Error(t, err)
	assert.Equal(t, OutcomeHardError, res.Outcome)
	assert.ErrorIs(t, err, ErrMissingStepInput)

	var sagaErr *SagaError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, "CancelFlight", sagaErr.Step)
	require.NotNil(t, sagaErr.Original)
	assert.Equal(t, "BookRental", sagaErr.Original.Step)

	assert.Equal(t, []string{"BookHotel", "BookFlight", "BookRental", "CancelRental"}, calls.Calls())
	events := stages(res.Events)
	assert.Equal(t, []string{"failTx CancelFlight", "errorSaga travel"}, events[len(events)-2:])
}

func TestExecuteResultsVisibleToLaterSteps(t *testing.T) {
	def := travelDefinition(t)
	calls := &callLog{}
	var seen []string
	inputs := travelInputs(calls, map[string]ExecFunc{
		"BookRental": func(ctx context.Context, api API, results Results, payload any) (any, error) {
			hotel, ok := LookupTyped[confirmation](results, "hotel")
			require.True(t, ok)
			assert.Equal(t, "BookHotel", hotel.Step)
			seen = results.Keys()
			return "car-42", nil
		},
	})

	res, err := quietSaga(def).Execute(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, []string{"flight", "hotel"}, seen)
	assert.Equal(t, "car-42", res.Results["rental"])
}

func TestExecuteAPIFactoryFailure(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("HotelApi", StaticAPI(&fakeAPI{Resource: "HotelApi"}))
	reg.MustRegister("FlightApi", func(context.Context) (API, error) {
		return nil, Failed(CodeConnection, errors.New("connection refused"))
	})
	reg.MustRegister("CarApi", StaticAPI(&fakeAPI{Resource: "CarApi"}))
	def, err := Load("travel", mustOpen(t, "testdata/travel.json"), reg)
	require.NoError(t, err)

	calls := &callLog{}
	inputs := travelInputs(calls, nil)
	inputs["CancelFlight"] = StepInput{Exec: succeed(calls, "CancelFlight")}

	// BookFlight fails before its executor runs; CancelFlight then fails
	// the same way and ends the rollback.
	_, err = quietSaga(def).Execute(context.Background(), inputs)
	var sagaErr *SagaError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, KindSecondFailure, sagaErr.Kind)
	assert.Equal(t, CodeConnection, sagaErr.Original.Code)
	assert.Equal(t, []string{"BookHotel"}, calls.Calls())
}

func TestExecuteIsIdempotentAcrossRuns(t *testing.T) {
	def := travelDefinition(t)
	s := quietSaga(def)
	assert.Same(t, def, s.Definition())

	first, err := s.Execute(context.Background(), travelInputs(&callLog{}, nil))
	require.NoError(t, err)
	second, err := s.Execute(context.Background(), travelInputs(&callLog{}, nil))
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, stages(first.Events), stages(second.Events))
}

func TestExecuteConcurrentRunsShareDefinition(t *testing.T) {
	def := travelDefinition(t)
	s := quietSaga(def)

	const runs = 16
	outcomes := make([]Outcome, runs)
	results := make([]map[string]any, runs)

	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			calls := &callLog{}
			var overrides map[string]ExecFunc
			if i%2 == 1 {
				overrides = map[string]ExecFunc{"BookRental": failWith(calls, "BookRental", Failed("500", nil))}
			}
			res, _ := s.Execute(context.Background(), travelInputs(calls, overrides))
			outcomes[i] = res.Outcome
			results[i] = res.Results
		}(i)
	}
	wg.Wait()

	for i := 0; i < runs; i++ {
		if i%2 == 1 {
			assert.Equal(t, OutcomeRolledBack, outcomes[i])
			assert.Len(t, results[i], 5)
		} else {
			assert.Equal(t, OutcomeCommitted, outcomes[i])
			assert.Len(t, results[i], 3)
		}
	}
}

func TestExecuteTransitionLimit(t *testing.T) {
	// Builder rejects cycles, so only a hand-made definition can loop.
	loop := &Definition{
		name:  "loop",
		start: "A",
		steps: map[string]*Step{
			"A": newStep(Task{Name: "A", ResultKey: "a", Next: "B"}),
			"B": newStep(Task{Name: "B", ResultKey: "b", Next: "A"}),
		},
	}
	exec := func(ctx context.Context, api API, results Results, payload any) (any, error) { return 1, nil }

	res, err := quietSaga(loop).Execute(context.Background(), Inputs{"A": {Exec: exec}, "B": {Exec: exec}})
	assert.ErrorIs(t, err, ErrTransitionLimit)
	assert.Equal(t, []string{"A", "B"}, res.ExecutionOrder())
}
