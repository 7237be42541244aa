package statesaga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"
)

// Outcome is the final state of a saga run.
type Outcome int

const (
	// OutcomeCommitted means every step on the forward path completed.
	OutcomeCommitted Outcome = iota
	// OutcomeRolledBack means a step failed and the compensation chain ran
	// to its end. The run still counts as failed.
	OutcomeRolledBack
	// OutcomeHardError means the run stopped without a consistent state:
	// no compensation matched, a compensation failed, or an unclassified
	// failure occurred.
	OutcomeHardError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeHardError:
		return "hard_error"
	default:
		return "unknown"
	}
}

// OutcomeOf classifies an error returned by Saga.Execute.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.Is(err, ErrRolledBack):
		return OutcomeRolledBack
	default:
		return OutcomeHardError
	}
}

// StepStatus is the status of one step invocation.
type StepStatus int

const (
	StepCompleted StepStatus = iota
	StepFailed
)

func (s StepStatus) String() string {
	switch s {
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ExecutionRecord tracks the invocation of a single step.
type ExecutionRecord struct {
	Step         string
	Compensating bool // invoked while rolling back
	StartTime    time.Time
	EndTime      time.Time
	Status       StepStatus
	Code         string // error code of a classified failure
	Error        error
}

// Result describes a finished run. It is returned for every outcome.
type Result struct {
	ExecutionID uuid.UUID
	Saga        string
	Outcome     Outcome
	Results     map[string]any
	Trace       []ExecutionRecord
	Events      []Event
}

// ExecutionOrder returns the names of the invoked steps in order.
func (r *Result) ExecutionOrder() []string {
	order := make([]string, len(r.Trace))
	for i, rec := range r.Trace {
		order[i] = rec.Step
	}
	return order
}

// Option configures a Saga.
type Option func(*Saga)

// WithStepLog sets the audit sink. Pass nil to disable audit logging.
func WithStepLog(l *StepLog) Option {
	return func(s *Saga) { s.slog = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Saga) { s.metrics = m }
}

// WithStore journals every run to store.
func WithStore(store Store) Option {
	return func(s *Saga) { s.store = store }
}

// Saga executes a Definition. A Saga holds no per-run state, so Execute may
// be called concurrently.
type Saga struct {
	def     *Definition
	slog    *StepLog
	metrics *Metrics
	store   Store
}

// New creates a Saga for def. Audit records go to the global zerolog logger
// unless WithStepLog says otherwise.
func New(def *Definition, opts ...Option) *Saga {
	s := &Saga{
		def:  def,
		slog: NewStepLog(log.Logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Saga) Definition() *Definition {
	return s.def
}

// Execute runs the saga from its start step.
//
// Each step's response is merged into the accumulated results under its
// result key. When a step returns a StepFailure, the step's compensation
// table picks the step to continue with, and the run is marked as rolling
// back. Reaching the end of the chain while rolling back yields a
// *RollbackError; a second StepFailure while rolling back, a failure with
// no matching compensation, an unclassified failure, or a step without
// input yields a *SagaError. The error is nil only for a committed run.
//
// Execute has no cancellation of its own: ctx is handed to every executor,
// and an executor giving up on a cancelled context should return a
// StepFailure if the saga is to compensate.
func (s *Saga) Execute(ctx context.Context, inputs Inputs) (*Result, error) {
	id := uuid.New()
	e := &execution{
		saga:    s,
		id:      id,
		inputs:  inputs,
		results: newResults(),
		log:     newSagaLog(id, s.def.name, s.slog),
		started: time.Now(),
	}
	return e.run(ctx)
}

// execution is the state of one run. It lives on the stack of Execute.
type execution struct {
	saga     *Saga
	id       uuid.UUID
	inputs   Inputs
	results  *btree.Map[string, any]
	rollback *StepFailure
	trace    []ExecutionRecord
	log      *sagaLog
	started  time.Time
}

func (e *execution) run(ctx context.Context) (*Result, error) {
	def := e.saga.def
	e.log.record(ctx, StageStartSaga, def.name)
	e.saga.metrics.sagaStarted(def.name)
	e.persist(ctx, RunStatusRunning, nil)

	current := def.start
	for hops := 0; ; hops++ {
		// An acyclic definition visits each step at most once.
		if hops >= def.Len() {
			return e.fail(ctx, &SagaError{
				Step:     current,
				Kind:     KindTransitionLimit,
				Err:      fmt.Errorf("%w after %d steps", ErrTransitionLimit, hops),
				Original: e.rollback,
			})
		}

		step := def.steps[current]
		in, ok := e.inputs[current]
		if !ok || in.Exec == nil {
			e.log.record(ctx, StageFailTx, current)
			e.log.record(ctx, StageErrorSaga, def.name)
			return e.fail(ctx, &SagaError{
				Step:     current,
				Kind:     KindMissingInput,
				Err:      &MissingStepInputError{Step: current},
				Original: e.rollback,
			})
		}

		e.log.record(ctx, StageStartTx, current)
		out, err := e.act(ctx, step, in)
		if err == nil {
			for k, v := range out {
				e.results.Set(k, v)
			}
			e.log.record(ctx, StageEndTx, current)
			if step.end {
				break
			}
			current = step.next
			continue
		}

		var failure *StepFailure
		if !errors.As(err, &failure) {
			e.log.record(ctx, StageFailTx, current)
			e.log.record(ctx, StageErrorSaga, def.name)
			return e.fail(ctx, &SagaError{
				Step:     current,
				Kind:     KindUnclassified,
				Err:      err,
				Original: e.rollback,
			})
		}

		failure = failure.at(current)
		e.log.record(ctx, StageFailTx, current)
		e.log.record(ctx, StageAbortSaga, def.name)
		if e.rollback != nil {
			return e.fail(ctx, &SagaError{
				Step:     current,
				Kind:     KindSecondFailure,
				Err:      failure,
				Original: e.rollback,
			})
		}

		e.rollback = failure
		next, err := step.Compensate(failure.Code)
		if err != nil {
			var nc *NoCompensationError
			if errors.As(err, &nc) {
				nc.Failure = failure
			}
			return e.fail(ctx, &SagaError{
				Step: current,
				Kind: KindNoCompensation,
				Err:  err,
			})
		}
		e.saga.metrics.rollbackStarted(def.name, failure.Code)
		e.persist(ctx, RunStatusRollingBack, nil)
		current = next
	}

	if e.rollback != nil {
		e.log.record(ctx, StageRollbackSaga, def.name)
		rbErr := &RollbackError{Saga: def.name, Cause: e.rollback}
		return e.finish(ctx, OutcomeRolledBack, RunStatusRolledBack, rbErr)
	}

	e.log.record(ctx, StageCommitSaga, def.name)
	return e.finish(ctx, OutcomeCommitted, RunStatusCommitted, nil)
}

// act invokes one step and records it in the trace.
func (e *execution) act(ctx context.Context, step *Step, in StepInput) (map[string]any, error) {
	rec := ExecutionRecord{
		Step:         step.name,
		Compensating: e.log.Unwinding(),
		StartTime:    time.Now(),
	}

	out, err := step.Act(ctx, Results{tree: e.results}, in)
	rec.EndTime = time.Now()
	if err != nil {
		rec.Status = StepFailed
		rec.Error = err
		var failure *StepFailure
		if errors.As(err, &failure) {
			rec.Code = failure.Code
		}
	}
	e.trace = append(e.trace, rec)
	e.saga.metrics.stepFinished(e.saga.def.name, step.name, rec.Status, rec.EndTime.Sub(rec.StartTime))
	return out, err
}

func (e *execution) fail(ctx context.Context, err *SagaError) (*Result, error) {
	err.Saga = e.saga.def.name
	return e.finish(ctx, OutcomeHardError, RunStatusFailed, err)
}

func (e *execution) finish(ctx context.Context, outcome Outcome, status string, err error) (*Result, error) {
	e.saga.metrics.sagaFinished(e.saga.def.name, outcome)
	e.persist(ctx, status, err)

	return &Result{
		ExecutionID: e.id,
		Saga:        e.saga.def.name,
		Outcome:     outcome,
		Results:     Results{tree: e.results}.Map(),
		Trace:       append([]ExecutionRecord(nil), e.trace...),
		Events:      e.log.Events(),
	}, err
}

// persist journals the run. Failures are logged and otherwise ignored.
func (e *execution) persist(ctx context.Context, status string, runErr error) {
	if e.saga.store == nil {
		return
	}

	record := RunRecord{
		ExecutionID:    e.id.String(),
		SagaName:       e.saga.def.name,
		Status:         status,
		RequestContext: RequestFromContext(ctx),
		Events:         e.log.Events(),
		CreatedAt:      e.started,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	if e.results.Len() > 0 {
		data, err := json.Marshal(Results{tree: e.results}.Map())
		if err != nil {
			e.saga.slog.warn(err, "saga journal: results not serializable")
		} else {
			record.Results = data
		}
	}

	if err := e.saga.store.Save(ctx, record); err != nil {
		e.saga.slog.warn(err, "saga journal: failed to save run")
	}
}
