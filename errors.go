package statesaga

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors. Use errors.Is against any error returned by this package.
var (
	ErrMalformedDefinition = errors.New("malformed definition")
	ErrUnsupportedState    = errors.New("unsupported state type")
	ErrUnknownResource     = errors.New("unknown resource")
	ErrDuplicateStep       = errors.New("duplicate step")
	ErrDanglingTransition  = errors.New("transition to undefined step")
	ErrCyclicTransition    = errors.New("cyclic transition")

	ErrNoCompensation      = errors.New("no compensation found")
	ErrMissingStepInput    = errors.New("missing step input")
	ErrUnclassifiedFailure = errors.New("unclassified failure")
	ErrSecondFailure       = errors.New("failure during rollback")
	ErrTransitionLimit     = errors.New("transition limit exceeded")
	ErrRolledBack          = errors.New("saga rolled back")
)

// Error codes for transport level failures of a remote API call.
const (
	CodeConnection = "-1"
	CodeHTTP       = "-2"
	CodeTimeout    = "-3"
	CodeRequest    = "-4"
)

// CompileError is returned for any failure to build a Definition.
type CompileError struct {
	Saga string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("can not build saga %q: %v", e.Saga, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// compileFailed wraps err in a CompileError unless it already is one.
func compileFailed(saga string, err error) error {
	var ce *CompileError
	if errors.As(err, &ce) {
		return err
	}
	return &CompileError{Saga: saga, Err: err}
}

// StepFailure is a classified failure: it carries a stable error code that
// selects a compensation path. Executors return one (see Failed) when the
// saga should attempt backward recovery.
type StepFailure struct {
	Step string
	Code string
	Err  error
}

// Failed wraps err in a StepFailure carrying code.
func Failed(code string, err error) error {
	if err == nil {
		err = errors.New("step failed")
	}
	return &StepFailure{Code: code, Err: err}
}

// FailedWithStatus is Failed with a numeric status code, such as an HTTP
// status or one of the transport codes.
func FailedWithStatus(status int, err error) error {
	return Failed(strconv.Itoa(status), err)
}

func (e *StepFailure) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("step failed with code %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("step %s failed with code %s: %v", e.Step, e.Code, e.Err)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}

// at returns a copy of e attributed to step, unless it names one already.
func (e *StepFailure) at(step string) *StepFailure {
	f := *e
	if f.Step == "" {
		f.Step = step
	}
	return &f
}

// NoCompensationError reports a StepFailure whose code matched no entry of
// the step's compensation table. Failure is the unrecoverable failure.
type NoCompensationError struct {
	Step    string
	Code    string
	Failure *StepFailure
}

func (e *NoCompensationError) Error() string {
	return fmt.Sprintf("no compensation for step %s (code %s)", e.Step, e.Code)
}

func (e *NoCompensationError) Is(target error) bool {
	return target == ErrNoCompensation
}

func (e *NoCompensationError) Unwrap() error {
	if e.Failure == nil {
		return nil
	}
	return e.Failure
}

// MissingStepInputError reports a visited step without a payload/executor.
type MissingStepInputError struct {
	Step string
}

func (e *MissingStepInputError) Error() string {
	return fmt.Sprintf("no input for step %s", e.Step)
}

func (e *MissingStepInputError) Is(target error) bool {
	return target == ErrMissingStepInput
}

// ErrorKind classifies a SagaError.
type ErrorKind int

const (
	KindUnclassified ErrorKind = iota
	KindNoCompensation
	KindSecondFailure
	KindMissingInput
	KindTransitionLimit
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnclassified:
		return "unclassified"
	case KindNoCompensation:
		return "no_compensation"
	case KindSecondFailure:
		return "second_failure"
	case KindMissingInput:
		return "missing_input"
	case KindTransitionLimit:
		return "transition_limit"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNoCompensation:
		return ErrNoCompensation
	case KindSecondFailure:
		return ErrSecondFailure
	case KindMissingInput:
		return ErrMissingStepInput
	case KindTransitionLimit:
		return ErrTransitionLimit
	default:
		return ErrUnclassifiedFailure
	}
}

// SagaError is the HardError outcome. Err is the triggering cause. Original
// is set when the saga was already rolling back: it is the failure that
// started the rollback, and Err is the failure that ended it.
type SagaError struct {
	Saga     string
	Step     string
	Kind     ErrorKind
	Err      error
	Original *StepFailure
}

func (e *SagaError) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("saga %s failed at step %s (%s): %v; rollback started by: %v",
			e.Saga, e.Step, e.Kind, e.Err, e.Original)
	}
	return fmt.Sprintf("saga %s failed at step %s (%s): %v", e.Saga, e.Step, e.Kind, e.Err)
}

func (e *SagaError) Unwrap() []error {
	if e.Original != nil {
		return []error{e.Err, e.Original}
	}
	return []error{e.Err}
}

func (e *SagaError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// RollbackError is the RolledBack outcome: compensations ran to the end of
// the chain, and the saga's net effect is undone.
type RollbackError struct {
	Saga  string
	Cause *StepFailure
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("saga %s rolled back: %v", e.Saga, e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

func (e *RollbackError) Is(target error) bool {
	return target == ErrRolledBack
}
