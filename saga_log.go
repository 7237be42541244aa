package statesaga

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stage is a saga or transaction lifecycle transition.
type Stage string

const (
	StageStartSaga    Stage = "startSaga"
	StageAbortSaga    Stage = "abortSaga"
	StageErrorSaga    Stage = "errorSaga"
	StageRollbackSaga Stage = "rollbackSaga"
	StageCommitSaga   Stage = "commitSaga"

	StageStartTx Stage = "startTx"
	StageEndTx   Stage = "endTx"
	StageFailTx  Stage = "failTx"
)

// Event is one entry of a saga's audit trail. Name is the saga name for saga
// stages and the step name for transaction stages.
type Event struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Saga        string    `json:"saga"`
	Stage       Stage     `json:"stage"`
	Name        string    `json:"name"`
	Time        time.Time `json:"time"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Stage, e.Name)
}

// RequestContext is the caller's request/correlation context. It is attached
// to every audit record and never interpreted.
type RequestContext map[string]string

type requestContextKey struct{}

// ContextWithRequest returns a copy of ctx carrying rc.
func ContextWithRequest(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestFromContext returns the RequestContext stored on ctx, if any.
func RequestFromContext(ctx context.Context) RequestContext {
	if ctx == nil {
		return nil
	}
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}

// StepLog writes the structured audit trail of saga runs. It is safe for
// concurrent use. Logging is best effort: a failing writer never affects a
// saga, and a nil *StepLog discards everything.
type StepLog struct {
	logger zerolog.Logger
}

// NewStepLog creates a StepLog writing to logger.
func NewStepLog(logger zerolog.Logger) *StepLog {
	return &StepLog{logger: logger}
}

// Log emits one record for ev, tagged with the request context on ctx.
func (l *StepLog) Log(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	entry := l.logger.Info().
		Str("saga_id", ev.ExecutionID.String()).
		Str("saga", ev.Saga).
		Str("stage", string(ev.Stage)).
		Str("name", ev.Name)
	if rc := RequestFromContext(ctx); len(rc) > 0 {
		dict := zerolog.Dict()
		for _, k := range rc.sortedKeys() {
			dict = dict.Str(k, rc[k])
		}
		entry = entry.Dict("req_context", dict)
	}
	entry.Msg("SagaLog: " + string(ev.Stage) + " " + ev.Name)
}

func (l *StepLog) warn(err error, msg string) {
	if l == nil {
		return
	}
	l.logger.Warn().Err(err).Msg(msg)
}

// txStatus is the status of one step's transaction within a run.
type txStatus int

const (
	txNeverStarted txStatus = iota
	txStarted
	txSucceeded
	txFailed
)

func (s txStatus) String() string {
	switch s {
	case txNeverStarted:
		return "NeverStarted"
	case txStarted:
		return "Started"
	case txSucceeded:
		return "Succeeded"
	case txFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown txStatus: %d", int(s))
	}
}

// nextStatus returns the new status for a step after recording stage.
func (s txStatus) nextStatus(stage Stage) (txStatus, error) {
	switch s {
	case txNeverStarted:
		switch stage {
		case StageStartTx:
			return txStarted, nil
		case StageFailTx:
			// a step can fail before its transaction starts, e.g. for
			// want of input
			return txFailed, nil
		}
	case txStarted:
		switch stage {
		case StageEndTx:
			return txSucceeded, nil
		case StageFailTx:
			return txFailed, nil
		}
	}
	return s, fmt.Errorf("illegal stage %s for transaction status %v", stage, s)
}

// sagaLog is the audit trail of a single run.
type sagaLog struct {
	sync.Mutex
	executionID uuid.UUID
	saga        string
	sink        *StepLog
	unwinding   bool
	events      []Event
	txStatus    map[string]txStatus
}

func newSagaLog(executionID uuid.UUID, saga string, sink *StepLog) *sagaLog {
	return &sagaLog{
		executionID: executionID,
		saga:        saga,
		sink:        sink,
		txStatus:    make(map[string]txStatus),
	}
}

// record appends an event and forwards it to the sink. A transaction stage
// that does not fit the step's status is reported and still recorded.
func (l *sagaLog) record(ctx context.Context, stage Stage, name string) {
	ev := Event{
		ExecutionID: l.executionID,
		Saga:        l.saga,
		Stage:       stage,
		Name:        name,
		Time:        time.Now(),
	}

	l.Lock()
	switch stage {
	case StageStartTx, StageEndTx, StageFailTx:
		next, err := l.txStatus[name].nextStatus(stage)
		if err != nil {
			l.sink.warn(err, "saga log out of order")
		}
		l.txStatus[name] = next
	case StageAbortSaga:
		l.unwinding = true
	}
	l.events = append(l.events, ev)
	l.Unlock()

	l.sink.Log(ctx, ev)
}

func (l *sagaLog) Unwinding() bool {
	l.Lock()
	defer l.Unlock()
	return l.unwinding
}

func (l *sagaLog) Events() []Event {
	l.Lock()
	defer l.Unlock()
	return append([]Event(nil), l.events...)
}

// SagaLogPretty is a helper for pretty-printing the events of a run.
type SagaLogPretty struct {
	ExecutionID uuid.UUID
	Saga        string
	Events      []Event
}

// String implements the fmt.Stringer interface for SagaLogPretty.
func (p *SagaLogPretty) String() string {
	var sb strings.Builder
	sb.WriteString("SAGA LOG:\n")
	sb.WriteString(fmt.Sprintf("saga:      %s\n", p.Saga))
	sb.WriteString(fmt.Sprintf("saga id:   %s\n", p.ExecutionID))
	direction := "forward"
	for _, ev := range p.Events {
		if ev.Stage == StageAbortSaga {
			direction = "unwinding"
			break
		}
	}
	sb.WriteString(fmt.Sprintf("direction: %s\n", direction))
	sb.WriteString(fmt.Sprintf("events (%d total):\n", len(p.Events)))
	sb.WriteString("\n")
	for i, ev := range p.Events {
		sb.WriteString(fmt.Sprintf("%03d %s\n", i+1, ev.String()))
	}
	return sb.String()
}

// sortedKeys returns the keys of rc in ascending order.
func (rc RequestContext) sortedKeys() []string {
	keys := make([]string, 0, len(rc))
	for k := range rc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
