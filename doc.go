// Package statesaga runs sagas described as JSON state machines.
//
// A saga is a sequence of steps that each call a remote API. Instead of an
// atomic commit, every step can declare compensations: when a step fails
// with a classified error code, the saga continues at the step that undoes
// the work done so far. Recovery is backward only.
//
// # Overview
//
// Register the API implementations your definitions refer to: create a
// Registry with NewRegistry and register an APIFactory under each resource
// name.
//
// Compile a definition. Compile parses a subset of the Step Functions
// grammar: StartAt, and Task states with Resource, ResultPath, Catch and
// Next or End. Alternatively, use a Builder and append Tasks by hand.
//
// Run it. Create a Saga with New, optionally WithStepLog, WithMetrics and
// WithStore, and call Execute with an Inputs map holding the payload and
// ExecFunc of every step the run may visit.
//
// # Outcomes
//
// Execute returns a nil error when the run committed, a *RollbackError when
// a StepFailure was compensated and the compensation chain completed, and a
// *SagaError otherwise. Only StepFailure errors (see Failed) trigger
// compensation; any other error ends the run at once.
//
// Example definition:
//
//	{
//	  "StartAt": "BookHotel",
//	  "States": {
//	    "BookHotel": {
//	      "Type": "Task", "Resource": "HotelApi", "ResultPath": "$.hotel",
//	      "Catch": [{"ErrorEquals": ["States.ALL"], "Next": "CancelHotel"}],
//	      "Next": "BookFlight"
//	    },
//	    ...
//	  }
//	}
package statesaga
