package state

import (
	"errors"
	"fmt"
)

// CycleState tracks one planning cycle from change detection to report.
type CycleState string

const (
	CycleStateCreated    CycleState = "CREATED"
	CycleStatePlanning   CycleState = "PLANNING"
	CycleStatePlanFailed CycleState = "PLAN_FAILED"
	CycleStateInfeasible CycleState = "INFEASIBLE"
	CycleStatePlanned    CycleState = "PLANNED"
	CycleStateExecuting  CycleState = "EXECUTING"
	CycleStateSucceeded  CycleState = "SUCCEEDED"
	CycleStateFailed     CycleState = "FAILED"
	CycleStateCanceled   CycleState = "CANCELED"
	CycleStateReported   CycleState = "REPORTED"
)

var cycleTransitions = map[CycleState][]CycleState{
	CycleStateCreated:    {CycleStateCreated, CycleStatePlanning},
	CycleStatePlanning:   {CycleStatePlanning, CycleStatePlanned, CycleStateExecuting, CycleStatePlanFailed, CycleStateInfeasible},
	CycleStatePlanFailed: {CycleStatePlanFailed, CycleStateReported},
	CycleStateInfeasible: {CycleStateInfeasible, CycleStateReported},
	CycleStatePlanned:    {CycleStatePlanned, CycleStateReported},
	CycleStateExecuting:  {CycleStateExecuting, CycleStateSucceeded, CycleStateFailed, CycleStateCanceled},
	CycleStateSucceeded:  {CycleStateSucceeded, CycleStateReported},
	CycleStateFailed:     {CycleStateFailed, CycleStateReported},
	CycleStateCanceled:   {CycleStateCanceled, CycleStateReported},
	CycleStateReported:   {CycleStateReported},
}

// TransitionError signals an illegal state transition detected in the persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a state value that is not part of the documented state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

// ValidateCycleTransition checks a transition without touching storage.
func ValidateCycleTransition(id string, from, to CycleState) error {
	allowed, ok := cycleTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "cycle", State: string(from)}
	}
	if _, known := cycleTransitions[to]; !known {
		return UnknownStateError{Entity: "cycle", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "cycle", ID: id, From: string(from), To: string(to)}
}

// Terminal reports whether a cycle can no longer change state.
func (s CycleState) Terminal() bool {
	return s == CycleStateReported
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
