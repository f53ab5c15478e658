package state

import "testing"

func TestValidateCycleTransition(t *testing.T) {
	cases := []struct {
		from, to CycleState
		ok       bool
	}{
		{CycleStateCreated, CycleStatePlanning, true},
		{CycleStatePlanning, CycleStateExecuting, true},
		{CycleStatePlanning, CycleStateInfeasible, true},
		{CycleStateExecuting, CycleStateSucceeded, true},
		{CycleStateSucceeded, CycleStateReported, true},
		{CycleStateReported, CycleStateReported, true},
		{CycleStateCreated, CycleStateExecuting, false},
		{CycleStateReported, CycleStatePlanning, false},
		{CycleStateInfeasible, CycleStateExecuting, false},
	}
	for _, tc := range cases {
		err := ValidateCycleTransition("c1", tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !IsTransitionError(err) {
			t.Fatalf("%s -> %s: expected transition error, got %v", tc.from, tc.to, err)
		}
	}
}

func TestValidateCycleTransitionUnknownState(t *testing.T) {
	if err := ValidateCycleTransition("c1", "BOGUS", CycleStatePlanning); !IsUnknownStateError(err) {
		t.Fatalf("expected unknown state error, got %v", err)
	}
	if err := ValidateCycleTransition("c1", CycleStateCreated, "BOGUS"); !IsUnknownStateError(err) {
		t.Fatalf("expected unknown state error, got %v", err)
	}
}

func TestTerminal(t *testing.T) {
	if !CycleStateReported.Terminal() {
		t.Fatalf("expected REPORTED to be terminal")
	}
	if CycleStateSucceeded.Terminal() {
		t.Fatalf("SUCCEEDED still moves to REPORTED")
	}
}
