package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/impact"
	"github.com/izavyalov-dev/delta-select/risk"
)

// Planner produces an ordered test plan for one change set.
type Planner interface {
	Plan(ctx context.Context, req Request) (TestPlan, error)
}

var ErrInvalidBudget = errors.New("planner: budget must be > 0")

// BudgetInfeasibleError is returned when must-run tests alone exceed the
// budget by more than the configured tolerance. No plan accompanies it.
type BudgetInfeasibleError struct {
	Budget      time.Duration
	MustRunCost time.Duration
	Tolerance   float64
	MustRun     []string
}

func (e *BudgetInfeasibleError) Error() string {
	return fmt.Sprintf("must-run tests need %s, budget %s allows at most %s",
		e.MustRunCost, e.Budget, allowance(e.Budget, e.Tolerance))
}

func IsBudgetInfeasible(err error) bool {
	var target *BudgetInfeasibleError
	return errors.As(err, &target)
}

// Request carries everything the planner needs for one cycle.
type Request struct {
	RunID  string
	Impact impact.Impact
	// Scores holds risk scores of affected units. Missing units score MaxScore.
	Scores map[string]risk.Score
	// Stats holds feedback aggregates keyed by test id.
	Stats map[string]feedback.Aggregate
	// Tests is the test catalog. Impacted tests and the safety net are
	// resolved from it.
	Tests  []catalog.Test
	Budget time.Duration
}

type Reason string

const (
	ReasonMustRun   Reason = "must-run"
	ReasonSafetyNet Reason = "safety-net"
	ReasonSelected  Reason = "selected"
)

// Entry is one planned test.
type Entry struct {
	Test           catalog.Test  `json:"test"`
	Priority       risk.Level    `json:"priority"`
	Risk           float64       `json:"risk"`
	TargetCoverage int           `json:"target_coverage"`
	Reason         Reason        `json:"reason"`
	Cost           time.Duration `json:"cost"`
	Timeout        time.Duration `json:"timeout"`
	// Historical reports whether Cost comes from recorded feedback.
	Historical bool `json:"historical,omitempty"`
	Flaky      bool `json:"flaky,omitempty"`
}

func (e Entry) MustRun() bool {
	return e.Reason == ReasonMustRun
}

// Deferred is a candidate that did not fit the budget. Reason is the slot it
// would have taken.
type Deferred struct {
	TestID   string        `json:"test_id"`
	Priority risk.Level    `json:"priority"`
	Risk     float64       `json:"risk"`
	Cost     time.Duration `json:"cost"`
	Reason   Reason        `json:"reason"`
}

// TestPlan is the ordered, deduplicated output of the planner.
type TestPlan struct {
	RunID           string         `json:"run_id"`
	Entries         []Entry        `json:"entries"`
	Deferred        []Deferred     `json:"deferred,omitempty"`
	Budget          time.Duration  `json:"budget"`
	TotalCost       time.Duration  `json:"total_cost"`
	MustRunCost     time.Duration  `json:"must_run_cost"`
	MustRunOverrun  time.Duration  `json:"must_run_overrun,omitempty"`
	Overrun         time.Duration  `json:"overrun,omitempty"`
	Confidence      float64        `json:"confidence"`
	SafetyNetAdded  bool           `json:"safety_net_added,omitempty"`
	CoverageTargets map[string]int `json:"coverage_targets"`
	CoverageGaps    []string       `json:"coverage_gaps,omitempty"`
	FlakyTests      []string       `json:"flaky_tests,omitempty"`
	UnknownUnits    []string       `json:"unknown_units,omitempty"`
}

// TestIDs returns planned test ids in execution order.
func (p TestPlan) TestIDs() []string {
	ids := make([]string, 0, len(p.Entries))
	for _, entry := range p.Entries {
		ids = append(ids, entry.Test.ID)
	}
	return ids
}

// Count returns the number of entries with the given reason.
func (p TestPlan) Count(reason Reason) int {
	n := 0
	for _, entry := range p.Entries {
		if entry.Reason == reason {
			n++
		}
	}
	return n
}

func allowance(budget time.Duration, tolerance float64) time.Duration {
	return budget + time.Duration(float64(budget)*tolerance)
}
