package orchestrator

import (
	"time"

	"github.com/izavyalov-dev/delta-select/analysis"
	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/impact"
	"github.com/izavyalov-dev/delta-select/planner"
	"github.com/izavyalov-dev/delta-select/report"
	"github.com/izavyalov-dev/delta-select/state"
)

// CycleRequest captures inputs to start a planning cycle. Changes wins over
// Ref; with only Ref set the change set is read from source control.
type CycleRequest struct {
	RunID   string
	Ref     string
	Changes *catalog.ChangeSet
	Budget  time.Duration
	Execute bool
	Trigger *report.Trigger
}

// CycleResult aggregates everything one cycle produced.
type CycleResult struct {
	RunID     string                 `json:"run_id"`
	State     state.CycleState       `json:"state"`
	Changes   catalog.ChangeSet      `json:"changes"`
	Impact    impact.Impact          `json:"impact"`
	Plan      *planner.TestPlan      `json:"plan,omitempty"`
	Execution *executor.Result       `json:"execution,omitempty"`
	Warnings  []analysis.Warning     `json:"warnings,omitempty"`
	Report    report.ExecutionReport `json:"report"`
}
