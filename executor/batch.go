package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/planner"
)

// Status is the final state of one planned test.
type Status string

const (
	StatusPass      Status = Status(feedback.OutcomePass)
	StatusFail      Status = Status(feedback.OutcomeFail)
	StatusFlakyPass Status = Status(feedback.OutcomeFlakyPass)
	StatusTimeout   Status = Status(feedback.OutcomeTimeout)
	// StatusErrored means the runner failed before reporting the test.
	StatusErrored Status = "errored"
	// StatusCancelled means the test's batch never started.
	StatusCancelled Status = "cancelled"
)

// Recordable reports whether the status produces a feedback record.
func (s Status) Recordable() bool {
	return feedback.Outcome(s).Valid()
}

// Batch is a unit of work handed to one runner worker. Tests within a batch
// run sequentially in order.
type Batch struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Index     int             `json:"index"`
	Exclusive bool            `json:"exclusive,omitempty"`
	Entries   []planner.Entry `json:"entries"`
}

// MustRun returns ids of the batch's must-run tests.
func (b Batch) MustRun() []string {
	var ids []string
	for _, entry := range b.Entries {
		if entry.MustRun() {
			ids = append(ids, entry.Test.ID)
		}
	}
	return ids
}

// Deadline bounds the whole batch: the sum of per-test timeouts.
func (b Batch) Deadline() time.Duration {
	var total time.Duration
	for _, entry := range b.Entries {
		total += entry.Timeout
	}
	return total
}

// Outcome is streamed by a Runner as each test completes.
type Outcome struct {
	TestID       string           `json:"test_id"`
	Outcome      feedback.Outcome `json:"outcome"`
	WallTime     time.Duration    `json:"wall_time"`
	DefectLinked bool             `json:"defect_linked,omitempty"`
	Output       string           `json:"output,omitempty"`
}

// Runner executes a batch and reports every test outcome through report.
// report may be called from any goroutine; Execute returns once the batch
// is done or failed.
type Runner interface {
	Execute(ctx context.Context, batch Batch, report func(Outcome)) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, batch Batch, report func(Outcome)) error

func (f RunnerFunc) Execute(ctx context.Context, batch Batch, report func(Outcome)) error {
	return f(ctx, batch, report)
}

// Partition splits a plan into an exclusive batch, which runs first and
// alone, followed by up to workers parallel-safe batches filled round-robin
// in plan order.
func Partition(plan planner.TestPlan, workers int) []Batch {
	if workers < 1 {
		workers = 1
	}
	var exclusive []planner.Entry
	parallel := make([][]planner.Entry, workers)
	next := 0
	for _, entry := range plan.Entries {
		if entry.Test.Exclusive() {
			exclusive = append(exclusive, entry)
			continue
		}
		parallel[next%workers] = append(parallel[next%workers], entry)
		next++
	}

	var batches []Batch
	add := func(entries []planner.Entry, isExclusive bool) {
		index := len(batches)
		batches = append(batches, Batch{
			ID:        fmt.Sprintf("%s-b%d", plan.RunID, index),
			RunID:     plan.RunID,
			Index:     index,
			Exclusive: isExclusive,
			Entries:   entries,
		})
	}
	if len(exclusive) > 0 {
		add(exclusive, true)
	}
	for _, entries := range parallel {
		if len(entries) > 0 {
			add(entries, false)
		}
	}
	return batches
}
