package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/planner"
)

var (
	ErrNilRunner = errors.New("executor: runner is required")
	// ErrCancelled is returned when the run was cancelled before every batch started.
	ErrCancelled = errors.New("executor: run cancelled between batches")
)

// Recorder receives feedback records as outcomes arrive.
type Recorder interface {
	Record(ctx context.Context, record feedback.Record) (bool, error)
}

type Config struct {
	// Workers caps parallel-safe batches in flight. Defaults to the CPU count.
	Workers int `yaml:"workers" json:"workers"`
	// Grace is added to a batch's summed timeouts before it is considered hung.
	Grace time.Duration `yaml:"grace" json:"grace"`
}

func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU(), Grace: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.Grace == 0 {
		c.Grace = def.Grace
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Workers < 1 {
		return catalog.Invalid("executor.workers", "must be >= 1, got %d", c.Workers)
	}
	if c.Grace < 0 {
		return catalog.Invalid("executor.grace", "must be >= 0")
	}
	return nil
}

// TestResult is the final state of one planned test.
type TestResult struct {
	TestID   string         `json:"test_id"`
	BatchID  string         `json:"batch_id,omitempty"`
	Status   Status         `json:"status"`
	Reason   planner.Reason `json:"reason"`
	WallTime time.Duration  `json:"wall_time"`
	Recorded bool           `json:"recorded,omitempty"`
	Error    string         `json:"error,omitempty"`
	Output   string         `json:"output,omitempty"`
}

// Result collects per-test results in plan order.
type Result struct {
	RunID     string       `json:"run_id"`
	Results   []TestResult `json:"results"`
	Batches   int          `json:"batches"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
}

func (r Result) Count(status Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// TestIDs returns ids of tests that ended with the given status.
func (r Result) TestIDs(status Status) []string {
	var ids []string
	for _, res := range r.Results {
		if res.Status == status {
			ids = append(ids, res.TestID)
		}
	}
	return ids
}

// Coordinator runs a plan batch by batch through a Runner.
type Coordinator struct {
	runner   Runner
	recorder Recorder
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(runner Runner, recorder Recorder, config Config, logger *slog.Logger) (*Coordinator, error) {
	if runner == nil {
		return nil, ErrNilRunner
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		runner:   runner,
		recorder: recorder,
		config:   config.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (c *Coordinator) Config() Config {
	return c.config
}

// Execute runs the plan. Batch k+1 starts once batch k's must-run tests have
// reported; for the exclusive batch, once it has finished. Cancellation of ctx
// is honoured only between batches: started batches run to completion or to
// their own deadline.
func (c *Coordinator) Execute(ctx context.Context, plan planner.TestPlan) (Result, error) {
	batches := Partition(plan, c.config.Workers)
	state := newRunState(plan)
	result := Result{RunID: plan.RunID, Batches: len(batches), Started: c.now().UTC()}
	logger := observability.WithRun(c.logger, plan.RunID)

	gates := make([]chan struct{}, len(batches))
	for i := range gates {
		gates[i] = make(chan struct{})
	}
	detached := context.WithoutCancel(ctx)

	var group errgroup.Group
	group.SetLimit(c.config.Workers)
	notStarted := 0
	for i, batch := range batches {
		if i > 0 {
			select {
			case <-gates[i-1]:
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			notStarted = len(batches) - i
			break
		}
		group.Go(func() error {
			c.runBatch(detached, batch, gates[i], state)
			return nil
		})
	}
	_ = group.Wait()

	result.Results = state.results()
	result.Finished = c.now().UTC()
	if notStarted > 0 {
		result.Cancelled = true
		logger.Warn("run cancelled between batches",
			"event", "run_cancelled",
			"batches_not_started", notStarted,
			"tests_cancelled", result.Count(StatusCancelled),
		)
		return result, fmt.Errorf("%w: %d of %d batches not started: %w", ErrCancelled, notStarted, len(batches), ctx.Err())
	}
	logger.Info("run executed",
		"event", "run_executed",
		"batches", len(batches),
		"passed", result.Count(StatusPass),
		"failed", result.Count(StatusFail),
		"timeouts", result.Count(StatusTimeout),
		"errored", result.Count(StatusErrored),
	)
	return result, nil
}

func (c *Coordinator) runBatch(ctx context.Context, batch Batch, gate chan struct{}, state *runState) {
	logger := observability.WithBatch(observability.WithRun(c.logger, batch.RunID), batch.ID)
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	defer openGate()

	members := make(map[string]planner.Entry, len(batch.Entries))
	for _, entry := range batch.Entries {
		members[entry.Test.ID] = entry
		state.start(entry.Test.ID, batch.ID)
	}
	pendingMust := make(map[string]struct{})
	for _, id := range batch.MustRun() {
		pendingMust[id] = struct{}{}
	}
	if !batch.Exclusive && len(pendingMust) == 0 {
		openGate()
	}

	var mu sync.Mutex
	reported := make(map[string]struct{}, len(batch.Entries))
	closed := false

	report := func(outcome Outcome) {
		mu.Lock()
		entry, member := members[outcome.TestID]
		_, dup := reported[outcome.TestID]
		if closed || !member || dup || !outcome.Outcome.Valid() {
			mu.Unlock()
			logger.Warn("outcome ignored",
				"event", "outcome_ignored",
				"test_id", outcome.TestID,
				"outcome", string(outcome.Outcome),
				"late", closed,
			)
			return
		}
		reported[outcome.TestID] = struct{}{}
		delete(pendingMust, outcome.TestID)
		release := !batch.Exclusive && len(pendingMust) == 0
		mu.Unlock()

		c.complete(ctx, batch, entry, outcome, state, logger)
		if release {
			openGate()
		}
	}

	logger.Info("batch started",
		"event", "batch_started",
		"tests", len(batch.Entries),
		"must_run", len(pendingMust),
		"exclusive", batch.Exclusive,
	)

	runCtx, cancel := context.WithTimeout(ctx, batch.Deadline()+c.config.Grace)
	err := c.runner.Execute(runCtx, batch, report)
	hung := runCtx.Err() != nil
	cancel()

	mu.Lock()
	closed = true
	var missing []planner.Entry
	for _, entry := range batch.Entries {
		if _, ok := reported[entry.Test.ID]; !ok {
			missing = append(missing, entry)
		}
	}
	mu.Unlock()

	switch {
	case len(missing) == 0:
	case hung || err == nil:
		// The runner ran out of time or returned without reporting.
		for _, entry := range missing {
			c.complete(ctx, batch, entry, Outcome{
				TestID:   entry.Test.ID,
				Outcome:  feedback.OutcomeTimeout,
				WallTime: entry.Timeout,
			}, state, logger)
		}
	default:
		for _, entry := range missing {
			state.finish(TestResult{
				TestID:  entry.Test.ID,
				BatchID: batch.ID,
				Status:  StatusErrored,
				Reason:  entry.Reason,
				Error:   err.Error(),
			})
		}
	}

	if err != nil {
		logger.Error("batch runner failed",
			"event", "batch_failed",
			"error", err,
			"unreported", len(missing),
		)
		return
	}
	logger.Info("batch finished",
		"event", "batch_finished",
		"unreported", len(missing),
	)
}

func (c *Coordinator) complete(ctx context.Context, batch Batch, entry planner.Entry, outcome Outcome, state *runState, logger *slog.Logger) {
	res := TestResult{
		TestID:   entry.Test.ID,
		BatchID:  batch.ID,
		Status:   Status(outcome.Outcome),
		Reason:   entry.Reason,
		WallTime: outcome.WallTime,
		Output:   outcome.Output,
	}
	if c.recorder != nil {
		inserted, err := c.recorder.Record(ctx, feedback.Record{
			TestID:       entry.Test.ID,
			RunID:        batch.RunID,
			Outcome:      outcome.Outcome,
			WallTime:     outcome.WallTime,
			Timestamp:    c.now().UTC(),
			DefectLinked: outcome.DefectLinked,
		})
		if err != nil {
			res.Error = err.Error()
			observability.WithTest(logger, entry.Test.ID).Warn("feedback record failed",
				"event", "feedback_record_failed",
				"error", err,
			)
		}
		res.Recorded = inserted
	}
	state.finish(res)
}

type runState struct {
	mu      sync.Mutex
	order []string
	byID  map[string]*TestResult
}

func newRunState(plan planner.TestPlan) *runState {
	state := &runState{byID: make(map[string]*TestResult, len(plan.Entries))}
	for _, entry := range plan.Entries {
		state.order = append(state.order, entry.Test.ID)
		state.byID[entry.Test.ID] = &TestResult{
			TestID: entry.Test.ID,
			Status: StatusCancelled,
			Reason: entry.Reason,
		}
	}
	return state
}

func (s *runState) start(testID, batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.byID[testID]; ok {
		res.BatchID = batchID
	}
}

func (s *runState) finish(res TestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[res.TestID] = &res
}

func (s *runState) results() []TestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TestResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}
