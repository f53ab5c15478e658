package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-select/analysis"
	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/impact"
	"github.com/izavyalov-dev/delta-select/internal/vcs/github"
	"github.com/izavyalov-dev/delta-select/planner"
	"github.com/izavyalov-dev/delta-select/report"
	"github.com/izavyalov-dev/delta-select/risk"
	"github.com/izavyalov-dev/delta-select/state"
	"github.com/izavyalov-dev/delta-select/vcs"
)

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n)
}

type recordingSink struct {
	mu      sync.Mutex
	reports []report.ExecutionReport
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, rep report.ExecutionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, rep)
	return nil
}

func (s *recordingSink) all() []report.ExecutionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]report.ExecutionReport(nil), s.reports...)
}

type recordingCycles struct {
	mu          sync.Mutex
	created     []string
	transitions []state.CycleState
	current     map[string]state.CycleState
}

func (c *recordingCycles) CreateCycle(_ context.Context, id, ref string) (state.Cycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		c.current = make(map[string]state.CycleState)
	}
	c.created = append(c.created, id)
	c.current[id] = state.CycleStateCreated
	return state.Cycle{ID: id, Ref: ref, State: state.CycleStateCreated}, nil
}

func (c *recordingCycles) GetCycle(_ context.Context, id string) (state.Cycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.current[id]
	if !ok {
		return state.Cycle{}, state.ErrNotFound
	}
	return state.Cycle{ID: id, State: current}, nil
}

func (c *recordingCycles) TransitionCycleState(_ context.Context, id string, next state.CycleState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := state.ValidateCycleTransition(id, c.current[id], next); err != nil {
		return err
	}
	c.current[id] = next
	c.transitions = append(c.transitions, next)
	return nil
}

type fakeSource struct {
	changes  vcs.Changes
	commits  map[string]int
	remapped int
	err      error
}

func (f *fakeSource) ChangedUnitsSince(_ context.Context, ref string) (vcs.Changes, error) {
	if f.err != nil {
		return vcs.Changes{}, f.err
	}
	changes := f.changes
	changes.ChangeSet.Ref = ref
	return changes, nil
}

func (f *fakeSource) CommitHistoryFor(_ context.Context, unitID string, _ time.Duration) ([]vcs.Commit, error) {
	n, ok := f.commits[unitID]
	if !ok {
		return nil, vcs.ErrUnknownUnit
	}
	return make([]vcs.Commit, n), nil
}

func (f *fakeSource) Remap([]catalog.Unit) {
	f.remapped++
}

func testRegistry() catalog.Registry {
	return catalog.Registry{
		Units: []catalog.Unit{
			{ID: "auth", Paths: []string{"pkg/auth"}, BusinessCriticality: 10, Complexity: 10},
			{ID: "cart", Paths: []string{"pkg/cart"}, DependsOn: []string{"auth"}, BusinessCriticality: 5},
			{ID: "ui", Paths: []string{"web"}, DependsOn: []string{"cart"}, BusinessCriticality: 2},
		},
		Tests: []catalog.Test{
			{ID: "t-auth", Covers: []string{"auth"}, DeclaredCost: 40 * time.Second, Command: "go test ./pkg/auth"},
			{ID: "t-cart", Covers: []string{"cart"}, DeclaredCost: 60 * time.Second, Command: "go test ./pkg/cart"},
			{ID: "t-ui", Covers: []string{"ui"}, DeclaredCost: 120 * time.Second, Command: "npm test"},
		},
	}
}

type fixture struct {
	service *Service
	log     *feedback.MemoryLog
	model   *risk.Model
	graph   *impact.Graph
	sink    *recordingSink
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func passingRunner(failing ...string) executor.Runner {
	fail := make(map[string]struct{}, len(failing))
	for _, id := range failing {
		fail[id] = struct{}{}
	}
	return executor.RunnerFunc(func(_ context.Context, batch executor.Batch, report func(executor.Outcome)) error {
		for _, entry := range batch.Entries {
			outcome := feedback.OutcomePass
			if _, ok := fail[entry.Test.ID]; ok {
				outcome = feedback.OutcomeFail
			}
			report(executor.Outcome{TestID: entry.Test.ID, Outcome: outcome, WallTime: time.Second})
		}
		return nil
	})
}

func newFixture(t *testing.T, runner executor.Runner, mutate func(*Options)) fixture {
	t.Helper()
	logger := discardLogger()
	model, err := risk.NewModel(risk.DefaultConfig())
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	log := feedback.NewMemoryLog()
	tracker, err := feedback.NewTracker(log, feedback.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	plannerConfig := planner.DefaultConfig()
	plannerConfig.MustRunThreshold = 6
	plan, err := planner.NewGreedyPlanner(plannerConfig, logger)
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	graph := impact.NewGraph()
	sink := &recordingSink{}
	opts := Options{
		Graph:   graph,
		Model:   model,
		Impact:  impact.DefaultConfig(),
		Planner: plan,
		Tracker: tracker,
		Sink:    sink,
		IDs:     &sequenceIDs{},
		Logger:  logger,
		Budget:  10 * time.Minute,
	}
	if runner != nil {
		coordinator, err := executor.NewCoordinator(runner, MetricsRecorder{Tracker: tracker}, executor.Config{Workers: 2}, logger)
		if err != nil {
			t.Fatalf("coordinator: %v", err)
		}
		opts.Coordinator = coordinator
	}
	if mutate != nil {
		mutate(&opts)
	}
	service, err := NewService(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.LoadRegistry(context.Background(), testRegistry()); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return fixture{service: service, log: log, model: model, graph: graph, sink: sink}
}

func changeSet(units ...string) *catalog.ChangeSet {
	cs := catalog.NewChangeSet("main", units...)
	return &cs
}

func TestRunCycleExecutesAndRecordsFeedback(t *testing.T) {
	fx := newFixture(t, passingRunner("t-cart"), nil)

	result, err := fx.service.RunCycle(context.Background(), CycleRequest{Changes: changeSet("auth"), Execute: true})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.RunID != "run-1" || result.State != state.CycleStateReported {
		t.Fatalf("unexpected result %s %s", result.RunID, result.State)
	}
	if result.Plan == nil || len(result.Plan.Entries) != 3 {
		t.Fatalf("expected all three dependents planned, got %+v", result.Plan)
	}
	if result.Plan.Entries[0].Test.ID != "t-auth" || !result.Plan.Entries[0].MustRun() {
		t.Fatalf("expected t-auth first as must-run, got %+v", result.Plan.Entries[0])
	}
	if result.Report.Outcome != report.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Report.Outcome)
	}
	if len(result.Report.Failures) != 1 || result.Report.Failures[0] != "t-cart" {
		t.Fatalf("unexpected failures %v", result.Report.Failures)
	}
	if fx.log.Len() != 3 {
		t.Fatalf("expected 3 feedback records, got %d", fx.log.Len())
	}
	if reports := fx.sink.all(); len(reports) != 1 || reports[0].RunID != "run-1" {
		t.Fatalf("expected one published report, got %+v", reports)
	}
}

func TestPlanOnlyNeverExecutes(t *testing.T) {
	runner := executor.RunnerFunc(func(context.Context, executor.Batch, func(executor.Outcome)) error {
		t.Fatal("runner must not be called for plan-only cycles")
		return nil
	})
	fx := newFixture(t, runner, nil)

	result, err := fx.service.PlanOnly(context.Background(), CycleRequest{Changes: changeSet("ui"), Execute: true})
	if err != nil {
		t.Fatalf("plan only: %v", err)
	}
	if result.Execution != nil {
		t.Fatalf("expected no execution, got %+v", result.Execution)
	}
	if result.Report.Outcome != report.OutcomePlanned {
		t.Fatalf("expected planned outcome, got %s", result.Report.Outcome)
	}
	if ids := result.Plan.TestIDs(); len(ids) != 1 || ids[0] != "t-ui" {
		t.Fatalf("expected only t-ui planned, got %v", ids)
	}
	if fx.log.Len() != 0 {
		t.Fatalf("expected no feedback, got %d", fx.log.Len())
	}
}

func TestRunCycleInfeasibleBudgetStillReports(t *testing.T) {
	cycles := &recordingCycles{}
	fx := newFixture(t, passingRunner(), func(opts *Options) { opts.Cycles = cycles })

	result, err := fx.service.RunCycle(context.Background(), CycleRequest{
		Changes: changeSet("auth"),
		Budget:  time.Second,
		Execute: true,
	})
	if !planner.IsBudgetInfeasible(err) {
		t.Fatalf("expected infeasible budget error, got %v", err)
	}
	if result.Report.Outcome != report.OutcomeInfeasible || result.Report.Infeasible == nil {
		t.Fatalf("expected infeasible report, got %+v", result.Report)
	}
	if result.Plan != nil || result.Execution != nil {
		t.Fatal("expected no plan and no execution")
	}
	want := []state.CycleState{state.CycleStatePlanning, state.CycleStateInfeasible, state.CycleStateReported}
	if fmt.Sprint(cycles.transitions) != fmt.Sprint(want) {
		t.Fatalf("unexpected transitions %v", cycles.transitions)
	}
	if len(fx.sink.all()) != 1 {
		t.Fatal("expected infeasible report to be published")
	}
}

func TestRunCycleWalksStateMachine(t *testing.T) {
	cycles := &recordingCycles{}
	fx := newFixture(t, passingRunner(), func(opts *Options) { opts.Cycles = cycles })

	if _, err := fx.service.RunCycle(context.Background(), CycleRequest{Changes: changeSet("cart"), Execute: true}); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	want := []state.CycleState{state.CycleStatePlanning, state.CycleStateExecuting, state.CycleStateSucceeded, state.CycleStateReported}
	if fmt.Sprint(cycles.transitions) != fmt.Sprint(want) {
		t.Fatalf("unexpected transitions %v", cycles.transitions)
	}
	if len(cycles.created) != 1 || cycles.created[0] != "run-1" {
		t.Fatalf("unexpected created cycles %v", cycles.created)
	}
	cycle, err := fx.service.Cycle(context.Background(), "run-1")
	if err != nil || cycle.State != state.CycleStateReported {
		t.Fatalf("expected reported cycle, got %+v (%v)", cycle, err)
	}
	if _, err := fx.service.Cycle(context.Background(), "run-9"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunCycleRequiresChanges(t *testing.T) {
	fx := newFixture(t, nil, nil)
	if _, err := fx.service.RunCycle(context.Background(), CycleRequest{}); !errors.Is(err, ErrChangesRequired) {
		t.Fatalf("expected ErrChangesRequired, got %v", err)
	}
	if _, err := fx.service.RunCycle(context.Background(), CycleRequest{Ref: "main"}); !errors.Is(err, ErrChangesRequired) {
		t.Fatalf("expected ErrChangesRequired without a source, got %v", err)
	}
}

func TestRunCycleUsesSourceControl(t *testing.T) {
	source := &fakeSource{
		changes: vcs.Changes{
			ChangeSet:  catalog.ChangeSet{Units: []string{"cart"}},
			Structural: []string{"cart"},
			Paths:      []string{"pkg/cart/new.go"},
		},
		commits: map[string]int{"cart": 4, "ui": 1},
	}
	fx := newFixture(t, nil, func(opts *Options) { opts.Source = source })
	if source.remapped == 0 {
		t.Fatal("expected registry load to remap source paths")
	}

	result, err := fx.service.RunCycle(context.Background(), CycleRequest{Ref: "origin/main"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Changes.Ref != "origin/main" {
		t.Fatalf("unexpected change set ref %q", result.Changes.Ref)
	}
	if !fx.graph.IsStale("cart") {
		t.Fatal("expected structural change to mark cart stale")
	}
	sig, ok := fx.model.Signal("cart")
	if !ok || sig.ChangeFrequency != 4 || !sig.Stale {
		t.Fatalf("unexpected cart signal %+v", sig)
	}
	if sig, _ := fx.model.Signal("ui"); sig.ChangeFrequency != 1 {
		t.Fatalf("expected ui change frequency 1, got %d", sig.ChangeFrequency)
	}
	if result.Impact.Confidence >= 1 {
		t.Fatalf("expected stale unit to lower confidence, got %v", result.Impact.Confidence)
	}
	if !reflect.DeepEqual(result.Report.StaleUnits, []string{"cart"}) || !reflect.DeepEqual(result.Report.StaleSignals, []string{"cart"}) {
		t.Fatalf("expected stale cart in report, got units=%v signals=%v", result.Report.StaleUnits, result.Report.StaleSignals)
	}
}

func TestRefreshWarningsReachReport(t *testing.T) {
	backend := analysis.BackendFunc(func(context.Context, analysis.Request) (analysis.Result, error) {
		return analysis.Result{}, analysis.ErrBackendUnavailable
	})
	fx := newFixture(t, nil, func(opts *Options) {
		opts.Refresher = analysis.NewRefresher(backend, opts.Model, 2, opts.Logger)
	})

	result, err := fx.service.PlanOnly(context.Background(), CycleRequest{Changes: changeSet("cart")})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(result.Report.Degraded) != 1 || result.Report.Degraded[0].UnitID != "cart" {
		t.Fatalf("expected degraded cart analysis, got %+v", result.Report.Degraded)
	}
	if result.Report.Degraded[0].Kind != analysis.WarningUnavailable {
		t.Fatalf("unexpected warning kind %s", result.Report.Degraded[0].Kind)
	}
}

func TestCatalogMutations(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()

	revision, err := fx.service.UpsertUnit(ctx, catalog.Unit{ID: "search", BusinessCriticality: 6, Complexity: 3})
	if err != nil {
		t.Fatalf("upsert unit: %v", err)
	}
	if revision < 1 || !fx.graph.HasUnit("search") {
		t.Fatalf("expected search registered, revision %d", revision)
	}
	sig, ok := fx.model.Signal("search")
	if !ok || sig.Source != risk.SourceRegistry || sig.BusinessCriticality != 6 {
		t.Fatalf("expected registry signal, got %+v", sig)
	}

	fx.graph.MarkStale("search")
	fx.model.MarkStale("search")
	if again, err := fx.service.UpsertUnit(ctx, catalog.Unit{ID: "search", BusinessCriticality: 6, Complexity: 3}); err != nil || again != revision {
		t.Fatalf("expected unchanged revision %d, got %d (%v)", revision, again, err)
	}
	if fx.graph.IsStale("search") {
		t.Fatal("expected re-declared unit to be rebuilt")
	}
	if sig, _ := fx.model.Signal("search"); sig.Stale || sig.BusinessCriticality != 6 {
		t.Fatalf("expected re-declared unit to clear its stale signal, got %+v", sig)
	}

	if _, err := fx.service.UpsertUnit(ctx, catalog.Unit{ID: "bad", BusinessCriticality: 11}); !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := fx.service.UpsertTest(ctx, catalog.Test{ID: "t-bad", Isolation: "shared"}); !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	if err := fx.service.UpsertTest(ctx, catalog.Test{ID: "t-search", Covers: []string{"search"}}); err != nil {
		t.Fatalf("upsert test: %v", err)
	}
	if covering := fx.graph.TestsCovering("search"); len(covering) != 1 {
		t.Fatalf("expected t-search to cover search, got %v", covering)
	}
	if err := fx.service.RemoveTest(ctx, "t-search"); err != nil {
		t.Fatalf("remove test: %v", err)
	}
	if err := fx.service.RemoveUnit(ctx, "search"); err != nil {
		t.Fatalf("remove unit: %v", err)
	}
	if err := fx.service.RemoveUnit(ctx, "search"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := fx.service.RemoveTest(ctx, "t-search"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordFeedbackAndAggregates(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	records := []feedback.Record{
		{TestID: "t-auth", RunID: "ext-1", Outcome: feedback.OutcomePass, WallTime: 30 * time.Second, Timestamp: now},
		{TestID: "t-auth", RunID: "ext-1", Outcome: feedback.OutcomePass, WallTime: 30 * time.Second, Timestamp: now},
		{TestID: "t-cart", RunID: "ext-1", Outcome: feedback.OutcomeFail, DefectLinked: true, WallTime: 50 * time.Second},
	}
	accepted, duplicates, err := fx.service.RecordFeedback(ctx, records)
	if err != nil {
		t.Fatalf("record feedback: %v", err)
	}
	if accepted != 2 || duplicates != 1 {
		t.Fatalf("expected 2 accepted and 1 duplicate, got %d/%d", accepted, duplicates)
	}

	if _, _, err := fx.service.RecordFeedback(ctx, []feedback.Record{{TestID: "t-ui", RunID: "ext-2", Outcome: "crashed"}}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}

	aggregates, _, err := fx.service.Aggregates(ctx, nil)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if len(aggregates) != 3 || aggregates[0].TestID != "t-auth" {
		t.Fatalf("expected aggregates for every test in id order, got %+v", aggregates)
	}
	if !aggregates[0].HasHistory() || aggregates[2].HasHistory() {
		t.Fatalf("unexpected history flags %+v", aggregates)
	}
}

func TestHandleWebhookDeduplicates(t *testing.T) {
	source := &fakeSource{changes: vcs.Changes{ChangeSet: catalog.ChangeSet{Units: []string{"ui"}}}}
	fx := newFixture(t, nil, func(opts *Options) { opts.Source = source })

	pr := 7
	trigger := github.CycleTrigger{
		Event:    github.EventPullRequest,
		Repo:     "acme/shop",
		Owner:    "acme",
		Name:     "shop",
		Head:     "abc1234",
		Base:     "def5678",
		PRNumber: &pr,
	}
	runID, started, err := fx.service.HandleWebhook(context.Background(), trigger)
	if err != nil || !started || runID == "" {
		t.Fatalf("expected webhook to start a cycle: %q %v %v", runID, started, err)
	}
	if _, started, err := fx.service.HandleWebhook(context.Background(), trigger); err != nil || started {
		t.Fatalf("expected duplicate event to be ignored: %v %v", started, err)
	}
	fx.service.Wait()

	reports := fx.sink.all()
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	if reports[0].RunID != runID || reports[0].Trigger == nil || reports[0].Trigger.Provider != github.ProviderGitHub {
		t.Fatalf("unexpected report trigger %+v", reports[0])
	}
	if reports[0].Ref != "def5678" {
		t.Fatalf("expected base sha as ref, got %q", reports[0].Ref)
	}
}

func TestEventSetEvictsOldest(t *testing.T) {
	set := newEventSet(2)
	for _, key := range []string{"a", "b", "c"} {
		if !set.add(key) {
			t.Fatalf("expected %s to be new", key)
		}
	}
	if set.add("c") {
		t.Fatal("expected c to be remembered")
	}
	if !set.add("a") {
		t.Fatal("expected a to have been evicted")
	}
}
