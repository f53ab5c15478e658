package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/izavyalov-dev/delta-select/analysis"
	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/impact"
	"github.com/izavyalov-dev/delta-select/internal/config"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/planner"
	"github.com/izavyalov-dev/delta-select/report"
	"github.com/izavyalov-dev/delta-select/risk"
	"github.com/izavyalov-dev/delta-select/state"
	"github.com/izavyalov-dev/delta-select/vcs"
)

const (
	defaultBudget       = 15 * time.Minute
	defaultChangeWindow = 30 * 24 * time.Hour
)

var (
	// ErrChangesRequired indicates a cycle request with neither a ref nor changed units.
	ErrChangesRequired = errors.New("ref or changed units required")
	ErrNotFound        = errors.New("not found")
	ErrInvalidRecord   = errors.New("invalid feedback record")
)

// CatalogStore persists unit and test declarations.
type CatalogStore interface {
	UpsertUnit(ctx context.Context, unit catalog.Unit) (int, error)
	RemoveUnit(ctx context.Context, unitID string) error
	SetUnitStale(ctx context.Context, unitID string, stale bool) error
	UpsertTest(ctx context.Context, test catalog.Test) error
	RemoveTest(ctx context.Context, testID string) error
}

// SignalStore persists risk signals between cycles.
type SignalStore interface {
	SaveSignal(ctx context.Context, unitID string, sig risk.Signal) error
}

// CycleStore persists the cycle state machine.
type CycleStore interface {
	CreateCycle(ctx context.Context, id, ref string) (state.Cycle, error)
	GetCycle(ctx context.Context, id string) (state.Cycle, error)
	TransitionCycleState(ctx context.Context, id string, next state.CycleState) error
}

// ReportReader serves stored reports to the API.
type ReportReader interface {
	GetExecutionReport(ctx context.Context, runID string) (state.ExecutionReport, error)
	ListExecutionReports(ctx context.Context, limit int) ([]state.ExecutionReport, error)
}

// Remapper is implemented by sources whose path ownership follows the catalog.
type Remapper interface {
	Remap(units []catalog.Unit)
}

// Options wires a Service. Graph, Model, Planner and Tracker are required;
// everything else is optional and degrades to in-memory behavior.
type Options struct {
	Graph       *impact.Graph
	Model       *risk.Model
	Impact      impact.Config
	Planner     planner.Planner
	Tracker     *feedback.Tracker
	Coordinator *executor.Coordinator
	Refresher   *analysis.Refresher
	Source      vcs.Source

	Catalog CatalogStore
	Signals SignalStore
	Cycles  CycleStore
	Reports ReportReader
	Sink    report.Sink

	Metrics *observability.Metrics
	IDs     IDGenerator
	Logger  *slog.Logger

	Budget       time.Duration
	ChangeWindow time.Duration
	// WebhookExecute runs webhook-triggered plans instead of only reporting them.
	WebhookExecute bool
}

// Service runs planning cycles one at a time. Catalog updates share the
// cycle lock, so the graph only changes between cycles.
type Service struct {
	mu sync.Mutex

	graph       *impact.Graph
	model       *risk.Model
	analyzer    *impact.Analyzer
	planner     planner.Planner
	tracker     *feedback.Tracker
	coordinator *executor.Coordinator
	refresher   *analysis.Refresher
	source      vcs.Source

	catalog CatalogStore
	signals SignalStore
	cycles  CycleStore
	reports ReportReader
	sink    report.Sink

	metrics *observability.Metrics
	ids     IDGenerator
	logger  *slog.Logger
	now     func() time.Time

	budget         time.Duration
	changeWindow   time.Duration
	webhookExecute bool

	events     *eventSet
	background sync.WaitGroup
}

func NewService(opts Options) (*Service, error) {
	if opts.Graph == nil || opts.Model == nil || opts.Planner == nil || opts.Tracker == nil {
		return nil, errors.New("orchestrator: graph, model, planner and tracker are required")
	}
	analyzer, err := impact.NewAnalyzer(opts.Graph, opts.Impact)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("orchestrator")
	}
	if opts.Sink == nil {
		opts.Sink = report.LogSink{Logger: opts.Logger}
	}
	if opts.IDs == nil {
		opts.IDs = RandomIDGenerator{}
	}
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	if opts.ChangeWindow <= 0 {
		opts.ChangeWindow = defaultChangeWindow
	}
	return &Service{
		graph:          opts.Graph,
		model:          opts.Model,
		analyzer:       analyzer,
		planner:        opts.Planner,
		tracker:        opts.Tracker,
		coordinator:    opts.Coordinator,
		refresher:      opts.Refresher,
		source:         opts.Source,
		catalog:        opts.Catalog,
		signals:        opts.Signals,
		cycles:         opts.Cycles,
		reports:        opts.Reports,
		sink:           opts.Sink,
		metrics:        opts.Metrics,
		ids:            opts.IDs,
		logger:         opts.Logger,
		now:            time.Now,
		budget:         opts.Budget,
		changeWindow:   opts.ChangeWindow,
		webhookExecute: opts.WebhookExecute,
		events:         newEventSet(1024),
	}, nil
}

// LoadRegistry upserts every unit and test of a registry.
func (s *Service) LoadRegistry(ctx context.Context, reg catalog.Registry) error {
	if err := config.ValidateRegistry(reg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, unit := range reg.Units {
		if _, err := s.upsertUnitLocked(ctx, unit); err != nil {
			return err
		}
	}
	for _, test := range reg.Tests {
		if err := s.upsertTestLocked(ctx, test); err != nil {
			return err
		}
	}
	s.remapLocked()
	s.logger.Info("registry loaded", "event", "registry_loaded", "units", len(reg.Units), "tests", len(reg.Tests))
	return nil
}

// UpsertUnit registers or replaces a unit and returns its graph revision.
func (s *Service) UpsertUnit(ctx context.Context, unit catalog.Unit) (int, error) {
	if err := config.ValidateRegistry(catalog.Registry{Units: []catalog.Unit{unit}}); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	revision, err := s.upsertUnitLocked(ctx, unit)
	if err != nil {
		return 0, err
	}
	s.remapLocked()
	s.logger.Info("unit upserted", "event", "unit_upserted", "unit_id", unit.ID, "revision", revision)
	return revision, nil
}

func (s *Service) RemoveUnit(ctx context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.graph.HasUnit(unitID) {
		return fmt.Errorf("%w: unit %s", ErrNotFound, unitID)
	}
	if s.catalog != nil {
		if err := s.catalog.RemoveUnit(ctx, unitID); err != nil && !errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("remove unit %s: %w", unitID, err)
		}
	}
	s.graph.RemoveUnit(unitID)
	s.remapLocked()
	s.logger.Info("unit removed", "event", "unit_removed", "unit_id", unitID)
	return nil
}

func (s *Service) UpsertTest(ctx context.Context, test catalog.Test) error {
	if err := config.ValidateRegistry(catalog.Registry{Tests: []catalog.Test{test}}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.upsertTestLocked(ctx, test); err != nil {
		return err
	}
	s.logger.Info("test upserted", "event", "test_upserted", "test_id", test.ID, "covers", len(test.Covers))
	return nil
}

func (s *Service) RemoveTest(ctx context.Context, testID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.graph.Test(testID); !ok {
		return fmt.Errorf("%w: test %s", ErrNotFound, testID)
	}
	if s.catalog != nil {
		if err := s.catalog.RemoveTest(ctx, testID); err != nil && !errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("remove test %s: %w", testID, err)
		}
	}
	s.graph.RemoveTest(testID)
	s.logger.Info("test removed", "event", "test_removed", "test_id", testID)
	return nil
}

// Units lists the registered units in id order.
func (s *Service) Units() []catalog.Unit {
	return s.graph.Units()
}

// Tests lists the registered tests in id order.
func (s *Service) Tests() []catalog.Test {
	return s.graph.Tests()
}

func (s *Service) upsertUnitLocked(ctx context.Context, unit catalog.Unit) (int, error) {
	if s.catalog != nil {
		if _, err := s.catalog.UpsertUnit(ctx, unit); err != nil {
			return 0, fmt.Errorf("persist unit %s: %w", unit.ID, err)
		}
	}
	revision := s.graph.UpsertUnit(unit)
	// Re-declaring a unit is its rebuild, even when the edges did not change.
	s.graph.MarkBuilt(unit.ID)
	s.seedSignalLocked(ctx, unit)
	return revision, nil
}

func (s *Service) upsertTestLocked(ctx context.Context, test catalog.Test) error {
	if s.catalog != nil {
		if err := s.catalog.UpsertTest(ctx, test); err != nil {
			return fmt.Errorf("persist test %s: %w", test.ID, err)
		}
	}
	s.graph.UpsertTest(test)
	return nil
}

// seedSignalLocked gives new units a registry signal and lets declared
// criticality override whatever the model currently holds. A re-declared unit
// is rebuilt, so its signal is no longer stale.
func (s *Service) seedSignalLocked(ctx context.Context, unit catalog.Unit) {
	sig, ok := s.model.Signal(unit.ID)
	if !ok {
		sig = analysis.RegistrySignal(unit)
	} else {
		changed := false
		if unit.BusinessCriticality > 0 && unit.BusinessCriticality != sig.BusinessCriticality {
			sig.BusinessCriticality = unit.BusinessCriticality
			sig.UpdatedAt = time.Time{}
			changed = true
		}
		if sig.Stale {
			sig.Stale = false
			changed = true
		}
		if !changed {
			return
		}
	}
	s.model.SetSignal(unit.ID, sig)
	s.persistSignal(ctx, unit.ID)
}

func (s *Service) persistSignal(ctx context.Context, unitID string) {
	if s.signals == nil {
		return
	}
	sig, ok := s.model.Signal(unitID)
	if !ok {
		return
	}
	if err := s.signals.SaveSignal(ctx, unitID, sig); err != nil {
		s.logger.Warn("signal persist failed", "event", "signal_persist_failed", "unit_id", unitID, "error", err)
	}
}

func (s *Service) remapLocked() {
	if remapper, ok := s.source.(Remapper); ok {
		remapper.Remap(s.graph.Units())
	}
}

// RecordFeedback appends externally produced outcomes. Records already
// present for the same run and test count as duplicates.
func (s *Service) RecordFeedback(ctx context.Context, records []feedback.Record) (accepted, duplicates int, err error) {
	for i := range records {
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = s.now().UTC()
		}
		if err := records[i].Validate(); err != nil {
			return 0, 0, fmt.Errorf("%w: records[%d]: %v", ErrInvalidRecord, i, err)
		}
	}
	for _, record := range records {
		inserted, err := s.tracker.Record(ctx, record)
		if err != nil {
			return accepted, duplicates, err
		}
		if !inserted {
			duplicates++
			continue
		}
		accepted++
		s.metrics.IncOutcome(string(record.Outcome))
	}
	s.logger.Info("feedback recorded", "event", "feedback_recorded", "accepted", accepted, "duplicates", duplicates)
	return accepted, duplicates, nil
}

// Aggregates returns per-test feedback aggregates in id order, plus the ids
// currently considered flaky. No ids means every registered test.
func (s *Service) Aggregates(ctx context.Context, testIDs []string) ([]feedback.Aggregate, []string, error) {
	if len(testIDs) == 0 {
		for _, test := range s.graph.Tests() {
			testIDs = append(testIDs, test.ID)
		}
	}
	byID, err := s.tracker.Aggregates(ctx, testIDs)
	if err != nil {
		return nil, nil, err
	}
	ids := catalog.SortedKeys(byID)
	aggregates := make([]feedback.Aggregate, 0, len(ids))
	var flaky []string
	for _, id := range ids {
		agg := byID[id]
		aggregates = append(aggregates, agg)
		if s.tracker.IsFlaky(agg) {
			flaky = append(flaky, id)
		}
	}
	return aggregates, flaky, nil
}

// Cycle returns the persisted state of a cycle, including webhook cycles
// still running in the background.
func (s *Service) Cycle(ctx context.Context, runID string) (state.Cycle, error) {
	if s.cycles == nil {
		return state.Cycle{}, fmt.Errorf("%w: cycle storage not configured", ErrNotFound)
	}
	return s.cycles.GetCycle(ctx, runID)
}

// Report returns a stored report.
func (s *Service) Report(ctx context.Context, runID string) (state.ExecutionReport, error) {
	if s.reports == nil {
		return state.ExecutionReport{}, fmt.Errorf("%w: report storage not configured", ErrNotFound)
	}
	return s.reports.GetExecutionReport(ctx, runID)
}

func (s *Service) Reports(ctx context.Context, limit int) ([]state.ExecutionReport, error) {
	if s.reports == nil {
		return nil, fmt.Errorf("%w: report storage not configured", ErrNotFound)
	}
	return s.reports.ListExecutionReports(ctx, limit)
}

// Wait blocks until background cycles started by webhooks have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// MetricsRecorder forwards coordinator outcomes to the tracker and counts them.
type MetricsRecorder struct {
	Tracker *feedback.Tracker
	Metrics *observability.Metrics
}

func (r MetricsRecorder) Record(ctx context.Context, record feedback.Record) (bool, error) {
	inserted, err := r.Tracker.Record(ctx, record)
	if err == nil && inserted {
		r.Metrics.IncOutcome(string(record.Outcome))
	}
	return inserted, err
}
