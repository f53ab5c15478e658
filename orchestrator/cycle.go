package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/planner"
	"github.com/izavyalov-dev/delta-select/report"
	"github.com/izavyalov-dev/delta-select/state"
)

// RunCycle detects changes, plans, optionally executes and reports one cycle.
// Only configuration and infeasible-budget errors end a cycle early; the
// report is still built and published for them.
func (s *Service) RunCycle(ctx context.Context, req CycleRequest) (CycleResult, error) {
	if req.Changes == nil {
		if req.Ref == "" {
			return CycleResult{}, ErrChangesRequired
		}
		if s.source == nil {
			return CycleResult{}, fmt.Errorf("%w: no source control configured to diff %s", ErrChangesRequired, req.Ref)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.now()
	runID := req.RunID
	if runID == "" {
		runID = s.ids.RunID()
	}
	budget := req.Budget
	if budget <= 0 {
		budget = s.budget
	}
	logger := observability.WithRun(s.logger, runID)
	result := CycleResult{RunID: runID, State: state.CycleStateCreated}

	if s.cycles != nil {
		if _, err := s.cycles.CreateCycle(ctx, runID, req.Ref); err != nil {
			return result, fmt.Errorf("create cycle: %w", err)
		}
	}
	if err := s.transition(ctx, &result, state.CycleStatePlanning); err != nil {
		return result, err
	}
	logger.Info("cycle started", "event", "cycle_started", "ref", req.Ref, "budget", budget, "execute", req.Execute)

	finish := func(in report.Input, outcomeState state.CycleState, cause error) (CycleResult, error) {
		// Reporting survives a cancelled request context.
		finalCtx := context.WithoutCancel(ctx)
		in.RunID = runID
		in.Ref = req.Ref
		in.ChangedUnits = result.Changes.Units
		in.Trigger = req.Trigger
		in.Warnings = result.Warnings
		in.UnknownUnits = result.Impact.UnknownUnits
		in.StaleUnits = result.Impact.StaleUnits
		in.StaleSignals = s.staleSignals(result.Impact.AffectedIDs())
		in.GeneratedAt = s.now().UTC()
		result.Report = report.Build(in)

		if err := s.transition(finalCtx, &result, outcomeState); err != nil {
			return result, err
		}
		if err := s.sink.Publish(finalCtx, result.Report); err != nil {
			logger.Warn("report publish failed", "event", "report_publish_failed", "error", err)
		}
		if err := s.transition(finalCtx, &result, state.CycleStateReported); err != nil {
			return result, err
		}
		s.metrics.IncCycle(string(result.Report.Outcome))
		s.metrics.ObserveCycle(s.now().Sub(started))
		logger.Info("cycle reported",
			"event", "cycle_reported",
			"outcome", result.Report.Outcome,
			"summary", result.Report.Summary(),
			"duration_ms", s.now().Sub(started).Milliseconds(),
		)
		return result, cause
	}

	changes, err := s.resolveChanges(ctx, req, logger)
	if err != nil {
		return finish(report.Input{PlanErr: err}, state.CycleStatePlanFailed, err)
	}
	result.Changes = changes

	if _, err := s.tracker.DecayInto(ctx, s.model, s.graph); err != nil {
		logger.Warn("defect decay skipped", "event", "defect_decay_failed", "error", err)
	}

	result.Impact = s.analyzer.ImpactOf(changes)
	s.refreshSignals(ctx, &result, logger)

	affected := result.Impact.AffectedIDs()
	s.updateChangeFrequency(ctx, affected, logger)
	scores := s.model.ScoreAll(affected)

	tests := s.graph.Tests()
	testIDs := make([]string, 0, len(tests))
	for _, test := range tests {
		testIDs = append(testIDs, test.ID)
	}
	stats, err := s.tracker.Aggregates(ctx, testIDs)
	if err != nil {
		logger.Warn("feedback aggregates unavailable", "event", "aggregates_failed", "error", err)
		stats = nil
	}

	plan, err := s.planner.Plan(ctx, planner.Request{
		RunID:  runID,
		Impact: result.Impact,
		Scores: scores,
		Stats:  stats,
		Tests:  tests,
		Budget: budget,
	})
	if err != nil {
		next := state.CycleStatePlanFailed
		if planner.IsBudgetInfeasible(err) {
			next = state.CycleStateInfeasible
		}
		logger.Warn("planning failed", "event", "plan_failed", "error", err)
		return finish(report.Input{PlanErr: err}, next, fmt.Errorf("plan cycle %s: %w", runID, err))
	}
	result.Plan = &plan
	s.persistSignals(ctx, affected)

	s.metrics.AddPlanned(string(planner.ReasonMustRun), plan.Count(planner.ReasonMustRun))
	s.metrics.AddPlanned(string(planner.ReasonSafetyNet), plan.Count(planner.ReasonSafetyNet))
	s.metrics.AddPlanned(string(planner.ReasonSelected), plan.Count(planner.ReasonSelected))
	s.metrics.AddDeferred(len(plan.Deferred))
	logger.Info("plan ready",
		"event", "plan_ready",
		"planned", len(plan.Entries),
		"deferred", len(plan.Deferred),
		"total_cost", plan.TotalCost,
		"confidence", plan.Confidence,
	)

	if !req.Execute || s.coordinator == nil {
		if req.Execute {
			logger.Warn("execution requested without a runner", "event", "execution_skipped")
		}
		return finish(report.Input{Plan: &plan}, state.CycleStatePlanned, nil)
	}

	if err := s.transition(ctx, &result, state.CycleStateExecuting); err != nil {
		return result, err
	}
	execution, execErr := s.coordinator.Execute(ctx, plan)
	result.Execution = &execution

	in := report.Input{Plan: &plan, Result: &execution}
	outcome := report.Build(in).Outcome
	next := state.CycleStateSucceeded
	switch {
	case outcome == report.OutcomeFailed:
		next = state.CycleStateFailed
	case outcome == report.OutcomeCancelled || errors.Is(execErr, executor.ErrCancelled):
		next = state.CycleStateCanceled
	case execErr != nil:
		next = state.CycleStateFailed
	}
	if execErr != nil {
		logger.Warn("execution ended early", "event", "execution_incomplete", "error", execErr)
	}
	return finish(in, next, execErr)
}

// PlanOnly runs a cycle without executing the plan.
func (s *Service) PlanOnly(ctx context.Context, req CycleRequest) (CycleResult, error) {
	req.Execute = false
	return s.RunCycle(ctx, req)
}

// staleSignals lists affected units whose risk signal was not refreshed since
// they were marked stale.
func (s *Service) staleSignals(unitIDs []string) []string {
	var stale []string
	for _, id := range unitIDs {
		if sig, ok := s.model.Signal(id); ok && sig.Stale {
			stale = append(stale, id)
		}
	}
	return stale
}

func (s *Service) resolveChanges(ctx context.Context, req CycleRequest, logger *slog.Logger) (catalog.ChangeSet, error) {
	if req.Changes != nil {
		changes := catalog.NewChangeSet(req.Changes.Ref, req.Changes.Units...)
		if changes.Ref == "" {
			changes.Ref = req.Ref
		}
		changes.Diffs = req.Changes.Diffs
		changes.Ignored = req.Changes.Ignored
		return changes, nil
	}

	detected, err := s.source.ChangedUnitsSince(ctx, req.Ref)
	if err != nil {
		return catalog.ChangeSet{}, fmt.Errorf("detect changes since %s: %w", req.Ref, err)
	}
	for _, unitID := range detected.Structural {
		if !s.graph.MarkStale(unitID) {
			continue
		}
		if sig, ok := s.model.Signal(unitID); ok && !sig.Stale {
			s.model.MarkStale(unitID)
		}
		if s.catalog != nil {
			if err := s.catalog.SetUnitStale(ctx, unitID, true); err != nil {
				logger.Warn("stale flag persist failed", "event", "unit_stale_persist_failed", "unit_id", unitID, "error", err)
			}
		}
	}
	logger.Info("changes detected",
		"event", "changes_detected",
		"units", len(detected.ChangeSet.Units),
		"structural", len(detected.Structural),
		"paths", len(detected.Paths),
		"ignored", len(detected.ChangeSet.Ignored),
	)
	return detected.ChangeSet, nil
}

func (s *Service) refreshSignals(ctx context.Context, result *CycleResult, logger *slog.Logger) {
	if s.refresher == nil {
		return
	}
	var units []catalog.Unit
	for _, unitID := range result.Changes.Units {
		if unit, ok := s.graph.Unit(unitID); ok {
			units = append(units, unit)
		}
	}
	result.Warnings = s.refresher.Refresh(ctx, units, result.Changes.Diffs)
	for _, warning := range result.Warnings {
		s.metrics.IncBackendFailure(string(warning.Kind))
	}
	if len(result.Warnings) > 0 {
		logger.Warn("analysis degraded", "event", "analysis_degraded", "units", len(result.Warnings))
	}
}

func (s *Service) updateChangeFrequency(ctx context.Context, unitIDs []string, logger *slog.Logger) {
	if s.source == nil {
		return
	}
	for _, unitID := range unitIDs {
		if !s.graph.HasUnit(unitID) {
			continue
		}
		commits, err := s.source.CommitHistoryFor(ctx, unitID, s.changeWindow)
		if err != nil {
			logger.Debug("commit history unavailable", "event", "commit_history_failed", "unit_id", unitID, "error", err)
			continue
		}
		s.model.SetChangeFrequency(unitID, len(commits))
	}
}

func (s *Service) persistSignals(ctx context.Context, unitIDs []string) {
	for _, unitID := range unitIDs {
		if s.graph.HasUnit(unitID) {
			s.persistSignal(ctx, unitID)
		}
	}
}

// transition moves the cycle through the state machine, checked locally
// when no cycle store is configured.
func (s *Service) transition(ctx context.Context, result *CycleResult, next state.CycleState) error {
	if s.cycles != nil {
		if err := s.cycles.TransitionCycleState(ctx, result.RunID, next); err != nil {
			return fmt.Errorf("cycle %s: %w", result.RunID, err)
		}
	} else if err := state.ValidateCycleTransition(result.RunID, result.State, next); err != nil {
		return err
	}
	result.State = next
	return nil
}
