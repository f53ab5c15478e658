// Package report turns one planning cycle into an ExecutionReport and fans it
// out to dashboard sinks.
package report

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-select/analysis"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/planner"
)

// Outcome summarizes how a cycle ended.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeInfeasible Outcome = "infeasible"
	OutcomePlanFailed Outcome = "plan_failed"
	// OutcomePlanned is used for plan-only cycles that never executed.
	OutcomePlanned Outcome = "planned"
)

// Trigger identifies the change that started a cycle, when it came from a forge.
type Trigger struct {
	Provider  string `json:"provider"`
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	CommitSHA string `json:"commit_sha"`
	PRNumber  *int   `json:"pr_number,omitempty"`
}

// PlannedTest is one plan entry together with its final status.
type PlannedTest struct {
	TestID         string          `json:"test_id"`
	Priority       string          `json:"priority"`
	Risk           float64         `json:"risk"`
	Reason         planner.Reason  `json:"reason"`
	TargetCoverage int             `json:"target_coverage"`
	Cost           time.Duration   `json:"cost"`
	Status         executor.Status `json:"status,omitempty"`
	WallTime       time.Duration   `json:"wall_time,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Infeasible describes a budget that could not hold the must-run tests.
type Infeasible struct {
	Budget      time.Duration `json:"budget"`
	MustRunCost time.Duration `json:"must_run_cost"`
	MustRun     []string      `json:"must_run"`
}

// ExecutionReport is the dashboard view of one cycle.
type ExecutionReport struct {
	RunID       string    `json:"run_id"`
	Ref         string    `json:"ref,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	GeneratedAt time.Time `json:"generated_at"`
	Trigger     *Trigger  `json:"trigger,omitempty"`

	ChangedUnits    []string           `json:"changed_units,omitempty"`
	Budget          time.Duration      `json:"budget"`
	TotalCost       time.Duration      `json:"total_cost"`
	MustRunOverrun  time.Duration      `json:"must_run_overrun,omitempty"`
	Overrun         time.Duration      `json:"overrun,omitempty"`
	Confidence      float64            `json:"confidence"`
	SafetyNetAdded  bool               `json:"safety_net_added,omitempty"`
	Planned         []PlannedTest      `json:"planned"`
	Deferred        []planner.Deferred `json:"deferred,omitempty"`
	CoverageTargets map[string]int     `json:"coverage_targets,omitempty"`
	CoverageGaps    []string           `json:"coverage_gaps,omitempty"`
	UnknownUnits    []string           `json:"unknown_units,omitempty"`
	FlakyTests      []string           `json:"flaky_tests,omitempty"`

	// StaleUnits have dependency data not rebuilt since their last structural
	// change. StaleSignals were scored on a risk signal that was not refreshed.
	StaleUnits   []string           `json:"stale_units,omitempty"`
	StaleSignals []string           `json:"stale_signals,omitempty"`
	Degraded     []analysis.Warning `json:"degraded,omitempty"`

	Counts    map[executor.Status]int `json:"counts,omitempty"`
	Failures  []string                `json:"failures,omitempty"`
	Timeouts  []string                `json:"timeouts,omitempty"`
	Errors    []string                `json:"errors,omitempty"`
	Cancelled []string                `json:"cancelled,omitempty"`
	Triage    []FailureNote           `json:"triage,omitempty"`
	Duration  time.Duration           `json:"duration,omitempty"`

	Infeasible *Infeasible `json:"infeasible,omitempty"`
	PlanError  string      `json:"plan_error,omitempty"`
}

// Input carries the pieces of a cycle that a report is assembled from.
// Plan is nil when planning failed; Result is nil when nothing executed.
type Input struct {
	RunID        string
	Ref          string
	ChangedUnits []string
	Trigger      *Trigger
	Plan         *planner.TestPlan
	Result       *executor.Result
	Warnings     []analysis.Warning
	UnknownUnits []string
	StaleUnits   []string
	StaleSignals []string
	PlanErr      error
	GeneratedAt  time.Time
}

// Build assembles a report. It never fails; missing pieces are left empty.
func Build(in Input) ExecutionReport {
	generated := in.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	rep := ExecutionReport{
		RunID:        in.RunID,
		Ref:          in.Ref,
		GeneratedAt:  generated,
		Trigger:      in.Trigger,
		ChangedUnits: in.ChangedUnits,
		UnknownUnits: sortedCopy(in.UnknownUnits),
		StaleUnits:   sortedCopy(in.StaleUnits),
		StaleSignals: sortedCopy(in.StaleSignals),
		Degraded:     sortedWarnings(in.Warnings),
	}

	if in.PlanErr != nil {
		rep.PlanError = in.PlanErr.Error()
		rep.Outcome = OutcomePlanFailed
		var infeasible *planner.BudgetInfeasibleError
		if errors.As(in.PlanErr, &infeasible) {
			rep.Outcome = OutcomeInfeasible
			rep.Budget = infeasible.Budget
			rep.Infeasible = &Infeasible{
				Budget:      infeasible.Budget,
				MustRunCost: infeasible.MustRunCost,
				MustRun:     append([]string(nil), infeasible.MustRun...),
			}
		}
		return rep
	}
	if in.Plan == nil {
		rep.Outcome = OutcomePlanFailed
		rep.PlanError = "no plan produced"
		return rep
	}

	plan := in.Plan
	rep.Budget = plan.Budget
	rep.TotalCost = plan.TotalCost
	rep.MustRunOverrun = plan.MustRunOverrun
	rep.Overrun = plan.Overrun
	rep.Confidence = plan.Confidence
	rep.SafetyNetAdded = plan.SafetyNetAdded
	rep.Deferred = plan.Deferred
	rep.CoverageTargets = plan.CoverageTargets
	rep.CoverageGaps = plan.CoverageGaps
	if len(plan.UnknownUnits) > 0 {
		rep.UnknownUnits = plan.UnknownUnits
	}
	rep.FlakyTests = plan.FlakyTests

	byID := make(map[string]executor.TestResult)
	if in.Result != nil {
		for _, res := range in.Result.Results {
			byID[res.TestID] = res
		}
	}
	for _, entry := range plan.Entries {
		planned := PlannedTest{
			TestID:         entry.Test.ID,
			Priority:       string(entry.Priority),
			Risk:           entry.Risk,
			Reason:         entry.Reason,
			TargetCoverage: entry.TargetCoverage,
			Cost:           entry.Cost,
		}
		if res, ok := byID[entry.Test.ID]; ok {
			planned.Status = res.Status
			planned.WallTime = res.WallTime
			planned.Error = res.Error
		}
		rep.Planned = append(rep.Planned, planned)
	}

	if in.Result == nil {
		rep.Outcome = OutcomePlanned
		return rep
	}

	result := in.Result
	rep.Duration = result.Finished.Sub(result.Started)
	rep.Counts = make(map[executor.Status]int)
	for _, res := range result.Results {
		rep.Counts[res.Status]++
	}
	rep.Failures = result.TestIDs(executor.StatusFail)
	rep.Timeouts = result.TestIDs(executor.StatusTimeout)
	rep.Errors = result.TestIDs(executor.StatusErrored)
	rep.Cancelled = result.TestIDs(executor.StatusCancelled)
	rep.Triage = Triage(*result)

	switch {
	case len(rep.Failures) > 0 || len(rep.Timeouts) > 0 || len(rep.Errors) > 0:
		rep.Outcome = OutcomeFailed
	case result.Cancelled:
		rep.Outcome = OutcomeCancelled
	default:
		rep.Outcome = OutcomeSucceeded
	}
	return rep
}

// Title is a one-line headline for check runs and notifications.
func (r ExecutionReport) Title() string {
	return fmt.Sprintf("delta-select: %s", r.Outcome)
}

// Summary is a short single-line description stored alongside the report.
func (r ExecutionReport) Summary() string {
	switch r.Outcome {
	case OutcomeInfeasible:
		if r.Infeasible != nil {
			return fmt.Sprintf("budget %s cannot hold must-run tests (%s)", r.Infeasible.Budget, r.Infeasible.MustRunCost)
		}
		return "budget infeasible"
	case OutcomePlanFailed:
		return "planning failed: " + sanitize(r.PlanError)
	}
	parts := []string{fmt.Sprintf("%d planned", len(r.Planned))}
	if len(r.Deferred) > 0 {
		parts = append(parts, fmt.Sprintf("%d deferred", len(r.Deferred)))
	}
	if n := len(r.Failures) + len(r.Timeouts) + len(r.Errors); n > 0 {
		parts = append(parts, fmt.Sprintf("%d failing", n))
	}
	if len(r.Cancelled) > 0 {
		parts = append(parts, fmt.Sprintf("%d cancelled", len(r.Cancelled)))
	}
	return strings.Join(parts, ", ")
}

// Markdown renders the report for check runs and PR comments.
func (r ExecutionReport) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run `%s`\n\n", r.RunID)
	fmt.Fprintf(&b, "Outcome: `%s`\n", r.Outcome)
	if r.Ref != "" {
		fmt.Fprintf(&b, "Ref: `%s`\n", r.Ref)
	}
	if r.Trigger != nil && r.Trigger.CommitSHA != "" {
		fmt.Fprintf(&b, "Commit: `%s`\n", r.Trigger.CommitSHA)
	}
	if r.PlanError != "" {
		fmt.Fprintf(&b, "\nPlanning error: %s\n", sanitize(r.PlanError))
	}
	if r.Infeasible != nil {
		fmt.Fprintf(&b, "Must-run cost `%s` exceeds budget `%s`: %s\n", r.Infeasible.MustRunCost, r.Infeasible.Budget, strings.Join(r.Infeasible.MustRun, ", "))
	}
	if r.Outcome == OutcomeInfeasible || r.Outcome == OutcomePlanFailed {
		writeStale(&b, r)
		writeDegraded(&b, r.Degraded)
		return b.String()
	}

	fmt.Fprintf(&b, "Budget: `%s`, planned cost `%s`, confidence `%.2f`\n", r.Budget, r.TotalCost, r.Confidence)
	if r.MustRunOverrun > 0 {
		fmt.Fprintf(&b, "Must-run overrun: `%s`\n", r.MustRunOverrun)
	}
	if r.Overrun > 0 {
		fmt.Fprintf(&b, "Overrun: `%s`\n", r.Overrun)
	}
	if r.SafetyNetAdded {
		b.WriteString("Safety net added: impact confidence below floor\n")
	}

	if len(r.Planned) > 0 {
		b.WriteString("\nTests:\n")
		for _, test := range r.Planned {
			status := string(test.Status)
			if status == "" {
				status = "planned"
			}
			fmt.Fprintf(&b, "- %s (%s, %s, risk %.1f): `%s`\n", sanitize(test.TestID), test.Reason, test.Priority, test.Risk, status)
			if test.Error != "" {
				fmt.Fprintf(&b, "  Error: %s\n", sanitize(test.Error))
			}
		}
	}
	if len(r.Deferred) > 0 {
		b.WriteString("\nDeferred:\n")
		for _, d := range r.Deferred {
			fmt.Fprintf(&b, "- %s (%s, %s, cost %s)\n", sanitize(d.TestID), d.Reason, d.Priority, d.Cost)
		}
	}
	writeList(&b, "Coverage gaps", r.CoverageGaps)
	writeStale(&b, r)
	writeList(&b, "Flaky tests", r.FlakyTests)
	writeList(&b, "Timeouts", r.Timeouts)
	writeList(&b, "Errors", r.Errors)
	writeList(&b, "Cancelled", r.Cancelled)
	if len(r.Triage) > 0 {
		b.WriteString("\nFailure triage:\n")
		for _, note := range r.Triage {
			fmt.Fprintf(&b, "- %s: %s (%s, confidence %s)\n", sanitize(note.TestID), note.Summary, note.Category, note.Confidence)
		}
	}
	writeDegraded(&b, r.Degraded)
	return b.String()
}

func writeList(b *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		return
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		clean = append(clean, sanitize(v))
	}
	fmt.Fprintf(b, "\n%s: %s\n", label, strings.Join(clean, ", "))
}

func writeStale(b *strings.Builder, r ExecutionReport) {
	writeList(b, "Unknown units", r.UnknownUnits)
	writeList(b, "Stale dependency data", r.StaleUnits)
	writeList(b, "Stale risk signals", r.StaleSignals)
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func writeDegraded(b *strings.Builder, warnings []analysis.Warning) {
	if len(warnings) == 0 {
		return
	}
	b.WriteString("\nDegraded analysis:\n")
	for _, w := range warnings {
		fmt.Fprintf(b, "- %s: %s, using %s signal\n", sanitize(w.UnitID), w.Kind, w.Source)
	}
}

func sortedWarnings(warnings []analysis.Warning) []analysis.Warning {
	if len(warnings) == 0 {
		return nil
	}
	out := append([]analysis.Warning(nil), warnings...)
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

func sanitize(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	return strings.TrimSpace(value)
}
