package planner

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/risk"
)

type Config struct {
	MustRunThreshold float64       `yaml:"must_run_threshold" json:"must_run_threshold"`
	ConfidenceFloor  float64       `yaml:"confidence_floor" json:"confidence_floor"`
	OverrunTolerance float64       `yaml:"overrun_tolerance" json:"overrun_tolerance"`
	FlakyThreshold   float64       `yaml:"flaky_threshold" json:"flaky_threshold"`
	FlakyPenalty     float64       `yaml:"flaky_penalty" json:"flaky_penalty"`
	DefaultCost      time.Duration `yaml:"default_cost" json:"default_cost"`
	DefaultTimeout   time.Duration `yaml:"default_timeout" json:"default_timeout"`
	// TimeoutFactor multiplies the historical mean cost when a test has no
	// declared timeout.
	TimeoutFactor float64 `yaml:"timeout_factor" json:"timeout_factor"`
}

func DefaultConfig() Config {
	return Config{
		MustRunThreshold: 7,
		ConfidenceFloor:  0.6,
		OverrunTolerance: 0.1,
		FlakyThreshold:   0.1,
		FlakyPenalty:     0.5,
		DefaultCost:      30 * time.Second,
		DefaultTimeout:   10 * time.Minute,
		TimeoutFactor:    3,
	}
}

// Validate checks the configuration as given. A zero tolerance or confidence
// floor is a real setting, not a request for the default.
func (c Config) Validate() error {
	switch {
	case c.MustRunThreshold < 0 || c.MustRunThreshold > risk.MaxScore:
		return catalog.Invalid("planner.must_run_threshold", "must be within [0,%v], got %v", risk.MaxScore, c.MustRunThreshold)
	case c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1:
		return catalog.Invalid("planner.confidence_floor", "must be within [0,1], got %v", c.ConfidenceFloor)
	case c.OverrunTolerance < 0:
		return catalog.Invalid("planner.overrun_tolerance", "must be >= 0, got %v", c.OverrunTolerance)
	case c.FlakyThreshold < 0 || c.FlakyThreshold > 1:
		return catalog.Invalid("planner.flaky_threshold", "must be within [0,1], got %v", c.FlakyThreshold)
	case c.FlakyPenalty < 0 || c.FlakyPenalty > 1:
		return catalog.Invalid("planner.flaky_penalty", "must be within [0,1], got %v", c.FlakyPenalty)
	case c.DefaultCost <= 0:
		return catalog.Invalid("planner.default_cost", "must be > 0, got %s", c.DefaultCost)
	case c.DefaultTimeout <= 0:
		return catalog.Invalid("planner.default_timeout", "must be > 0, got %s", c.DefaultTimeout)
	case c.TimeoutFactor < 1:
		return catalog.Invalid("planner.timeout_factor", "must be >= 1, got %v", c.TimeoutFactor)
	}
	return nil
}

// GreedyPlanner fills the budget in priority order, the way a greedy knapsack
// would. Must-run tests always enter first.
type GreedyPlanner struct {
	config Config
	logger *slog.Logger
}

func NewGreedyPlanner(config Config, logger *slog.Logger) (*GreedyPlanner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GreedyPlanner{config: config, logger: logger}, nil
}

func (p *GreedyPlanner) Config() Config {
	return p.config
}

type candidate struct {
	test       catalog.Test
	risk       float64
	level      risk.Level
	rate       float64
	cost       time.Duration
	timeout    time.Duration
	historical bool
	flaky      bool
}

func (p *GreedyPlanner) Plan(ctx context.Context, req Request) (TestPlan, error) {
	if req.Budget <= 0 {
		return TestPlan{}, ErrInvalidBudget
	}
	if err := ctx.Err(); err != nil {
		return TestPlan{}, err
	}

	catalogTests := make(map[string]catalog.Test, len(req.Tests))
	for _, test := range req.Tests {
		catalogTests[test.ID] = test
	}

	unitScores := make(map[string]float64)
	for _, unit := range req.Impact.AffectedUnits {
		unitScores[unit.UnitID] = scoreOf(req.Scores, unit.UnitID)
	}
	unmapped := make(map[string]struct{}, len(req.Impact.UnmappedTests))
	for _, id := range req.Impact.UnmappedTests {
		unmapped[id] = struct{}{}
	}

	plan := TestPlan{
		RunID:           req.RunID,
		Budget:          req.Budget,
		Confidence:      req.Impact.Confidence,
		CoverageTargets: make(map[string]int),
		UnknownUnits:    append([]string(nil), req.Impact.UnknownUnits...),
	}

	covered := make(map[string]struct{})
	for _, test := range catalogTests {
		for _, unitID := range test.Covers {
			covered[unitID] = struct{}{}
		}
	}
	for _, unitID := range catalog.SortedKeys(unitScores) {
		plan.CoverageTargets[unitID] = risk.CoverageTarget(unitScores[unitID])
		if _, ok := covered[unitID]; !ok {
			plan.CoverageGaps = append(plan.CoverageGaps, unitID)
		}
	}
	for _, unitID := range req.Impact.UnknownUnits {
		plan.CoverageTargets[unitID] = risk.CoverageTarget(risk.MaxScore)
	}

	var candidates []candidate
	seen := make(map[string]struct{})
	for _, id := range req.Impact.ImpactedTests {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		test, ok := catalogTests[id]
		if !ok {
			test = catalog.Test{ID: id}
		}
		value := 0.0
		if _, isUnmapped := unmapped[id]; isUnmapped || !ok {
			value = risk.MaxScore
		}
		for _, unitID := range test.Covers {
			if score, affected := unitScores[unitID]; affected && score > value {
				value = score
			}
		}
		candidates = append(candidates, p.newCandidate(test, value, req.Stats))
	}
	p.sortCandidates(candidates)

	var mustRun, rest []candidate
	for _, c := range candidates {
		if c.risk >= p.config.MustRunThreshold {
			mustRun = append(mustRun, c)
		} else {
			rest = append(rest, c)
		}
	}

	var used time.Duration
	for _, c := range mustRun {
		used += c.cost
	}
	plan.MustRunCost = used
	if limit := allowance(req.Budget, p.config.OverrunTolerance); used > limit {
		ids := make([]string, 0, len(mustRun))
		for _, c := range mustRun {
			ids = append(ids, c.test.ID)
		}
		return TestPlan{}, &BudgetInfeasibleError{
			Budget:      req.Budget,
			MustRunCost: used,
			Tolerance:   p.config.OverrunTolerance,
			MustRun:     ids,
		}
	}
	if used > req.Budget {
		plan.MustRunOverrun = used - req.Budget
	}
	for _, c := range mustRun {
		plan.Entries = append(plan.Entries, c.entry(ReasonMustRun))
	}

	if req.Impact.Confidence < p.config.ConfidenceFloor {
		var net []candidate
		var remaining []candidate
		for _, c := range rest {
			if c.test.SafetyNet {
				net = append(net, c)
			} else {
				remaining = append(remaining, c)
			}
		}
		for _, id := range catalog.SortedKeys(catalogTests) {
			test := catalogTests[id]
			if _, impacted := seen[id]; impacted || !test.SafetyNet {
				continue
			}
			net = append(net, p.newCandidate(test, 0, req.Stats))
		}
		p.sortCandidates(net)
		for _, c := range net {
			if used+c.cost > req.Budget {
				plan.Deferred = append(plan.Deferred, c.deferred(ReasonSafetyNet))
				continue
			}
			plan.Entries = append(plan.Entries, c.entry(ReasonSafetyNet))
			plan.SafetyNetAdded = true
			used += c.cost
		}
		rest = remaining
	}

	for _, c := range rest {
		if used+c.cost <= req.Budget {
			plan.Entries = append(plan.Entries, c.entry(ReasonSelected))
			used += c.cost
			continue
		}
		plan.Deferred = append(plan.Deferred, c.deferred(ReasonSelected))
	}

	plan.TotalCost = used
	if used > req.Budget {
		plan.Overrun = used - req.Budget
	}
	for _, entry := range plan.Entries {
		if entry.Flaky {
			plan.FlakyTests = append(plan.FlakyTests, entry.Test.ID)
		}
	}
	sort.Strings(plan.FlakyTests)

	p.logger.Info("test plan built",
		"event", "plan_built",
		"run_id", req.RunID,
		"planned", len(plan.Entries),
		"must_run", plan.Count(ReasonMustRun),
		"safety_net", plan.Count(ReasonSafetyNet),
		"deferred", len(plan.Deferred),
		"total_cost", plan.TotalCost.String(),
		"budget", req.Budget.String(),
		"confidence", plan.Confidence,
	)
	return plan, nil
}

func (p *GreedyPlanner) newCandidate(test catalog.Test, value float64, stats map[string]feedback.Aggregate) candidate {
	c := candidate{
		test:  test,
		risk:  value,
		level: risk.Classify(value),
		cost:  p.config.DefaultCost,
	}
	agg, ok := stats[test.ID]
	hasHistory := ok && agg.HasHistory()
	switch {
	case hasHistory && agg.MeanCost > 0:
		c.cost = agg.MeanCost
		c.historical = true
	case test.DeclaredCost > 0:
		c.cost = test.DeclaredCost
	}
	switch {
	case test.Timeout > 0:
		c.timeout = test.Timeout
	case c.historical:
		c.timeout = time.Duration(float64(c.cost) * p.config.TimeoutFactor)
	default:
		c.timeout = p.config.DefaultTimeout
	}
	if hasHistory {
		c.rate = agg.DefectLinkRate
		if agg.FlakinessRate > p.config.FlakyThreshold {
			c.flaky = true
			c.rate *= p.config.FlakyPenalty
		}
	}
	return c
}

// sortCandidates orders by (priority desc, weighted defect-link rate desc,
// cost asc, id asc).
func (p *GreedyPlanner) sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.level.Rank() != b.level.Rank() {
			return a.level.Rank() > b.level.Rank()
		}
		if a.rate != b.rate {
			return a.rate > b.rate
		}
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		return a.test.ID < b.test.ID
	})
}

func (c candidate) entry(reason Reason) Entry {
	return Entry{
		Test:           c.test,
		Priority:       c.level,
		Risk:           c.risk,
		TargetCoverage: risk.CoverageTarget(c.risk),
		Reason:         reason,
		Cost:           c.cost,
		Timeout:        c.timeout,
		Historical:     c.historical,
		Flaky:          c.flaky,
	}
}

func (c candidate) deferred(reason Reason) Deferred {
	return Deferred{
		TestID:   c.test.ID,
		Priority: c.level,
		Risk:     c.risk,
		Cost:     c.cost,
		Reason:   reason,
	}
}

func scoreOf(scores map[string]risk.Score, unitID string) float64 {
	if score, ok := scores[unitID]; ok {
		return score.Value
	}
	return risk.MaxScore
}
