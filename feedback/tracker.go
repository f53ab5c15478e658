package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
)

const day = 24 * time.Hour

var ErrNilLog = errors.New("feedback: log is required")

type Config struct {
	// Window bounds the number of recent records per test used for aggregates.
	Window int `yaml:"window" json:"window"`
	// MaxAge drops records older than this from aggregates.
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
	// HalfLife of a defect-linked record when decayed into unit risk.
	HalfLife time.Duration `yaml:"half_life" json:"half_life"`
	// Horizon beyond which defect-linked records no longer contribute.
	Horizon        time.Duration `yaml:"horizon" json:"horizon"`
	FlakyThreshold float64       `yaml:"flaky_threshold" json:"flaky_threshold"`
}

func DefaultConfig() Config {
	return Config{
		Window:         50,
		MaxAge:         30 * day,
		HalfLife:       14 * day,
		Horizon:        90 * day,
		FlakyThreshold: 0.1,
	}
}

func (c Config) Validate() error {
	if c.Window <= 0 {
		return catalog.Invalid("feedback.window", "must be > 0, got %d", c.Window)
	}
	durations := map[string]time.Duration{
		"feedback.max_age":   c.MaxAge,
		"feedback.half_life": c.HalfLife,
		"feedback.horizon":   c.Horizon,
	}
	for _, field := range catalog.SortedKeys(durations) {
		if durations[field] <= 0 {
			return catalog.Invalid(field, "must be > 0, got %s", durations[field])
		}
	}
	if c.FlakyThreshold < 0 || c.FlakyThreshold > 1 {
		return catalog.Invalid("feedback.flaky_threshold", "must be within [0,1], got %v", c.FlakyThreshold)
	}
	return nil
}

// Aggregate summarizes the recent history of one test.
type Aggregate struct {
	TestID         string        `json:"test_id"`
	Samples        int           `json:"samples"`
	FlakinessRate  float64       `json:"flakiness_rate"`
	FailureRate    float64       `json:"failure_rate"`
	DefectLinkRate float64       `json:"defect_link_rate"`
	MeanCost       time.Duration `json:"mean_cost"`
	LastOutcome    Outcome       `json:"last_outcome,omitempty"`
}

// HasHistory reports whether the aggregate is backed by at least one record.
func (a Aggregate) HasHistory() bool {
	return a.Samples > 0
}

// CoverageIndex resolves which units each test covers.
type CoverageIndex interface {
	Tests() []catalog.Test
}

// DefectSink receives decayed defect counts per unit.
type DefectSink interface {
	Units() []string
	SetHistoricalDefects(unitID string, defects float64)
}

// Tracker records execution outcomes and derives per-test aggregates.
type Tracker struct {
	log    Log
	config Config
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(log Log, config Config, logger *slog.Logger) (*Tracker, error) {
	if log == nil {
		return nil, ErrNilLog
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		log:    log,
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (t *Tracker) Config() Config {
	return t.config
}

// Record appends a record. Duplicate (run, test) pairs are ignored.
func (t *Tracker) Record(ctx context.Context, record Record) (bool, error) {
	if record.Timestamp.IsZero() {
		record.Timestamp = t.now().UTC()
	}
	inserted, err := t.log.Append(ctx, record)
	if err != nil {
		return false, fmt.Errorf("append feedback for %s: %w", record.TestID, err)
	}
	if !inserted {
		t.logger.Debug("duplicate feedback ignored",
			"event", "feedback_duplicate",
			"run_id", record.RunID,
			"test_id", record.TestID,
		)
	}
	return inserted, nil
}

func (t *Tracker) AggregateFor(ctx context.Context, testID string) (Aggregate, error) {
	since := t.now().Add(-t.config.MaxAge)
	records, err := t.log.ListByTest(ctx, testID, since, t.config.Window)
	if err != nil {
		return Aggregate{}, fmt.Errorf("list feedback for %s: %w", testID, err)
	}
	return aggregate(testID, records), nil
}

// Aggregates returns an aggregate for every requested test, including those
// with no recorded history.
func (t *Tracker) Aggregates(ctx context.Context, testIDs []string) (map[string]Aggregate, error) {
	out := make(map[string]Aggregate, len(testIDs))
	for _, id := range testIDs {
		if _, ok := out[id]; ok {
			continue
		}
		agg, err := t.AggregateFor(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = agg
	}
	return out, nil
}

func (t *Tracker) IsFlaky(agg Aggregate) bool {
	return agg.Samples > 0 && agg.FlakinessRate > t.config.FlakyThreshold
}

// DecayedDefects attributes defect-linked records to the units their tests
// cover, weighting each by its age.
func (t *Tracker) DecayedDefects(ctx context.Context, coverage CoverageIndex) (map[string]float64, error) {
	now := t.now()
	records, err := t.log.ListSince(ctx, now.Add(-t.config.Horizon))
	if err != nil {
		return nil, fmt.Errorf("list feedback since horizon: %w", err)
	}

	covers := make(map[string][]string)
	for _, test := range coverage.Tests() {
		covers[test.ID] = test.Covers
	}

	defects := make(map[string]float64)
	for _, record := range records {
		if !record.DefectLinked {
			continue
		}
		weight := t.decayWeight(now.Sub(record.Timestamp))
		for _, unitID := range covers[record.TestID] {
			defects[unitID] += weight
		}
	}
	return defects, nil
}

// DecayInto recomputes the historical defect signal of every scored unit.
// Units with no recent defect-linked records decay to zero.
func (t *Tracker) DecayInto(ctx context.Context, sink DefectSink, coverage CoverageIndex) (map[string]float64, error) {
	defects, err := t.DecayedDefects(ctx, coverage)
	if err != nil {
		return nil, err
	}
	units := sink.Units()
	sort.Strings(units)
	for _, unitID := range units {
		sink.SetHistoricalDefects(unitID, defects[unitID])
	}
	t.logger.Info("defect history decayed",
		"event", "feedback_decay",
		"units", len(units),
		"defect_units", len(defects),
	)
	return defects, nil
}

func (t *Tracker) decayWeight(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, float64(age)/float64(t.config.HalfLife))
}

func aggregate(testID string, records []Record) Aggregate {
	agg := Aggregate{TestID: testID, Samples: len(records)}
	if len(records) == 0 {
		return agg
	}
	var flaky, failed, linked int
	var total time.Duration
	for _, record := range records {
		switch {
		case record.Outcome == OutcomeFlakyPass:
			flaky++
		case record.Outcome.Failed():
			failed++
		}
		if record.DefectLinked {
			linked++
		}
		total += record.WallTime
	}
	n := float64(len(records))
	agg.FlakinessRate = float64(flaky) / n
	agg.FailureRate = float64(failed) / n
	agg.DefectLinkRate = float64(linked) / n
	agg.MeanCost = total / time.Duration(len(records))
	agg.LastOutcome = records[0].Outcome
	return agg
}
