package feedback

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/risk"
)

type stubCoverage struct {
	tests []catalog.Test
}

func (s stubCoverage) Tests() []catalog.Test { return s.tests }

func newTestTracker(t *testing.T, now time.Time) (*Tracker, *MemoryLog) {
	t.Helper()
	log := NewMemoryLog()
	tracker, err := NewTracker(log, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	tracker.now = func() time.Time { return now }
	return tracker, log
}

func TestRecordIsIdempotentPerRunAndTest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, log := newTestTracker(t, now)
	ctx := context.Background()

	rec := Record{TestID: "t1", RunID: "run-1", Outcome: OutcomePass, WallTime: time.Second, Timestamp: now}
	inserted, err := tracker.Record(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("first append: inserted=%v err=%v", inserted, err)
	}
	inserted, err = tracker.Record(ctx, rec)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate to be ignored")
	}
	if log.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", log.Len())
	}
}

func TestRecordRejectsUnknownOutcome(t *testing.T) {
	tracker, _ := newTestTracker(t, time.Now())
	_, err := tracker.Record(context.Background(), Record{TestID: "t1", RunID: "r", Outcome: "skipped"})
	if err == nil {
		t.Fatalf("expected invalid outcome error")
	}
}

func TestAggregateUsesRecentWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, now)
	ctx := context.Background()

	// 60 records, one per hour; only the newest 50 count.
	for i := 0; i < 60; i++ {
		outcome := OutcomePass
		if i < 10 {
			outcome = OutcomeFail
		}
		rec := Record{
			TestID:    "t1",
			RunID:     fmt.Sprintf("run-%02d", i),
			Outcome:   outcome,
			WallTime:  2 * time.Second,
			Timestamp: now.Add(-time.Duration(60-i) * time.Hour),
		}
		if _, err := tracker.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	agg, err := tracker.AggregateFor(ctx, "t1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Samples != 50 {
		t.Fatalf("expected 50 samples, got %d", agg.Samples)
	}
	if agg.FailureRate != 0 {
		t.Fatalf("expected old failures outside window, got rate %v", agg.FailureRate)
	}
	if agg.MeanCost != 2*time.Second {
		t.Fatalf("expected mean cost 2s, got %s", agg.MeanCost)
	}
}

func TestAggregateDropsRecordsOlderThanMaxAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, now)
	ctx := context.Background()

	old := Record{TestID: "t1", RunID: "old", Outcome: OutcomeFail, Timestamp: now.Add(-31 * day)}
	fresh := Record{TestID: "t1", RunID: "fresh", Outcome: OutcomeFlakyPass, Timestamp: now.Add(-time.Hour)}
	for _, rec := range []Record{old, fresh} {
		if _, err := tracker.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	agg, err := tracker.AggregateFor(ctx, "t1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Samples != 1 || agg.FlakinessRate != 1 || agg.FailureRate != 0 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if !tracker.IsFlaky(agg) {
		t.Fatalf("expected flaky test")
	}
}

func TestAggregatesIncludeTestsWithoutHistory(t *testing.T) {
	tracker, _ := newTestTracker(t, time.Now())
	aggs, err := tracker.Aggregates(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if len(aggs) != 2 || aggs["a"].HasHistory() {
		t.Fatalf("unexpected aggregates: %+v", aggs)
	}
	if tracker.IsFlaky(aggs["a"]) {
		t.Fatalf("test without history must not be flaky")
	}
}

func TestDecayHalvesEveryHalfLife(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, now)
	ctx := context.Background()

	records := []Record{
		{TestID: "t-pay", RunID: "r1", Outcome: OutcomeFail, DefectLinked: true, Timestamp: now},
		{TestID: "t-pay", RunID: "r2", Outcome: OutcomeFail, DefectLinked: true, Timestamp: now.Add(-14 * day)},
		{TestID: "t-pay", RunID: "r3", Outcome: OutcomeFail, DefectLinked: true, Timestamp: now.Add(-100 * day)},
		{TestID: "t-pay", RunID: "r4", Outcome: OutcomeFail, Timestamp: now},
	}
	for _, rec := range records {
		if _, err := tracker.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	coverage := stubCoverage{tests: []catalog.Test{{ID: "t-pay", Covers: []string{"payment", "ledger"}}}}
	defects, err := tracker.DecayedDefects(ctx, coverage)
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	for _, unit := range []string{"payment", "ledger"} {
		if math.Abs(defects[unit]-1.5) > 1e-9 {
			t.Fatalf("expected 1.5 decayed defects for %s, got %v", unit, defects[unit])
		}
	}
}

func TestDecayIntoUpdatesRiskModel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, _ := newTestTracker(t, now)
	ctx := context.Background()

	model, err := risk.NewModel(risk.DefaultConfig())
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	model.SetSignal("payment", risk.Signal{Complexity: 5, BusinessCriticality: 5, HistoricalDefects: 4})
	model.SetSignal("search", risk.Signal{Complexity: 5, BusinessCriticality: 5, HistoricalDefects: 4})

	rec := Record{TestID: "t-pay", RunID: "r1", Outcome: OutcomeFail, DefectLinked: true, Timestamp: now}
	if _, err := tracker.Record(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	coverage := stubCoverage{tests: []catalog.Test{{ID: "t-pay", Covers: []string{"payment"}}}}
	if _, err := tracker.DecayInto(ctx, model, coverage); err != nil {
		t.Fatalf("decay into: %v", err)
	}

	payment, _ := model.Signal("payment")
	if payment.HistoricalDefects != 1 {
		t.Fatalf("expected payment defects 1, got %v", payment.HistoricalDefects)
	}
	search, _ := model.Signal("search")
	if search.HistoricalDefects != 0 {
		t.Fatalf("expected search defects to decay to 0, got %v", search.HistoricalDefects)
	}
}

func TestNewTrackerRejectsInvalidThreshold(t *testing.T) {
	config := DefaultConfig()
	config.FlakyThreshold = 1.5
	_, err := NewTracker(NewMemoryLog(), config, nil)
	if !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewTrackerKeepsExplicitZeroThreshold(t *testing.T) {
	config := DefaultConfig()
	config.FlakyThreshold = 0
	tracker, err := NewTracker(NewMemoryLog(), config, nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if tracker.Config().FlakyThreshold != 0 {
		t.Fatalf("expected threshold 0 to be kept, got %v", tracker.Config().FlakyThreshold)
	}

	config = DefaultConfig()
	config.Window = 0
	if _, err := NewTracker(NewMemoryLog(), config, nil); !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for zero window, got %v", err)
	}
}
