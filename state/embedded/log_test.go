package embedded

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-select/feedback"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	record := feedback.Record{TestID: "t1", RunID: "r1", Outcome: feedback.OutcomeFail, WallTime: time.Second, Timestamp: time.Unix(1000, 0)}

	inserted, err := l.Append(ctx, record)
	if err != nil || !inserted {
		t.Fatalf("first append: inserted=%v err=%v", inserted, err)
	}
	record.Outcome = feedback.OutcomePass
	inserted, err = l.Append(ctx, record)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate append must be a no-op")
	}

	records, err := l.ListByTest(ctx, "t1", time.Time{}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != feedback.OutcomeFail {
		t.Fatalf("expected original record only, got %+v", records)
	}
}

func TestListByTestNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	base := time.Unix(10_000, 0).UTC()
	for i := 0; i < 5; i++ {
		for _, testID := range []string{"t1", "t10"} {
			record := feedback.Record{
				TestID:    testID,
				RunID:     fmt.Sprintf("run-%d", i),
				Outcome:   feedback.OutcomePass,
				WallTime:  time.Duration(i) * time.Second,
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			}
			if _, err := l.Append(ctx, record); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
	}

	records, err := l.ListByTest(ctx, "t1", base, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"run-4", "run-3", "run-2"} {
		if records[i].RunID != want || records[i].TestID != "t1" {
			t.Fatalf("record %d: expected %s of t1, got %+v", i, want, records[i])
		}
	}

	all, err := l.ListByTest(ctx, "t1", base, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected records strictly after cutoff, got %d", len(all))
	}
}

func TestListSinceOldestFirst(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	base := time.Unix(50_000, 0).UTC()
	for i := 3; i >= 0; i-- {
		record := feedback.Record{TestID: fmt.Sprintf("t%d", i), RunID: "r", Outcome: feedback.OutcomeTimeout, Timestamp: base.Add(time.Duration(i) * time.Hour)}
		if _, err := l.Append(ctx, record); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := l.ListSince(ctx, base)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records after cutoff, got %d", len(records))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if records[i].TestID != want {
			t.Fatalf("record %d: expected %s, got %s", i, want, records[i].TestID)
		}
	}
}

func TestTrackerOverEmbeddedLog(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	tracker, err := feedback.NewTracker(l, feedback.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	now := time.Now().UTC()
	for i, outcome := range []feedback.Outcome{feedback.OutcomePass, feedback.OutcomeFlakyPass, feedback.OutcomeFail, feedback.OutcomePass} {
		record := feedback.Record{TestID: "t1", RunID: fmt.Sprintf("r%d", i), Outcome: outcome, WallTime: 2 * time.Second, Timestamp: now.Add(-time.Duration(4-i) * time.Minute)}
		if _, err := tracker.Record(ctx, record); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	agg, err := tracker.AggregateFor(ctx, "t1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Samples != 4 || agg.FlakinessRate != 0.25 || agg.FailureRate != 0.25 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if agg.LastOutcome != feedback.OutcomePass {
		t.Fatalf("expected last outcome pass, got %s", agg.LastOutcome)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error without path")
	}
}
