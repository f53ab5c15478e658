package report

import (
	"strings"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-select/executor"
)

func TestTriageClassifiesUnsuccessfulResults(t *testing.T) {
	result := executor.Result{Results: []executor.TestResult{
		{TestID: "t-ok", Status: executor.StatusPass},
		{TestID: "t-net", Status: executor.StatusFail, Output: "setup\ndial tcp 10.0.0.1:5432: connection refused\n"},
		{TestID: "t-slow", Status: executor.StatusTimeout, WallTime: 2 * time.Second},
		{TestID: "t-tool", Status: executor.StatusFail, Output: "sh: 1: gotestsum: command not found"},
		{TestID: "t-lost", Status: executor.StatusErrored, Error: "runner: stream truncated"},
		{TestID: "t-panic", Status: executor.StatusFail, Output: "panic: runtime error: index out of range"},
		{TestID: "t-assert", Status: executor.StatusFail, Output: "cart_test.go:41: want 3, got 2\nFAIL"},
		{TestID: "t-flaky", Status: executor.StatusFlakyPass},
	}}

	notes := Triage(result)
	if len(notes) != 6 {
		t.Fatalf("expected 6 notes, got %d: %+v", len(notes), notes)
	}
	want := map[string]FailureCategory{
		"t-net":    CategoryInfra,
		"t-slow":   CategoryInfra,
		"t-tool":   CategoryTooling,
		"t-lost":   CategoryInfra,
		"t-panic":  CategoryTest,
		"t-assert": CategoryTest,
	}
	for _, note := range notes {
		if note.Category != want[note.TestID] {
			t.Fatalf("%s: expected %s, got %s", note.TestID, want[note.TestID], note.Category)
		}
		if note.Summary == "" {
			t.Fatalf("%s: expected summary", note.TestID)
		}
	}
	if notes[0].TestID != "t-net" || notes[0].Confidence != ConfidenceHigh {
		t.Fatalf("expected plan order and high confidence for network failure: %+v", notes[0])
	}
	if !strings.Contains(notes[0].Details, "connection refused") {
		t.Fatalf("expected observed output in details: %q", notes[0].Details)
	}
	if !strings.Contains(notes[3].Details, "Error: runner: stream truncated") {
		t.Fatalf("expected runner error in details: %q", notes[3].Details)
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("abcdefgh", 6); got != "abc..." {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := truncateText("abc", 6); got != "abc" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := sanitizeText("a\n  b\r\nc", 0); got != "a b c" {
		t.Fatalf("unexpected sanitized text %q", got)
	}
}
