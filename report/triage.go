package report

import (
	"fmt"
	"strings"

	"github.com/izavyalov-dev/delta-select/executor"
)

const (
	maxTriageSummaryLen = 160
	maxTriageDetailsLen = 512
)

// FailureCategory says who most likely has to act on a failure.
type FailureCategory string

const (
	CategoryInfra   FailureCategory = "infra"
	CategoryTooling FailureCategory = "tooling"
	CategoryTest    FailureCategory = "test"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// FailureNote is a heuristic explanation of one failed, timed out or errored test.
type FailureNote struct {
	TestID     string          `json:"test_id"`
	Status     executor.Status `json:"status"`
	Category   FailureCategory `json:"category"`
	Confidence Confidence      `json:"confidence"`
	Summary    string          `json:"summary"`
	Details    string          `json:"details,omitempty"`
}

// Triage classifies every unsuccessful result in plan order.
func Triage(result executor.Result) []FailureNote {
	var notes []FailureNote
	for _, res := range result.Results {
		switch res.Status {
		case executor.StatusFail, executor.StatusTimeout, executor.StatusErrored:
		default:
			continue
		}
		notes = append(notes, classifyResult(res))
	}
	return notes
}

func classifyResult(res executor.TestResult) FailureNote {
	observed := sanitizeText(lastLines(res.Output, 5), maxTriageSummaryLen)
	lower := strings.ToLower(res.Error + " " + res.Output)

	note := FailureNote{TestID: res.TestID, Status: res.Status}
	switch {
	case res.Status == executor.StatusTimeout || containsAny(lower, "timed out", "deadline exceeded"):
		note.Category, note.Confidence = CategoryInfra, ConfidenceMedium
		note.Summary = fmt.Sprintf("Test exceeded its timeout after %s.", res.WallTime)
	case containsAny(lower, "out of memory", "no space left", "disk full", "signal: killed"):
		note.Category, note.Confidence = CategoryInfra, ConfidenceHigh
		note.Summary = "Resource exhaustion detected."
	case containsAny(lower, "dial tcp", "connection refused", "i/o timeout", "temporary failure", "tls handshake timeout"):
		note.Category, note.Confidence = CategoryInfra, ConfidenceHigh
		note.Summary = "Network error detected."
	case containsAny(lower, "command not found", "executable file not found"):
		note.Category, note.Confidence = CategoryTooling, ConfidenceHigh
		note.Summary = "Missing tool or script."
	case containsAny(lower, "permission denied"):
		note.Category, note.Confidence = CategoryTooling, ConfidenceMedium
		note.Summary = "Permission error detected."
	case res.Status == executor.StatusErrored:
		note.Category, note.Confidence = CategoryInfra, ConfidenceMedium
		note.Summary = "Runner failed before reporting the test."
	case containsAny(lower, "panic:", "fatal error:"):
		note.Category, note.Confidence = CategoryTest, ConfidenceHigh
		note.Summary = "Test panicked."
	default:
		note.Category, note.Confidence = CategoryTest, ConfidenceMedium
		note.Summary = "Test assertions failed."
	}

	details := ""
	if observed != "" && !isGenericSummary(observed) {
		details = appendDetail(details, "Observed: "+observed, maxTriageDetailsLen)
	}
	if res.Error != "" {
		details = appendDetail(details, "Error: "+sanitizeText(res.Error, maxTriageSummaryLen), maxTriageDetailsLen)
	}
	note.Details = details
	return note
}

func lastLines(value string, n int) string {
	lines := strings.Split(strings.TrimRight(value, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func appendDetail(existing, next string, maxLen int) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	if existing == "" {
		return truncateText(next, maxLen)
	}
	return truncateText(existing+" | "+next, maxLen)
}

func sanitizeText(value string, maxLen int) string {
	value = strings.Join(strings.Fields(value), " ")
	return truncateText(value, maxLen)
}

func truncateText(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	if maxLen <= 3 {
		return value[:maxLen]
	}
	return value[:maxLen-3] + "..."
}

func isGenericSummary(summary string) bool {
	lower := strings.ToLower(summary)
	return strings.HasPrefix(lower, "exit status ") || lower == "fail"
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}
