package protocol

import (
	"time"

	"github.com/izavyalov-dev/delta-select/feedback"
)

const (
	TypeBatchRequest  = "BatchRequest"
	TypeTestOutcome   = "TestOutcome"
	TypeBatchComplete = "BatchComplete"
)

// TestSpec is one test of a batch as seen by a runner agent.
type TestSpec struct {
	ID        string `json:"id"`
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeout_ms"`
	MustRun   bool   `json:"must_run,omitempty"`
}

// BatchRequest is sent from the selector to a runner agent. Tests run
// sequentially in the given order.
type BatchRequest struct {
	Type      string     `json:"type"` // always "BatchRequest"
	RunID     string     `json:"run_id"`
	BatchID   string     `json:"batch_id"`
	Index     int        `json:"index"`
	Exclusive bool       `json:"exclusive,omitempty"`
	Tests     []TestSpec `json:"tests"`
}

// TestOutcome is streamed back by the runner as each test finishes, one JSON
// object per line.
type TestOutcome struct {
	Type         string           `json:"type"` // always "TestOutcome"
	BatchID      string           `json:"batch_id"`
	TestID       string           `json:"test_id"`
	Outcome      feedback.Outcome `json:"outcome"`
	WallTimeMS   int64            `json:"wall_time_ms"`
	DefectLinked bool             `json:"defect_linked,omitempty"`
	Output       string           `json:"output,omitempty"`
	ArtifactURI  string           `json:"artifact_uri,omitempty"`
}

type BatchStatus string

const (
	BatchStatusCompleted BatchStatus = "COMPLETED"
	BatchStatusErrored   BatchStatus = "ERRORED"
)

// BatchComplete terminates the outcome stream of a batch.
type BatchComplete struct {
	Type       string      `json:"type"` // always "BatchComplete"
	BatchID    string      `json:"batch_id"`
	Status     BatchStatus `json:"status"`
	FinishedAt time.Time   `json:"finished_at"`
	Summary    string      `json:"summary,omitempty"`
}

// StreamMessage decodes any line of the outcome stream; Type selects which
// fields are meaningful.
type StreamMessage struct {
	TestOutcome
	Status     BatchStatus `json:"status,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	Summary    string      `json:"summary,omitempty"`
}

// CycleRequest starts a planning cycle through the HTTP API. Either Ref
// (diffed against the repository) or ChangedUnits must be set.
type CycleRequest struct {
	Ref          string            `json:"ref,omitempty"`
	ChangedUnits []string          `json:"changed_units,omitempty"`
	Diffs        map[string]string `json:"diffs,omitempty"`
	// Budget is a Go duration string such as "15m". Empty uses the default.
	Budget  string `json:"budget,omitempty"`
	Execute bool   `json:"execute"`
}

// CycleResponse reports the final state of a cycle.
type CycleResponse struct {
	RunID  string `json:"run_id"`
	State  string `json:"state"`
	Report any    `json:"report,omitempty"`
}

type FeedbackRequest struct {
	Records []feedback.Record `json:"records"`
}

type FeedbackResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

type AggregatesResponse struct {
	Aggregates []feedback.Aggregate `json:"aggregates"`
	Flaky      []string             `json:"flaky,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
