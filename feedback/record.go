package feedback

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is the result of one test execution.
type Outcome string

const (
	OutcomePass      Outcome = "pass"
	OutcomeFail      Outcome = "fail"
	OutcomeFlakyPass Outcome = "flaky-pass"
	OutcomeTimeout   Outcome = "timeout"
)

// Failed reports whether the outcome counts as a failure for planning purposes.
func (o Outcome) Failed() bool {
	return o == OutcomeFail || o == OutcomeTimeout
}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeFlakyPass, OutcomeTimeout:
		return true
	default:
		return false
	}
}

// Record is an immutable, append-only feedback entry.
type Record struct {
	TestID       string        `json:"test_id"`
	RunID        string        `json:"run_id"`
	Outcome      Outcome       `json:"outcome"`
	WallTime     time.Duration `json:"wall_time"`
	Timestamp    time.Time     `json:"timestamp"`
	DefectLinked bool          `json:"defect_linked,omitempty"`
}

// Key identifies a record for idempotent appends.
func (r Record) Key() string {
	return r.RunID + "\x00" + r.TestID
}

func (r Record) Validate() error {
	if r.TestID == "" || r.RunID == "" {
		return errors.New("feedback: test_id and run_id are required")
	}
	if !r.Outcome.Valid() {
		return fmt.Errorf("feedback: unknown outcome %q", r.Outcome)
	}
	if r.WallTime < 0 {
		return errors.New("feedback: wall_time must be >= 0")
	}
	if r.Timestamp.IsZero() {
		return errors.New("feedback: timestamp is required")
	}
	return nil
}
