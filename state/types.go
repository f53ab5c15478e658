package state

import (
	"encoding/json"
	"time"
)

// Cycle is the persisted record of one planning cycle.
type Cycle struct {
	ID        string     `json:"id"`
	Ref       string     `json:"ref"`
	State     CycleState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ExecutionReport is a rendered cycle report kept for dashboards.
type ExecutionReport struct {
	RunID     string          `json:"run_id"`
	Outcome   string          `json:"outcome"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
