package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces opaque identifiers for planning cycles.
type IDGenerator interface {
	RunID() string
}

// RandomIDGenerator produces prefixed random UUIDs.
type RandomIDGenerator struct{}

func (RandomIDGenerator) RunID() string { return randomID("run") }

func randomID(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%s", prefix, id.String())
}
