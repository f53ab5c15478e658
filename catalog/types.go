package catalog

import (
	"sort"
	"strings"
	"time"
)

// Category classifies what kind of check a test performs.
type Category string

const (
	CategoryUnit        Category = "unit"
	CategoryIntegration Category = "integration"
	CategoryE2E         Category = "e2e"
	CategoryPerformance Category = "performance"
	CategoryRegression  Category = "regression"
)

// Isolation declares whether a test may share a worker wave with other tests.
type Isolation string

const (
	IsolationParallelSafe Isolation = "parallel-safe"
	IsolationExclusive    Isolation = "exclusive"
)

// Unit is an addressable piece of code with declared dependencies.
type Unit struct {
	ID                  string   `json:"id" yaml:"id"`
	Name                string   `json:"name,omitempty" yaml:"name,omitempty"`
	Paths               []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	DependsOn           []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	BusinessCriticality int      `json:"business_criticality,omitempty" yaml:"business_criticality,omitempty"`
	Complexity          int      `json:"complexity,omitempty" yaml:"complexity,omitempty"`
}

// Test is an executable check with a declared coverage set.
type Test struct {
	ID           string        `json:"id" yaml:"id"`
	Covers       []string      `json:"covers,omitempty" yaml:"covers,omitempty"`
	Category     Category      `json:"category,omitempty" yaml:"category,omitempty"`
	Isolation    Isolation     `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	Command      string        `json:"command,omitempty" yaml:"command,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DeclaredCost time.Duration `json:"declared_cost,omitempty" yaml:"declared_cost,omitempty"`
	SafetyNet    bool          `json:"safety_net,omitempty" yaml:"safety_net,omitempty"`
}

// Exclusive reports whether the test must run alone.
func (t Test) Exclusive() bool {
	return t.Isolation == IsolationExclusive
}

// ChangeSet is the ordered set of changed units that triggers one planning cycle.
type ChangeSet struct {
	Ref     string            `json:"ref,omitempty"`
	Units   []string          `json:"units"`
	Diffs   map[string]string `json:"diffs,omitempty"`
	Ignored []string          `json:"ignored,omitempty"`
}

// NewChangeSet trims, deduplicates and keeps first-seen order.
func NewChangeSet(ref string, units ...string) ChangeSet {
	seen := make(map[string]struct{}, len(units))
	ordered := make([]string, 0, len(units))
	for _, id := range units {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	return ChangeSet{Ref: ref, Units: ordered}
}

// Add appends a unit if it is not already present.
func (c *ChangeSet) Add(unitID string) {
	unitID = strings.TrimSpace(unitID)
	if unitID == "" {
		return
	}
	for _, existing := range c.Units {
		if existing == unitID {
			return
		}
	}
	c.Units = append(c.Units, unitID)
}

// Registry is a serializable snapshot of units and tests.
type Registry struct {
	Units []Unit `json:"units" yaml:"units"`
	Tests []Test `json:"tests" yaml:"tests"`
}

// SortedKeys returns the keys of a set in ascending order.
func SortedKeys[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
