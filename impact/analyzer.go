package impact

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/izavyalov-dev/delta-select/catalog"
)

const (
	defaultHopLimit = 3
	defaultHopDecay = 0.9
)

// UnknownUnitError reports a changed identifier that is not in the graph.
// It is recorded in the impact result and never aborts the analysis.
type UnknownUnitError struct {
	UnitID string
}

func (e *UnknownUnitError) Error() string {
	return fmt.Sprintf("impact: unknown unit %q", e.UnitID)
}

func IsUnknownUnitError(err error) bool {
	var ue *UnknownUnitError
	return errors.As(err, &ue)
}

// Config bounds the impact walk.
type Config struct {
	HopLimit int     `yaml:"hop_limit" json:"hop_limit"`
	HopDecay float64 `yaml:"hop_decay" json:"hop_decay"`
}

func DefaultConfig() Config {
	return Config{HopLimit: defaultHopLimit, HopDecay: defaultHopDecay}
}

// Validate checks the configuration as given. A hop limit of 0 keeps impact
// to the changed units themselves.
func (c Config) Validate() error {
	if c.HopLimit < 0 {
		return catalog.Invalid("impact.hop_limit", "must be >= 0, got %d", c.HopLimit)
	}
	if math.IsNaN(c.HopDecay) || c.HopDecay <= 0 || c.HopDecay > 1 {
		return catalog.Invalid("impact.hop_decay", "must be in (0, 1], got %v", c.HopDecay)
	}
	return nil
}

// AffectedUnit is a unit reached from the change set.
type AffectedUnit struct {
	UnitID  string `json:"unit_id"`
	Hops    int    `json:"hops"`
	Stale   bool   `json:"stale,omitempty"`
	Changed bool   `json:"changed,omitempty"`
}

// Impact is the result of analyzing one change set.
type Impact struct {
	AffectedUnits []AffectedUnit      `json:"affected_units"`
	ImpactedTests []string            `json:"impacted_tests"`
	Confidence    float64             `json:"confidence"`
	MaxHops       int                 `json:"max_hops"`
	Unknown       []*UnknownUnitError `json:"-"`
	UnknownUnits  []string            `json:"unknown_units,omitempty"`
	// UnmappedTests are pulled in because an unknown unit makes impact unknowable.
	UnmappedTests []string `json:"unmapped_tests,omitempty"`
	StaleUnits    []string `json:"stale_units,omitempty"`
}

// AffectedIDs returns the ids of affected units in result order.
func (i Impact) AffectedIDs() []string {
	ids := make([]string, 0, len(i.AffectedUnits))
	for _, unit := range i.AffectedUnits {
		ids = append(ids, unit.UnitID)
	}
	return ids
}

// Analyzer maps change sets onto the dependency graph.
type Analyzer struct {
	graph  *Graph
	config Config
}

func NewAnalyzer(graph *Graph, config Config) (*Analyzer, error) {
	if graph == nil {
		return nil, catalog.Invalid("impact.graph", "graph is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{graph: graph, config: config}, nil
}

func (a *Analyzer) Graph() *Graph {
	return a.graph
}

// ImpactOf walks dependents breadth-first from every changed unit, up to the
// hop limit. Reachability is a union over sources, so adding a changed unit
// never shrinks the affected set.
func (a *Analyzer) ImpactOf(changes catalog.ChangeSet) Impact {
	a.graph.mu.RLock()
	defer a.graph.mu.RUnlock()

	hops := make(map[string]int)
	changed := make(map[string]struct{})
	var unknown []*UnknownUnitError
	var frontier []string

	for _, id := range changes.Units {
		if _, ok := a.graph.units[id]; !ok {
			unknown = append(unknown, &UnknownUnitError{UnitID: id})
			continue
		}
		changed[id] = struct{}{}
		if _, seen := hops[id]; !seen {
			hops[id] = 0
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	for depth := 1; depth <= a.config.HopLimit && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, dependent := range catalog.SortedKeys(a.graph.units[id].dependents) {
				if _, seen := hops[dependent]; seen {
					continue
				}
				if _, ok := a.graph.units[dependent]; !ok {
					continue
				}
				hops[dependent] = depth
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		frontier = next
	}

	result := Impact{Unknown: unknown}
	tests := make(map[string]struct{})
	staleCount := 0
	for _, id := range catalog.SortedKeys(hops) {
		node := a.graph.units[id]
		_, isChanged := changed[id]
		result.AffectedUnits = append(result.AffectedUnits, AffectedUnit{
			UnitID:  id,
			Hops:    hops[id],
			Stale:   node.stale,
			Changed: isChanged,
		})
		if hops[id] > result.MaxHops {
			result.MaxHops = hops[id]
		}
		if node.stale {
			staleCount++
			result.StaleUnits = append(result.StaleUnits, id)
		}
		for testID := range a.graph.coverage[id] {
			tests[testID] = struct{}{}
		}
	}
	sort.Slice(result.AffectedUnits, func(i, j int) bool {
		if result.AffectedUnits[i].Hops != result.AffectedUnits[j].Hops {
			return result.AffectedUnits[i].Hops < result.AffectedUnits[j].Hops
		}
		return result.AffectedUnits[i].UnitID < result.AffectedUnits[j].UnitID
	})

	if len(unknown) > 0 {
		for _, ue := range unknown {
			result.UnknownUnits = append(result.UnknownUnits, ue.UnitID)
		}
		for id, test := range a.graph.tests {
			if len(test.Covers) == 0 {
				result.UnmappedTests = append(result.UnmappedTests, id)
				tests[id] = struct{}{}
			}
		}
		sort.Strings(result.UnmappedTests)
	}
	result.ImpactedTests = catalog.SortedKeys(tests)
	result.Confidence = a.confidence(result.MaxHops, len(hops), staleCount, len(unknown))
	return result
}

func (a *Analyzer) confidence(maxHops, affected, stale, unknown int) float64 {
	total := affected + unknown
	if total == 0 {
		return 1
	}
	degraded := float64(stale+unknown) / float64(total)
	value := math.Pow(a.config.HopDecay, float64(maxHops)) * (1 - degraded)
	if value < 0 {
		return 0
	}
	return value
}
