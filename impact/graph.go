package impact

import (
	"sync"

	"github.com/izavyalov-dev/delta-select/catalog"
)

type unitNode struct {
	unit       catalog.Unit
	deps       map[string]struct{}
	dependents map[string]struct{}
	revision   int
	stale      bool
}

// Graph is the source of truth for unit-to-unit and unit-to-test relationships.
// Updates touch only the edges of the unit or test being changed.
type Graph struct {
	mu    sync.RWMutex
	units map[string]*unitNode
	tests map[string]catalog.Test
	// coverage maps unit id -> ids of tests that exercise it.
	coverage map[string]map[string]struct{}
	// pending holds reverse edges to units that are not registered yet.
	pending map[string]map[string]struct{}
}

func NewGraph() *Graph {
	return &Graph{
		units:    make(map[string]*unitNode),
		tests:    make(map[string]catalog.Test),
		coverage: make(map[string]map[string]struct{}),
		pending:  make(map[string]map[string]struct{}),
	}
}

// NewGraphFromRegistry builds a graph from a registry snapshot.
func NewGraphFromRegistry(reg catalog.Registry) *Graph {
	g := NewGraph()
	for _, unit := range reg.Units {
		g.UpsertUnit(unit)
	}
	for _, test := range reg.Tests {
		g.UpsertTest(test)
	}
	return g
}

// UpsertUnit registers or updates a unit. When the dependency list changes the
// unit's revision is bumped and its stale flag cleared.
func (g *Graph) UpsertUnit(unit catalog.Unit) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.units[unit.ID]
	if !ok {
		node = &unitNode{
			deps:       make(map[string]struct{}),
			dependents: make(map[string]struct{}),
		}
		if waiting, ok := g.pending[unit.ID]; ok {
			node.dependents = waiting
			delete(g.pending, unit.ID)
		}
		g.units[unit.ID] = node
	}

	next := make(map[string]struct{}, len(unit.DependsOn))
	for _, dep := range unit.DependsOn {
		if dep == "" || dep == unit.ID {
			continue
		}
		next[dep] = struct{}{}
	}

	changed := !ok || !sameSet(node.deps, next)
	for dep := range node.deps {
		if _, keep := next[dep]; !keep {
			g.removeReverseLocked(dep, unit.ID)
		}
	}
	for dep := range next {
		if _, had := node.deps[dep]; !had {
			g.addReverseLocked(dep, unit.ID)
		}
	}

	node.unit = unit
	node.deps = next
	if changed {
		node.revision++
		node.stale = false
	}
	return node.revision
}

// RemoveUnit drops a unit and its outgoing edges. Units depending on it keep the
// edge as pending until the unit is registered again.
func (g *Graph) RemoveUnit(unitID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.units[unitID]
	if !ok {
		return
	}
	for dep := range node.deps {
		g.removeReverseLocked(dep, unitID)
	}
	if len(node.dependents) > 0 {
		g.pending[unitID] = node.dependents
	}
	delete(g.units, unitID)
}

// UpsertTest registers or replaces a test and its coverage set.
func (g *Graph) UpsertTest(test catalog.Test) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if previous, ok := g.tests[test.ID]; ok {
		for _, unitID := range previous.Covers {
			g.uncoverLocked(unitID, test.ID)
		}
	}
	if test.Isolation == "" {
		test.Isolation = catalog.IsolationParallelSafe
	}
	g.tests[test.ID] = test
	for _, unitID := range test.Covers {
		set, ok := g.coverage[unitID]
		if !ok {
			set = make(map[string]struct{})
			g.coverage[unitID] = set
		}
		set[test.ID] = struct{}{}
	}
}

func (g *Graph) RemoveTest(testID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	test, ok := g.tests[testID]
	if !ok {
		return
	}
	for _, unitID := range test.Covers {
		g.uncoverLocked(unitID, testID)
	}
	delete(g.tests, testID)
}

// MarkStale flags a unit whose dependency data has not been rebuilt since the
// last structural change.
func (g *Graph) MarkStale(unitID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.units[unitID]
	if !ok {
		return false
	}
	node.stale = true
	return true
}

// MarkBuilt clears the stale flag of a unit.
func (g *Graph) MarkBuilt(unitID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node, ok := g.units[unitID]; ok {
		node.stale = false
	}
}

func (g *Graph) HasUnit(unitID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.units[unitID]
	return ok
}

func (g *Graph) Unit(unitID string) (catalog.Unit, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.units[unitID]
	if !ok {
		return catalog.Unit{}, false
	}
	return node.unit, true
}

// Revision returns the structural revision of a unit (0 when unknown).
func (g *Graph) Revision(unitID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if node, ok := g.units[unitID]; ok {
		return node.revision
	}
	return 0
}

func (g *Graph) IsStale(unitID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.units[unitID]
	return ok && node.stale
}

func (g *Graph) Test(testID string) (catalog.Test, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	test, ok := g.tests[testID]
	return test, ok
}

// Units returns every registered unit sorted by id.
func (g *Graph) Units() []catalog.Unit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	units := make([]catalog.Unit, 0, len(g.units))
	for _, id := range catalog.SortedKeys(g.units) {
		units = append(units, g.units[id].unit)
	}
	return units
}

// Tests returns every registered test sorted by id.
func (g *Graph) Tests() []catalog.Test {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tests := make([]catalog.Test, 0, len(g.tests))
	for _, id := range catalog.SortedKeys(g.tests) {
		tests = append(tests, g.tests[id])
	}
	return tests
}

// TestsCovering returns the sorted ids of tests that exercise a unit.
func (g *Graph) TestsCovering(unitID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return catalog.SortedKeys(g.coverage[unitID])
}

// Dependents returns the sorted ids of units that depend on unitID.
func (g *Graph) Dependents(unitID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.units[unitID]
	if !ok {
		return nil
	}
	return catalog.SortedKeys(node.dependents)
}

func (g *Graph) addReverseLocked(dep, dependent string) {
	if node, ok := g.units[dep]; ok {
		node.dependents[dependent] = struct{}{}
		return
	}
	set, ok := g.pending[dep]
	if !ok {
		set = make(map[string]struct{})
		g.pending[dep] = set
	}
	set[dependent] = struct{}{}
}

func (g *Graph) removeReverseLocked(dep, dependent string) {
	if node, ok := g.units[dep]; ok {
		delete(node.dependents, dependent)
		return
	}
	if set, ok := g.pending[dep]; ok {
		delete(set, dependent)
		if len(set) == 0 {
			delete(g.pending, dep)
		}
	}
}

func (g *Graph) uncoverLocked(unitID, testID string) {
	set, ok := g.coverage[unitID]
	if !ok {
		return
	}
	delete(set, testID)
	if len(set) == 0 {
		delete(g.coverage, unitID)
	}
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for key := range a {
		if _, ok := b[key]; !ok {
			return false
		}
	}
	return true
}
