package impact

import (
	"reflect"
	"testing"

	"github.com/izavyalov-dev/delta-select/catalog"
)

func sampleRegistry() catalog.Registry {
	return catalog.Registry{
		Units: []catalog.Unit{
			{ID: "db"},
			{ID: "payments", DependsOn: []string{"db"}},
			{ID: "checkout", DependsOn: []string{"payments", "cart"}},
			{ID: "cart", DependsOn: []string{"db"}},
			{ID: "web", DependsOn: []string{"checkout"}},
			{ID: "edge", DependsOn: []string{"web"}},
			{ID: "docs"},
		},
		Tests: []catalog.Test{
			{ID: "db_test", Covers: []string{"db"}},
			{ID: "payments_test", Covers: []string{"payments"}},
			{ID: "checkout_e2e", Covers: []string{"checkout", "web"}, Category: catalog.CategoryE2E},
			{ID: "edge_test", Covers: []string{"edge"}},
			{ID: "smoke", SafetyNet: true},
		},
	}
}

func newTestAnalyzer(t *testing.T, config Config) *Analyzer {
	t.Helper()
	analyzer, err := NewAnalyzer(NewGraphFromRegistry(sampleRegistry()), config)
	if err != nil {
		t.Fatalf("new analyzer: %v", err)
	}
	return analyzer
}

func TestImpactOfWalksDependentsWithinHopLimit(t *testing.T) {
	analyzer := newTestAnalyzer(t, Config{HopLimit: 2, HopDecay: defaultHopDecay})

	result := analyzer.ImpactOf(catalog.NewChangeSet("", "payments"))

	if !reflect.DeepEqual(result.AffectedIDs(), []string{"payments", "checkout", "web"}) {
		t.Fatalf("unexpected affected units: %v", result.AffectedIDs())
	}
	if !reflect.DeepEqual(result.ImpactedTests, []string{"checkout_e2e", "payments_test"}) {
		t.Fatalf("unexpected impacted tests: %v", result.ImpactedTests)
	}
	if result.MaxHops != 2 {
		t.Fatalf("expected max hops 2, got %d", result.MaxHops)
	}
}

func TestImpactOfIsMonotonic(t *testing.T) {
	analyzer := newTestAnalyzer(t, DefaultConfig())
	ids := []string{"docs", "cart", "payments", "db", "edge"}

	var previous map[string]struct{}
	for n := 1; n <= len(ids); n++ {
		result := analyzer.ImpactOf(catalog.NewChangeSet("", ids[:n]...))
		current := make(map[string]struct{})
		for _, id := range result.AffectedIDs() {
			current[id] = struct{}{}
		}
		for id := range previous {
			if _, ok := current[id]; !ok {
				t.Fatalf("adding %s dropped affected unit %s", ids[n-1], id)
			}
		}
		previous = current
	}
}

func TestImpactOfUnknownUnitPullsUnmappedTests(t *testing.T) {
	analyzer := newTestAnalyzer(t, DefaultConfig())

	result := analyzer.ImpactOf(catalog.NewChangeSet("", "ghost", "db"))

	if len(result.Unknown) != 1 || result.Unknown[0].UnitID != "ghost" {
		t.Fatalf("expected unknown ghost, got %v", result.UnknownUnits)
	}
	if !IsUnknownUnitError(result.Unknown[0]) {
		t.Fatalf("expected UnknownUnitError")
	}
	if !reflect.DeepEqual(result.UnmappedTests, []string{"smoke"}) {
		t.Fatalf("expected smoke as unmapped test, got %v", result.UnmappedTests)
	}
	found := false
	for _, id := range result.ImpactedTests {
		if id == "smoke" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unmapped test in impacted tests: %v", result.ImpactedTests)
	}
	if result.Confidence >= 1 {
		t.Fatalf("expected reduced confidence, got %v", result.Confidence)
	}
}

func TestConfidenceDecreasesWithHopsAndStaleness(t *testing.T) {
	analyzer := newTestAnalyzer(t, DefaultConfig())

	near := analyzer.ImpactOf(catalog.NewChangeSet("", "edge"))
	far := analyzer.ImpactOf(catalog.NewChangeSet("", "checkout"))
	if near.Confidence != 1 {
		t.Fatalf("expected full confidence for leaf change, got %v", near.Confidence)
	}
	if far.Confidence >= near.Confidence {
		t.Fatalf("expected confidence to fall with hop distance: near=%v far=%v", near.Confidence, far.Confidence)
	}

	analyzer.Graph().MarkStale("web")
	stale := analyzer.ImpactOf(catalog.NewChangeSet("", "checkout"))
	if stale.Confidence >= far.Confidence {
		t.Fatalf("expected stale data to reduce confidence: %v >= %v", stale.Confidence, far.Confidence)
	}
	if !reflect.DeepEqual(stale.StaleUnits, []string{"web"}) {
		t.Fatalf("unexpected stale units: %v", stale.StaleUnits)
	}
	if len(stale.AffectedUnits) != len(far.AffectedUnits) {
		t.Fatalf("stale data must not drop units")
	}
}

func TestEmptyChangeSetHasFullConfidence(t *testing.T) {
	analyzer := newTestAnalyzer(t, DefaultConfig())
	result := analyzer.ImpactOf(catalog.ChangeSet{})
	if result.Confidence != 1 || len(result.AffectedUnits) != 0 {
		t.Fatalf("unexpected result for empty change set: %+v", result)
	}
}

func TestUpsertUnitUpdatesEdgesIncrementally(t *testing.T) {
	graph := NewGraphFromRegistry(sampleRegistry())
	rev := graph.Revision("web")

	graph.UpsertUnit(catalog.Unit{ID: "web", DependsOn: []string{"cart"}})

	if graph.Revision("web") != rev+1 {
		t.Fatalf("expected revision bump, got %d", graph.Revision("web"))
	}
	if len(graph.Dependents("checkout")) != 0 {
		t.Fatalf("expected checkout to lose dependent web, got %v", graph.Dependents("checkout"))
	}
	if !reflect.DeepEqual(graph.Dependents("cart"), []string{"checkout", "web"}) {
		t.Fatalf("unexpected cart dependents: %v", graph.Dependents("cart"))
	}

	graph.UpsertUnit(catalog.Unit{ID: "web", DependsOn: []string{"cart"}})
	if graph.Revision("web") != rev+1 {
		t.Fatalf("unchanged dependencies must not bump revision")
	}
}

func TestUpsertUnitResolvesPendingEdges(t *testing.T) {
	graph := NewGraph()
	graph.UpsertUnit(catalog.Unit{ID: "api", DependsOn: []string{"auth"}})
	graph.UpsertUnit(catalog.Unit{ID: "auth"})

	if !reflect.DeepEqual(graph.Dependents("auth"), []string{"api"}) {
		t.Fatalf("expected pending edge to resolve, got %v", graph.Dependents("auth"))
	}
}

func TestImpactOfZeroHopLimitKeepsChangedUnits(t *testing.T) {
	analyzer := newTestAnalyzer(t, Config{HopLimit: 0, HopDecay: defaultHopDecay})

	result := analyzer.ImpactOf(catalog.NewChangeSet("main", "payments"))
	if !reflect.DeepEqual(result.AffectedIDs(), []string{"payments"}) {
		t.Fatalf("expected only the changed unit, got %v", result.AffectedIDs())
	}
}

func TestNewAnalyzerRejectsInvalidDecay(t *testing.T) {
	_, err := NewAnalyzer(NewGraph(), Config{HopLimit: 3, HopDecay: 1.5})
	if !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
