package observability

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)

	first.IncCycle("success")
	second.IncCycle("success")
	if got := counterValue(t, registry, "delta_select_cycles_total"); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}

	first.AddDeferred(3)
	second.AddDeferred(0)
	if got := counterValue(t, registry, "delta_select_deferred_tests_total"); got != 3 {
		t.Fatalf("expected deferred 3, got %v", got)
	}
	second.ObserveCycle(time.Second)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncCycle("success")
	m.AddPlanned("must-run", 1)
	m.IncOutcome("pass")
	m.ObserveCycle(time.Second)
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != slog.LevelDebug || parseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unexpected level parsing")
	}
}
