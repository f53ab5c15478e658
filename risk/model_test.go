package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/izavyalov-dev/delta-select/catalog"
)

func TestScoreCheckoutScenario(t *testing.T) {
	model, err := NewModel(DefaultConfig())
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	model.SetSignal("Checkout", Signal{
		Complexity:          8,
		BusinessCriticality: 10,
		ChangeFrequency:     3,
		HistoricalDefects:   5,
	})

	score := model.Score("Checkout")
	if math.Abs(score.Value-7.5) > 1e-9 {
		t.Fatalf("expected score 7.5, got %v", score.Value)
	}
	if score.Level != LevelHigh {
		t.Fatalf("expected high, got %s", score.Level)
	}
	if target := CoverageTarget(score.Value); target != 83 {
		t.Fatalf("expected coverage target 83, got %d", target)
	}
}

func TestNewModelRejectsWeightsNotSummingToOne(t *testing.T) {
	config := DefaultConfig()
	config.Weights.Defects = 0.2

	_, err := NewModel(config)
	if !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewModelRejectsNegativeWeight(t *testing.T) {
	config := DefaultConfig()
	config.Weights = Weights{Complexity: 1.2, Criticality: -0.2}

	if _, err := NewModel(config); !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewModelRejectsZeroWeights(t *testing.T) {
	config := Config{Weights: Weights{}, Ceilings: DefaultCeilings(), HistoryLen: 5}

	_, err := NewModel(config)
	var cerr *catalog.ConfigurationError
	if !errors.As(err, &cerr) || cerr.Field != "risk.weights" {
		t.Fatalf("expected risk.weights configuration error, got %v", err)
	}
}

func TestNewModelRejectsZeroHistory(t *testing.T) {
	config := DefaultConfig()
	config.HistoryLen = 0

	if _, err := NewModel(config); !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewModelRejectsZeroCeiling(t *testing.T) {
	config := DefaultConfig()
	config.Ceilings.Complexity = 0

	if _, err := NewModel(config); !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestScoreClampsOutliers(t *testing.T) {
	model, err := NewModel(DefaultConfig())
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	huge := model.ScoreSignal(Signal{Complexity: 500, BusinessCriticality: 10, ChangeFrequency: 900, HistoricalDefects: 1e6})
	if huge != MaxScore {
		t.Fatalf("expected clamped score %v, got %v", MaxScore, huge)
	}
	atCeiling := model.ScoreSignal(Signal{Complexity: 10, BusinessCriticality: 1, ChangeFrequency: 0})
	outlier := model.ScoreSignal(Signal{Complexity: 10_000, BusinessCriticality: 1, ChangeFrequency: 0})
	if atCeiling != outlier {
		t.Fatalf("expected clamping at ceiling, got %v vs %v", atCeiling, outlier)
	}
}

func TestScoreUnknownUnitIsMaximum(t *testing.T) {
	model, err := NewModel(DefaultConfig())
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	score := model.Score("missing")
	if score.Known {
		t.Fatalf("expected unknown score")
	}
	if score.Value != MaxScore {
		t.Fatalf("expected max score, got %v", score.Value)
	}
}

func TestClassifyThresholds(t *testing.T) {
	cases := map[float64]Level{
		7.01: LevelHigh,
		7:    LevelMedium,
		4.5:  LevelMedium,
		4:    LevelLow,
		0:    LevelLow,
	}
	for score, want := range cases {
		if got := Classify(score); got != want {
			t.Fatalf("classify(%v): expected %s, got %s", score, want, got)
		}
	}
}

func TestCoverageTargetBounds(t *testing.T) {
	if got := CoverageTarget(0); got != 80 {
		t.Fatalf("expected floor 80, got %d", got)
	}
	if got := CoverageTarget(10); got != 86 {
		t.Fatalf("expected 86 for max score, got %d", got)
	}
	if got := CoverageTarget(5.99); got != 81 {
		t.Fatalf("expected 81, got %d", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	config := DefaultConfig()
	config.HistoryLen = 3
	model, err := NewModel(config)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	for i := 1; i <= 5; i++ {
		model.SetSignal("u", Signal{Complexity: i})
	}
	hist := model.History("u")
	if len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(hist))
	}
	if hist[0].Complexity != 3 || hist[2].Complexity != 5 {
		t.Fatalf("unexpected history order: %+v", hist)
	}
}

func TestMarkStaleDemotesBackendSource(t *testing.T) {
	model, err := NewModel(DefaultConfig())
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	model.SetSignal("u", Signal{Complexity: 4, Source: SourceBackend})
	model.MarkStale("u")

	sig, ok := model.Signal("u")
	if !ok {
		t.Fatal("expected signal")
	}
	if !sig.Stale || sig.Source != SourceCached {
		t.Fatalf("expected stale cached signal, got %+v", sig)
	}
	if !model.Score("u").Stale {
		t.Fatalf("expected score to carry stale flag")
	}
}
