package risk

import (
	"math"
	"sync"
	"time"
)

// Level is the human-facing bucket of a risk score.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Rank orders levels so that higher risk sorts first.
func (l Level) Rank() int {
	switch l {
	case LevelHigh:
		return 3
	case LevelMedium:
		return 2
	case LevelLow:
		return 1
	default:
		return 0
	}
}

// SignalSource records where the current signal values came from.
type SignalSource string

const (
	SourceRegistry SignalSource = "registry"
	SourceBackend  SignalSource = "backend"
	SourceCached   SignalSource = "cached"
	SourceDefault  SignalSource = "default"
)

// Signal is the measured or estimated risk input of one unit.
type Signal struct {
	Complexity          int          `json:"complexity"`
	BusinessCriticality int          `json:"business_criticality"`
	ChangeFrequency     int          `json:"change_frequency"`
	HistoricalDefects   float64      `json:"historical_defects"`
	Source              SignalSource `json:"source,omitempty"`
	Stale               bool         `json:"stale,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Score is the result of scoring one unit.
type Score struct {
	UnitID string  `json:"unit_id"`
	Value  float64 `json:"value"`
	Level  Level   `json:"level"`
	Known  bool    `json:"known"`
	Stale  bool    `json:"stale,omitempty"`
}

// Model owns per-unit risk signals and turns them into scores.
type Model struct {
	config Config
	now    func() time.Time

	mu      sync.RWMutex
	signals map[string]Signal
	history map[string][]Signal
}

// NewModel validates the configuration before any scoring can happen.
func NewModel(config Config) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Model{
		config:  config,
		now:     time.Now,
		signals: make(map[string]Signal),
		history: make(map[string][]Signal),
	}, nil
}

// ScoreSignal computes the weighted, normalized score of a signal.
func (m *Model) ScoreSignal(sig Signal) float64 {
	w := m.config.Weights
	c := m.config.Ceilings
	score := w.Complexity*normalize(float64(sig.Complexity), c.Complexity) +
		w.Criticality*normalize(float64(sig.BusinessCriticality), c.Criticality) +
		w.ChangeFrequency*normalize(float64(sig.ChangeFrequency), c.ChangeFrequency) +
		w.Defects*normalize(sig.HistoricalDefects, c.Defects)
	return clamp(score, 0, MaxScore)
}

// Score returns the score for a unit. Units without a signal score MaxScore,
// since nothing is known about them.
func (m *Model) Score(unitID string) Score {
	m.mu.RLock()
	sig, ok := m.signals[unitID]
	m.mu.RUnlock()
	if !ok {
		return Score{UnitID: unitID, Value: MaxScore, Level: Classify(MaxScore)}
	}
	value := m.ScoreSignal(sig)
	return Score{UnitID: unitID, Value: value, Level: Classify(value), Known: true, Stale: sig.Stale}
}

// ScoreAll scores the given units.
func (m *Model) ScoreAll(unitIDs []string) map[string]Score {
	scores := make(map[string]Score, len(unitIDs))
	for _, id := range unitIDs {
		scores[id] = m.Score(id)
	}
	return scores
}

// SetSignal replaces the signal of a unit and appends it to the rolling history.
func (m *Model) SetSignal(unitID string, sig Signal) {
	if sig.UpdatedAt.IsZero() {
		sig.UpdatedAt = m.now().UTC()
	}
	sig = sanitizeSignal(sig)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[unitID] = sig
	m.appendHistoryLocked(unitID, sig)
}

// Signal returns the current signal of a unit.
func (m *Model) Signal(unitID string) (Signal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.signals[unitID]
	return sig, ok
}

// History returns the rolling signal history of a unit, oldest first.
func (m *Model) History(unitID string) []Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Signal(nil), m.history[unitID]...)
}

// Units lists the units that currently have a signal.
func (m *Model) Units() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.signals))
	for id := range m.signals {
		ids = append(ids, id)
	}
	return ids
}

// SetHistoricalDefects updates the decayed defect count fed back by the tracker.
func (m *Model) SetHistoricalDefects(unitID string, defects float64) {
	m.update(unitID, func(sig *Signal) {
		sig.HistoricalDefects = defects
	})
}

// SetChangeFrequency updates the trailing-window change count.
func (m *Model) SetChangeFrequency(unitID string, changes int) {
	m.update(unitID, func(sig *Signal) {
		sig.ChangeFrequency = changes
	})
}

// MarkStale flags a unit's signal as last-known rather than fresh.
func (m *Model) MarkStale(unitID string) {
	m.update(unitID, func(sig *Signal) {
		sig.Stale = true
		if sig.Source == SourceBackend {
			sig.Source = SourceCached
		}
	})
}

func (m *Model) update(unitID string, fn func(sig *Signal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[unitID]
	if !ok {
		sig = Signal{Complexity: 1, Source: SourceDefault}
	}
	fn(&sig)
	sig.UpdatedAt = m.now().UTC()
	sig = sanitizeSignal(sig)
	m.signals[unitID] = sig
	m.appendHistoryLocked(unitID, sig)
}

func (m *Model) appendHistoryLocked(unitID string, sig Signal) {
	hist := append(m.history[unitID], sig)
	if len(hist) > m.config.HistoryLen {
		hist = hist[len(hist)-m.config.HistoryLen:]
	}
	m.history[unitID] = hist
}

// Classify buckets a score for reporting and ordering; plan admission never uses it.
func Classify(score float64) Level {
	switch {
	case score > 7:
		return LevelHigh
	case score > 4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// CoverageTarget returns the required coverage percentage for a unit score.
func CoverageTarget(score float64) int {
	bonus := math.Min(15, math.Floor(score-4))
	target := 80 + int(bonus)
	if target < 80 {
		return 80
	}
	if target > 95 {
		return 95
	}
	return target
}

func normalize(raw, ceiling float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return clamp(raw, 0, ceiling) / ceiling * MaxScore
}

func clamp(value, lo, hi float64) float64 {
	if math.IsNaN(value) || value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func sanitizeSignal(sig Signal) Signal {
	if sig.Complexity < 1 {
		sig.Complexity = 1
	}
	if sig.BusinessCriticality < 0 {
		sig.BusinessCriticality = 0
	}
	if sig.BusinessCriticality > 10 {
		sig.BusinessCriticality = 10
	}
	if sig.ChangeFrequency < 0 {
		sig.ChangeFrequency = 0
	}
	if sig.HistoricalDefects < 0 || math.IsNaN(sig.HistoricalDefects) {
		sig.HistoricalDefects = 0
	}
	if sig.Source == "" {
		sig.Source = SourceDefault
	}
	return sig
}
