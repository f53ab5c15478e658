package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/risk"
)

// WarningKind classifies a degraded analysis.
type WarningKind string

const (
	WarningUnavailable WarningKind = "backend_unavailable"
	WarningRateLimited WarningKind = "rate_limited"
	WarningCircuitOpen WarningKind = "circuit_open"
)

// Warning records a unit whose signal was not refreshed and what was used instead.
type Warning struct {
	UnitID string            `json:"unit_id"`
	Kind   WarningKind       `json:"kind"`
	Source risk.SignalSource `json:"source"`
	Error  string            `json:"error"`
}

// SignalStore is the part of the risk model a Refresher writes to.
type SignalStore interface {
	Signal(unitID string) (risk.Signal, bool)
	SetSignal(unitID string, sig risk.Signal)
	MarkStale(unitID string)
}

// Refresher updates unit signals from the analysis backend and falls back to
// last-known values when it cannot.
type Refresher struct {
	backend     Backend
	store       SignalStore
	logger      *slog.Logger
	concurrency int
}

func NewRefresher(backend Backend, store SignalStore, concurrency int, logger *slog.Logger) *Refresher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{backend: backend, store: store, logger: logger, concurrency: concurrency}
}

// Refresh analyzes the changed units. A backend failure never fails the
// refresh; it is returned as a warning instead.
func (r *Refresher) Refresh(ctx context.Context, units []catalog.Unit, diffs map[string]string) []Warning {
	if r == nil || r.backend == nil || len(units) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		warnings []Warning
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for _, unit := range units {
		group.Go(func() error {
			result, err := r.backend.Analyze(groupCtx, Request{
				UnitID: unit.ID,
				Name:   unit.Name,
				Paths:  unit.Paths,
				Diff:   diffs[unit.ID],
			})
			if err != nil {
				warning := r.degrade(unit, err)
				mu.Lock()
				warnings = append(warnings, warning)
				mu.Unlock()
				return nil
			}
			r.apply(unit, result)
			return nil
		})
	}
	_ = group.Wait()

	sort.Slice(warnings, func(i, j int) bool { return warnings[i].UnitID < warnings[j].UnitID })
	return warnings
}

func (r *Refresher) apply(unit catalog.Unit, result Result) {
	sig, ok := r.store.Signal(unit.ID)
	if !ok {
		sig = RegistrySignal(unit)
	}
	sig.Complexity = result.Complexity
	switch {
	case unit.BusinessCriticality > 0:
		// Externally assigned criticality wins over the backend hint.
		sig.BusinessCriticality = unit.BusinessCriticality
	case result.BusinessCriticality > 0:
		sig.BusinessCriticality = result.BusinessCriticality
	}
	sig.Source = risk.SourceBackend
	sig.Stale = false
	sig.UpdatedAt = time.Time{}
	r.store.SetSignal(unit.ID, sig)

	r.logger.Debug("unit signal refreshed",
		"event", "signal_refreshed",
		"unit_id", unit.ID,
		"complexity", result.Complexity,
		"risks", len(result.Risks),
	)
}

func (r *Refresher) degrade(unit catalog.Unit, err error) Warning {
	warning := Warning{UnitID: unit.ID, Kind: classify(err), Error: err.Error()}
	if _, ok := r.store.Signal(unit.ID); ok {
		r.store.MarkStale(unit.ID)
	} else {
		sig := RegistrySignal(unit)
		sig.Stale = true
		r.store.SetSignal(unit.ID, sig)
	}
	current, _ := r.store.Signal(unit.ID)
	warning.Source = current.Source

	r.logger.Warn("analysis degraded to last-known signal",
		"event", "signal_degraded",
		"unit_id", unit.ID,
		"kind", string(warning.Kind),
		"source", string(warning.Source),
		"error", err,
	)
	return warning
}

// RegistrySignal builds the starting signal of a unit from its declared values.
func RegistrySignal(unit catalog.Unit) risk.Signal {
	sig := risk.Signal{
		Complexity:          unit.Complexity,
		BusinessCriticality: unit.BusinessCriticality,
		Source:              risk.SourceRegistry,
	}
	if sig.Complexity < 1 {
		sig.Complexity = 1
		if unit.BusinessCriticality == 0 {
			sig.Source = risk.SourceDefault
		}
	}
	return sig
}

func classify(err error) WarningKind {
	switch {
	case IsRateLimited(err):
		return WarningRateLimited
	case errors.Is(err, ErrCircuitOpen):
		return WarningCircuitOpen
	default:
		return WarningUnavailable
	}
}
