package state

import (
	"context"
	"time"

	"github.com/izavyalov-dev/delta-select/risk"
)

// SaveSignal persists the current risk signal of a unit.
func (s *Store) SaveSignal(ctx context.Context, unitID string, sig risk.Signal) error {
	updatedAt := sig.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO risk_signals (unit_id, complexity, business_criticality, change_frequency, historical_defects, source, stale, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (unit_id)
DO UPDATE SET complexity = EXCLUDED.complexity,
              business_criticality = EXCLUDED.business_criticality,
              change_frequency = EXCLUDED.change_frequency,
              historical_defects = EXCLUDED.historical_defects,
              source = EXCLUDED.source,
              stale = EXCLUDED.stale,
              updated_at = EXCLUDED.updated_at
`, unitID, sig.Complexity, sig.BusinessCriticality, sig.ChangeFrequency, sig.HistoricalDefects, string(sig.Source), sig.Stale, updatedAt)
	return err
}

// LoadSignals returns every stored signal keyed by unit id.
func (s *Store) LoadSignals(ctx context.Context) (map[string]risk.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT unit_id, complexity, business_criticality, change_frequency, historical_defects, source, stale, updated_at
FROM risk_signals
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	signals := make(map[string]risk.Signal)
	for rows.Next() {
		var unitID string
		var sig risk.Signal
		if err := rows.Scan(&unitID, &sig.Complexity, &sig.BusinessCriticality, &sig.ChangeFrequency, &sig.HistoricalDefects, &sig.Source, &sig.Stale, &sig.UpdatedAt); err != nil {
			return nil, err
		}
		signals[unitID] = sig
	}
	return signals, rows.Err()
}
