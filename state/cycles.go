package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) CreateCycle(ctx context.Context, id, ref string) (Cycle, error) {
	if id == "" {
		return Cycle{}, errors.New("cycle id required")
	}
	cycle := Cycle{ID: id, Ref: ref, State: CycleStateCreated}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO cycles (id, ref, state)
VALUES ($1, $2, $3)
RETURNING created_at, updated_at
`, id, ref, CycleStateCreated).Scan(&cycle.CreatedAt, &cycle.UpdatedAt)
	return cycle, err
}

func (s *Store) GetCycle(ctx context.Context, id string) (Cycle, error) {
	var cycle Cycle
	err := s.db.QueryRowContext(ctx, `
SELECT id, ref, state, created_at, updated_at
FROM cycles
WHERE id = $1
`, id).Scan(&cycle.ID, &cycle.Ref, &cycle.State, &cycle.CreatedAt, &cycle.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cycle{}, fmt.Errorf("%w: cycle %s", ErrNotFound, id)
	}
	return cycle, err
}

// TransitionCycleState enforces the cycle state machine using row-level locking.
func (s *Store) TransitionCycleState(ctx context.Context, id string, next CycleState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current CycleState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM cycles WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: cycle %s", ErrNotFound, id)
			}
			return err
		}

		if err := ValidateCycleTransition(id, current, next); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `UPDATE cycles SET state = $2, updated_at = NOW() WHERE id = $1`, id, next)
		return err
	})
}

// SaveExecutionReport stores the report of a cycle, replacing an earlier one.
func (s *Store) SaveExecutionReport(ctx context.Context, report ExecutionReport) error {
	if report.RunID == "" {
		return errors.New("report run id required")
	}
	if len(report.Payload) == 0 {
		return errors.New("report payload required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_reports (run_id, outcome, summary, payload)
VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT (run_id)
DO UPDATE SET outcome = EXCLUDED.outcome,
              summary = EXCLUDED.summary,
              payload = EXCLUDED.payload,
              created_at = NOW()
`, report.RunID, report.Outcome, report.Summary, string(report.Payload))
	return err
}

func (s *Store) GetExecutionReport(ctx context.Context, runID string) (ExecutionReport, error) {
	var report ExecutionReport
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, outcome, summary, payload, created_at
FROM execution_reports
WHERE run_id = $1
`, runID).Scan(&report.RunID, &report.Outcome, &report.Summary, &payload, &report.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionReport{}, fmt.Errorf("%w: report %s", ErrNotFound, runID)
	}
	if err != nil {
		return ExecutionReport{}, err
	}
	report.Payload = payload
	return report, nil
}

// ListExecutionReports returns the newest reports first, without payloads.
func (s *Store) ListExecutionReports(ctx context.Context, limit int) ([]ExecutionReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, outcome, summary, created_at
FROM execution_reports
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []ExecutionReport
	for rows.Next() {
		var report ExecutionReport
		if err := rows.Scan(&report.RunID, &report.Outcome, &report.Summary, &report.CreatedAt); err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}
