package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/izavyalov-dev/delta-select/feedback"
)

// Append stores a feedback record. Duplicate (run, test) pairs are ignored.
func (s *Store) Append(ctx context.Context, record feedback.Record) (bool, error) {
	if err := record.Validate(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO feedback_records (run_id, test_id, outcome, wall_time_ms, defect_linked, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id, test_id) DO NOTHING
`, record.RunID, record.TestID, string(record.Outcome), millis(record.WallTime), record.DefectLinked, record.Timestamp.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListByTest(ctx context.Context, testID string, since time.Time, limit int) ([]feedback.Record, error) {
	query := `
SELECT run_id, test_id, outcome, wall_time_ms, defect_linked, recorded_at
FROM feedback_records
WHERE test_id = $1 AND recorded_at > $2
ORDER BY recorded_at DESC, run_id DESC
`
	args := []any{testID, since.UTC()}
	if limit > 0 {
		query += `LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *Store) ListSince(ctx context.Context, since time.Time) ([]feedback.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, test_id, outcome, wall_time_ms, defect_linked, recorded_at
FROM feedback_records
WHERE recorded_at > $1
ORDER BY recorded_at ASC, id ASC
`, since.UTC())
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]feedback.Record, error) {
	defer rows.Close()
	var records []feedback.Record
	for rows.Next() {
		var record feedback.Record
		var wallMS int64
		if err := rows.Scan(&record.RunID, &record.TestID, &record.Outcome, &wallMS, &record.DefectLinked, &record.Timestamp); err != nil {
			return nil, err
		}
		record.WallTime = fromMillis(wallMS)
		records = append(records, record)
	}
	return records, rows.Err()
}
