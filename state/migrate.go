package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/izavyalov-dev/delta-select/state/migrations"
)

// migrationLockID serializes selectors that migrate the same database at startup.
const migrationLockID = 0x64656c7461

// ErrMigrationChanged is returned when an applied migration no longer matches
// the embedded script.
var ErrMigrationChanged = errors.New("state: applied migration differs from embedded script")

// ApplyMigrations applies pending migrations in one transaction. Applied
// migrations are recorded with a checksum of their script.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		applied, err := appliedChecksums(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := pendingMigrations(migrations.All, applied)
		if err != nil {
			return err
		}
		for _, m := range pending {
			if _, err := tx.ExecContext(ctx, m.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (id, checksum) VALUES ($1, $2)`, m.ID, checksum(m.Script)); err != nil {
				return fmt.Errorf("record migration %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func appliedChecksums(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var id, sum string
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		applied[id] = sum
	}
	return applied, rows.Err()
}

// pendingMigrations keeps the declared order.
func pendingMigrations(all []migrations.Migration, applied map[string]string) ([]migrations.Migration, error) {
	var pending []migrations.Migration
	for _, m := range all {
		sum, done := applied[m.ID]
		if !done {
			pending = append(pending, m)
			continue
		}
		if sum != checksum(m.Script) {
			return nil, fmt.Errorf("%w: %s", ErrMigrationChanged, m.ID)
		}
	}
	return pending, nil
}

func checksum(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}
