package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

// Store persists the catalog, risk signals, feedback history and cycle
// reports in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

func fromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
