package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/impact"
)

// UpsertUnit writes one unit and rebuilds only its own dependency edges. The
// revision is bumped when the edges change.
func (s *Store) UpsertUnit(ctx context.Context, unit catalog.Unit) (int, error) {
	if unit.ID == "" {
		return 0, errors.New("unit id required")
	}
	paths, err := json.Marshal(nonNil(unit.Paths))
	if err != nil {
		return 0, err
	}

	var revision int
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadStrings(ctx, tx, `SELECT depends_on FROM unit_dependencies WHERE unit_id = $1`, unit.ID)
		if err != nil {
			return err
		}
		next := dedupe(unit.DependsOn, unit.ID)
		changed := !equalStrings(current, next)
		bump := 0
		if changed {
			bump = 1
		}

		if err := tx.QueryRowContext(ctx, `
INSERT INTO units (id, name, paths, business_criticality, complexity)
VALUES ($1, $2, $3::jsonb, $4, $5)
ON CONFLICT (id)
DO UPDATE SET name = EXCLUDED.name,
              paths = EXCLUDED.paths,
              business_criticality = EXCLUDED.business_criticality,
              complexity = EXCLUDED.complexity,
              revision = units.revision + $6,
              stale = FALSE,
              updated_at = NOW()
RETURNING revision
`, unit.ID, nullableString(unit.Name), string(paths), unit.BusinessCriticality, unit.Complexity, bump).Scan(&revision); err != nil {
			return err
		}

		if !changed {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM unit_dependencies WHERE unit_id = $1`, unit.ID); err != nil {
			return err
		}
		for _, dep := range next {
			if _, err := tx.ExecContext(ctx, `INSERT INTO unit_dependencies (unit_id, depends_on) VALUES ($1, $2)`, unit.ID, dep); err != nil {
				return err
			}
		}
		return nil
	})
	return revision, err
}

func (s *Store) RemoveUnit(ctx context.Context, unitID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE id = $1`, unitID)
	if err != nil {
		return err
	}
	return requireRow(res, "unit", unitID)
}

// SetUnitStale flags a unit whose dependency data predates a structural change.
func (s *Store) SetUnitStale(ctx context.Context, unitID string, stale bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE units SET stale = $2, updated_at = NOW() WHERE id = $1`, unitID, stale)
	if err != nil {
		return err
	}
	return requireRow(res, "unit", unitID)
}

// UpsertTest writes one test and rebuilds its coverage edges.
func (s *Store) UpsertTest(ctx context.Context, test catalog.Test) error {
	if test.ID == "" {
		return errors.New("test id required")
	}
	category := test.Category
	if category == "" {
		category = catalog.CategoryUnit
	}
	isolation := test.Isolation
	if isolation == "" {
		isolation = catalog.IsolationParallelSafe
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tests (id, category, isolation, command, timeout_ms, declared_cost_ms, safety_net)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id)
DO UPDATE SET category = EXCLUDED.category,
              isolation = EXCLUDED.isolation,
              command = EXCLUDED.command,
              timeout_ms = EXCLUDED.timeout_ms,
              declared_cost_ms = EXCLUDED.declared_cost_ms,
              safety_net = EXCLUDED.safety_net,
              revision = tests.revision + 1,
              updated_at = NOW()
`, test.ID, category, isolation, nullableString(test.Command), millis(test.Timeout), millis(test.DeclaredCost), test.SafetyNet); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM test_coverage WHERE test_id = $1`, test.ID); err != nil {
			return err
		}
		for _, unitID := range dedupe(test.Covers, "") {
			if _, err := tx.ExecContext(ctx, `INSERT INTO test_coverage (test_id, unit_id) VALUES ($1, $2)`, test.ID, unitID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) RemoveTest(ctx context.Context, testID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tests WHERE id = $1`, testID)
	if err != nil {
		return err
	}
	return requireRow(res, "test", testID)
}

// LoadRegistry reads every unit and test with their edges.
func (s *Store) LoadRegistry(ctx context.Context) (catalog.Registry, []string, error) {
	deps, err := s.loadEdges(ctx, `SELECT unit_id, depends_on FROM unit_dependencies`)
	if err != nil {
		return catalog.Registry{}, nil, err
	}
	covers, err := s.loadEdges(ctx, `SELECT test_id, unit_id FROM test_coverage`)
	if err != nil {
		return catalog.Registry{}, nil, err
	}

	var reg catalog.Registry
	var stale []string
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, paths, business_criticality, complexity, stale
FROM units
ORDER BY id
`)
	if err != nil {
		return catalog.Registry{}, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var unit catalog.Unit
		var name sql.NullString
		var paths []byte
		var isStale bool
		if err := rows.Scan(&unit.ID, &name, &paths, &unit.BusinessCriticality, &unit.Complexity, &isStale); err != nil {
			return catalog.Registry{}, nil, err
		}
		unit.Name = name.String
		if len(paths) > 0 {
			if err := json.Unmarshal(paths, &unit.Paths); err != nil {
				return catalog.Registry{}, nil, fmt.Errorf("decode paths of unit %s: %w", unit.ID, err)
			}
		}
		unit.DependsOn = deps[unit.ID]
		reg.Units = append(reg.Units, unit)
		if isStale {
			stale = append(stale, unit.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return catalog.Registry{}, nil, err
	}

	testRows, err := s.db.QueryContext(ctx, `
SELECT id, category, isolation, command, timeout_ms, declared_cost_ms, safety_net
FROM tests
ORDER BY id
`)
	if err != nil {
		return catalog.Registry{}, nil, err
	}
	defer testRows.Close()
	for testRows.Next() {
		var test catalog.Test
		var command sql.NullString
		var timeoutMS, costMS int64
		if err := testRows.Scan(&test.ID, &test.Category, &test.Isolation, &command, &timeoutMS, &costMS, &test.SafetyNet); err != nil {
			return catalog.Registry{}, nil, err
		}
		test.Command = command.String
		test.Timeout = fromMillis(timeoutMS)
		test.DeclaredCost = fromMillis(costMS)
		test.Covers = covers[test.ID]
		reg.Tests = append(reg.Tests, test)
	}
	return reg, stale, testRows.Err()
}

// LoadGraph rebuilds the dependency graph from storage, keeping stale flags.
func (s *Store) LoadGraph(ctx context.Context) (*impact.Graph, error) {
	reg, stale, err := s.LoadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	graph := impact.NewGraphFromRegistry(reg)
	for _, unitID := range stale {
		graph.MarkStale(unitID)
	}
	return graph, nil
}

func (s *Store) loadEdges(ctx context.Context, query string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		edges[from] = append(edges[from], to)
	}
	for key := range edges {
		sort.Strings(edges[key])
	}
	return edges, rows.Err()
}

func loadStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	sort.Strings(out)
	return out, rows.Err()
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
	}
	return nil
}

func dedupe(values []string, skip string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		if value == "" || value == skip {
			continue
		}
		seen[value] = struct{}{}
	}
	return catalog.SortedKeys(seen)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
