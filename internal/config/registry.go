package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/delta-select/catalog"
)

// LoadRegistry reads the unit and test catalog. JSON is accepted as well,
// since it is valid YAML.
func LoadRegistry(path string) (catalog.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return catalog.Registry{}, fmt.Errorf("cannot read registry %q: %w", path, err)
	}
	reg, err := ParseRegistry(data)
	if err != nil {
		return catalog.Registry{}, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

func ParseRegistry(data []byte) (catalog.Registry, error) {
	var reg catalog.Registry
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &reg); err != nil {
		return catalog.Registry{}, fmt.Errorf("invalid registry YAML: %w", err)
	}
	if err := ValidateRegistry(reg); err != nil {
		return catalog.Registry{}, err
	}
	return reg, nil
}

// ValidateRegistry rejects duplicate ids and out-of-range declared values.
// Dependencies on undeclared units are allowed; impact analysis reports them.
func ValidateRegistry(reg catalog.Registry) error {
	units := make(map[string]struct{}, len(reg.Units))
	for i, unit := range reg.Units {
		if unit.ID == "" {
			return catalog.Invalid(fmt.Sprintf("units[%d].id", i), "required")
		}
		if _, dup := units[unit.ID]; dup {
			return catalog.Invalid(fmt.Sprintf("units[%d].id", i), "duplicate unit %q", unit.ID)
		}
		units[unit.ID] = struct{}{}
		if unit.BusinessCriticality < 0 || unit.BusinessCriticality > 10 {
			return catalog.Invalid(fmt.Sprintf("units[%d].business_criticality", i), "must be in [0, 10], got %d", unit.BusinessCriticality)
		}
		if unit.Complexity < 0 {
			return catalog.Invalid(fmt.Sprintf("units[%d].complexity", i), "must be >= 0, got %d", unit.Complexity)
		}
	}

	tests := make(map[string]struct{}, len(reg.Tests))
	for i, test := range reg.Tests {
		if test.ID == "" {
			return catalog.Invalid(fmt.Sprintf("tests[%d].id", i), "required")
		}
		if _, dup := tests[test.ID]; dup {
			return catalog.Invalid(fmt.Sprintf("tests[%d].id", i), "duplicate test %q", test.ID)
		}
		tests[test.ID] = struct{}{}
		switch test.Category {
		case "", catalog.CategoryUnit, catalog.CategoryIntegration, catalog.CategoryE2E, catalog.CategoryPerformance, catalog.CategoryRegression:
		default:
			return catalog.Invalid(fmt.Sprintf("tests[%d].category", i), "unknown category %q", test.Category)
		}
		switch test.Isolation {
		case "", catalog.IsolationParallelSafe, catalog.IsolationExclusive:
		default:
			return catalog.Invalid(fmt.Sprintf("tests[%d].isolation", i), "unknown isolation %q", test.Isolation)
		}
		if test.Timeout < 0 || test.DeclaredCost < 0 {
			return catalog.Invalid(fmt.Sprintf("tests[%d]", i), "timeout and declared_cost must be >= 0")
		}
	}
	return nil
}
