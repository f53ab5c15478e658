package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/internal/config"
	"github.com/izavyalov-dev/delta-select/orchestrator"
	"github.com/izavyalov-dev/delta-select/report"
)

const testRegistry = `
units:
  - id: billing
    paths: [pkg/billing]
    business_criticality: 9
    complexity: 8
  - id: invoices
    paths: [pkg/invoices]
    depends_on: [billing]
    business_criticality: 4
tests:
  - id: t-billing
    covers: [billing]
    command: "true"
    declared_cost: 20s
  - id: t-invoices
    covers: [invoices]
    command: "true"
    declared_cost: 40s
`

func inMemoryConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	registry := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(registry, []byte(testRegistry), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	cfg := config.Default()
	cfg.Registry = registry
	cfg.RepoRoot = dir
	cfg.Storage = config.StorageConfig{InMemory: true}
	return cfg
}

func TestBuildAppPlansFromRegistry(t *testing.T) {
	cfg := inMemoryConfig(t)
	ctx := context.Background()
	app, err := buildApp(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer app.Close()

	if app.storage != "embedded" {
		t.Fatalf("expected embedded storage, got %q", app.storage)
	}
	if units := app.service.Units(); len(units) != 2 {
		t.Fatalf("expected registry units loaded, got %+v", units)
	}

	changes := catalog.NewChangeSet("main", "billing")
	result, err := app.service.PlanOnly(ctx, orchestrator.CycleRequest{Changes: &changes, Budget: 5 * time.Minute})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if result.Plan == nil || !reflect.DeepEqual(result.Plan.TestIDs(), []string{"t-billing", "t-invoices"}) {
		t.Fatalf("unexpected plan %+v", result.Plan)
	}
	if result.Report.Outcome != report.OutcomePlanned {
		t.Fatalf("expected planned outcome, got %s", result.Report.Outcome)
	}
}

func TestBuildRunnerRejectsUnknownMode(t *testing.T) {
	cfg := config.Default()
	cfg.Runner.Mode = "ssh"
	if _, err := buildRunner(cfg); !catalog.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadRegistryFileMissingIsEmpty(t *testing.T) {
	reg, err := loadRegistryFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reg.Units) != 0 || len(reg.Tests) != 0 {
		t.Fatalf("expected empty registry, got %+v", reg)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" auth, ,cart,")
	if !reflect.DeepEqual(got, []string{"auth", "cart"}) {
		t.Fatalf("unexpected list %v", got)
	}
	if splitList("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
