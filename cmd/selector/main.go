package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/internal/config"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/orchestrator"
	"github.com/izavyalov-dev/delta-select/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "plan":
		err = runPlan(os.Args[2:])
	case "record":
		err = runRecord(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: selector <serve|plan|record> [flags]")
}

type commonFlags struct {
	configPath  *string
	databaseURL *string
}

func registerCommon(flags *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath:  flags.String("config", envOr("DELTA_SELECT_CONFIG", "delta-select.yaml"), "Path to the YAML config file"),
		databaseURL: flags.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN (overrides storage.database_url)"),
	}
}

func (c commonFlags) load() (config.Config, error) {
	cfg, err := loadConfig(*c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if *c.databaseURL != "" {
		cfg.Storage.DatabaseURL = *c.databaseURL
	}
	return cfg, nil
}

// loadConfig falls back to defaults when the config file does not exist.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	common := registerCommon(flags)
	listen := flags.String("listen", "", "Listen address (overrides listen)")
	_ = flags.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger("selector")
	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	handler := orchestrator.NewHTTPHandler(app.service, cfg.GitHub.WebhookSecret, observability.NewLogger("orchestrator.http"))
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("selector listening", "event", "server_started", "addr", cfg.Listen, "storage", app.storage)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	app.service.Wait()
	return nil
}

func runPlan(args []string) error {
	flags := flag.NewFlagSet("plan", flag.ExitOnError)
	common := registerCommon(flags)
	ref := flags.String("ref", "", "Git ref to diff the working tree against")
	units := flags.String("units", "", "Comma-separated changed unit ids (skips git)")
	budget := flags.Duration("budget", 0, "Wall-clock budget (defaults to config budget)")
	execute := flags.Bool("execute", false, "Run the plan instead of only printing it")
	format := flags.String("format", "markdown", "Output format: markdown or json")
	_ = flags.Parse(args)

	if *format != "markdown" && *format != "json" {
		return fmt.Errorf("unknown format %q", *format)
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, observability.NewLogger("selector"))
	if err != nil {
		return err
	}
	defer app.Close()

	req := orchestrator.CycleRequest{Ref: *ref, Budget: *budget, Execute: *execute}
	if ids := splitList(*units); len(ids) > 0 {
		changes := catalog.NewChangeSet(*ref, ids...)
		req.Changes = &changes
	}
	result, cycleErr := app.service.RunCycle(ctx, req)
	if result.RunID == "" {
		return cycleErr
	}

	if *format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Print(result.Report.Markdown())
	}
	return cycleErr
}

func runRecord(args []string) error {
	flags := flag.NewFlagSet("record", flag.ExitOnError)
	common := registerCommon(flags)
	file := flags.String("file", "-", "JSON feedback file ({\"records\": [...]}); - reads stdin")
	_ = flags.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	records, err := readRecords(*file)
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := buildApp(ctx, cfg, observability.NewLogger("selector"))
	if err != nil {
		return err
	}
	defer app.Close()

	accepted, duplicates, err := app.service.RecordFeedback(ctx, records)
	if err != nil {
		return err
	}
	fmt.Printf("accepted %d, duplicates %d\n", accepted, duplicates)
	return nil
}

func readRecords(path string) ([]feedback.Record, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var msg protocol.FeedbackRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	return msg.Records, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
