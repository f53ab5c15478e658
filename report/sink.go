package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/state"
)

// Sink publishes a finished report somewhere outside the process.
type Sink interface {
	Name() string
	Publish(ctx context.Context, report ExecutionReport) error
}

// Multi publishes to every sink. A failing sink does not stop the others.
type Multi struct {
	Sinks  []Sink
	Logger *slog.Logger
}

func (m Multi) Name() string { return "multi" }

func (m Multi) Publish(ctx context.Context, report ExecutionReport) error {
	logger := m.Logger
	if logger == nil {
		logger = observability.NewLogger("report")
	}
	var errs []error
	for _, sink := range m.Sinks {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, report); err != nil {
			logger.Warn("report sink failed", "event", "report_sink_failed", "run_id", report.RunID, "sink", sink.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes the report summary as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Publish(_ context.Context, report ExecutionReport) error {
	logger := s.Logger
	if logger == nil {
		logger = observability.NewLogger("report")
	}
	logger.Info("execution report",
		"event", "execution_report",
		"run_id", report.RunID,
		"outcome", report.Outcome,
		"planned", len(report.Planned),
		"deferred", len(report.Deferred),
		"failures", len(report.Failures),
		"timeouts", len(report.Timeouts),
		"errors", len(report.Errors),
		"cancelled", len(report.Cancelled),
		"degraded", len(report.Degraded),
		"confidence", report.Confidence,
		"overrun", report.Overrun,
	)
	return nil
}

// ReportStore persists rendered reports.
type ReportStore interface {
	SaveExecutionReport(ctx context.Context, report state.ExecutionReport) error
}

// StoreSink keeps the report in the database for dashboards.
type StoreSink struct {
	Store ReportStore
}

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Publish(ctx context.Context, report ExecutionReport) error {
	if s.Store == nil {
		return errors.New("report store not configured")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.Store.SaveExecutionReport(ctx, state.ExecutionReport{
		RunID:   report.RunID,
		Outcome: string(report.Outcome),
		Summary: report.Summary(),
		Payload: payload,
	})
}

// ObjectUploader stores a JSON document and returns its URI.
type ObjectUploader interface {
	UploadReport(ctx context.Context, runID string, payload []byte) (string, error)
}

// ObjectSink uploads the JSON report to object storage.
type ObjectSink struct {
	Uploader ObjectUploader
	Logger   *slog.Logger
}

func (ObjectSink) Name() string { return "s3" }

func (s ObjectSink) Publish(ctx context.Context, report ExecutionReport) error {
	if s.Uploader == nil {
		return errors.New("report uploader not configured")
	}
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	uri, err := s.Uploader.UploadReport(ctx, report.RunID, payload)
	if err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("execution report uploaded", "event", "report_uploaded", "run_id", report.RunID, "uri", uri)
	}
	return nil
}
