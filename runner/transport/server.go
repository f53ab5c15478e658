package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/planner"
	"github.com/izavyalov-dev/delta-select/protocol"
)

// inlineOutputLimit caps output echoed in the stream once it has been uploaded.
const inlineOutputLimit = 4 << 10

// OutputUploader stores full test output outside the stream.
type OutputUploader interface {
	UploadOutput(ctx context.Context, runID, batchID, testID string, output []byte) (string, error)
}

// BatchHandler serves BatchRequests on a runner agent, executing them with a
// local Runner and streaming outcomes as newline-delimited JSON.
type BatchHandler struct {
	runner   executor.Runner
	token    string
	uploader OutputUploader
	logger   *slog.Logger
}

func NewBatchHandler(runner executor.Runner, token string, uploader OutputUploader, logger *slog.Logger) *BatchHandler {
	if logger == nil {
		logger = observability.NewLogger("runner.agent")
	}
	return &BatchHandler{runner: runner, token: token, uploader: uploader, logger: logger}
}

func (h *BatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req protocol.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid batch request", http.StatusBadRequest)
		return
	}
	if req.BatchID == "" || len(req.Tests) == 0 {
		http.Error(w, "batch_id and tests are required", http.StatusBadRequest)
		return
	}

	logger := observability.WithBatch(observability.WithRun(h.logger, req.RunID), req.BatchID)
	logger.Info("batch accepted", "event", "batch_accepted", "tests", len(req.Tests))

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var mu sync.Mutex
	send := func(msg any) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(msg); err != nil {
			logger.Warn("stream write failed", "event", "stream_write_failed", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	batch := batchFromRequest(req)
	err := h.runner.Execute(r.Context(), batch, func(outcome executor.Outcome) {
		msg := protocol.TestOutcome{
			Type:         protocol.TypeTestOutcome,
			BatchID:      req.BatchID,
			TestID:       outcome.TestID,
			Outcome:      outcome.Outcome,
			WallTimeMS:   outcome.WallTime.Milliseconds(),
			DefectLinked: outcome.DefectLinked,
			Output:       outcome.Output,
		}
		if h.uploader != nil && outcome.Output != "" {
			uri, err := h.uploader.UploadOutput(r.Context(), req.RunID, req.BatchID, outcome.TestID, []byte(outcome.Output))
			if err != nil {
				logger.Warn("upload output", "event", "artifact_upload_failed", "test_id", outcome.TestID, "error", err)
			} else {
				msg.ArtifactURI = uri
				msg.Output = tail(outcome.Output, inlineOutputLimit)
			}
		}
		send(msg)
	})

	complete := protocol.BatchComplete{
		Type:       protocol.TypeBatchComplete,
		BatchID:    req.BatchID,
		Status:     protocol.BatchStatusCompleted,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		complete.Status = protocol.BatchStatusErrored
		complete.Summary = err.Error()
		logger.Warn("batch errored", "event", "batch_errored", "error", err)
	} else {
		logger.Info("batch completed", "event", "batch_completed")
	}
	send(complete)
}

func (h *BatchHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func batchFromRequest(req protocol.BatchRequest) executor.Batch {
	batch := executor.Batch{
		ID:        req.BatchID,
		RunID:     req.RunID,
		Index:     req.Index,
		Exclusive: req.Exclusive,
	}
	for _, spec := range req.Tests {
		reason := planner.ReasonSelected
		if spec.MustRun {
			reason = planner.ReasonMustRun
		}
		isolation := catalog.IsolationParallelSafe
		if req.Exclusive {
			isolation = catalog.IsolationExclusive
		}
		batch.Entries = append(batch.Entries, planner.Entry{
			Test:    catalog.Test{ID: spec.ID, Command: spec.Command, Isolation: isolation},
			Reason:  reason,
			Timeout: time.Duration(spec.TimeoutMS) * time.Millisecond,
		})
	}
	return batch
}

func tail(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[len(value)-limit:]
}
