package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/internal/vcs/github"
	"github.com/izavyalov-dev/delta-select/planner"
	"github.com/izavyalov-dev/delta-select/protocol"
	"github.com/izavyalov-dev/delta-select/state"
	"github.com/izavyalov-dev/delta-select/vcs"
)

const maxWebhookBody = 5 << 20

// NewHTTPHandler wires the cycle, catalog, feedback and webhook endpoints.
// An empty webhookSecret disables the webhook endpoint.
func NewHTTPHandler(service *Service, webhookSecret string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	runCycle := func(w http.ResponseWriter, r *http.Request, planOnly bool) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var msg protocol.CycleRequest
		if err := decodeJSON(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req, err := cycleRequestFrom(msg)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		if planOnly {
			result, err := service.PlanOnly(r.Context(), req)
			if err != nil {
				writeFailure(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}
		result, err := service.RunCycle(r.Context(), req)
		if err != nil && !errors.Is(err, executor.ErrCancelled) {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.CycleResponse{
			RunID:  result.RunID,
			State:  string(result.State),
			Report: result.Report,
		})
	}
	mux.HandleFunc("/api/v1/cycles", func(w http.ResponseWriter, r *http.Request) {
		runCycle(w, r, false)
	})
	mux.HandleFunc("/api/v1/cycles/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cycle, err := service.Cycle(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, cycle)
	})
	mux.HandleFunc("/api/v1/plans", func(w http.ResponseWriter, r *http.Request) {
		runCycle(w, r, true)
	})

	mux.HandleFunc("/api/v1/units", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, service.Units())
		case http.MethodPost, http.MethodPut:
			var unit catalog.Unit
			if err := decodeJSON(r, &unit); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			revision, err := service.UpsertUnit(r.Context(), unit)
			if err != nil {
				writeFailure(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": unit.ID, "revision": revision})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/units/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := service.RemoveUnit(r.Context(), r.PathValue("id")); err != nil {
			writeFailure(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/v1/tests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, service.Tests())
		case http.MethodPost, http.MethodPut:
			var test catalog.Test
			if err := decodeJSON(r, &test); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := service.UpsertTest(r.Context(), test); err != nil {
				writeFailure(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": test.ID})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tests/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := service.RemoveTest(r.Context(), r.PathValue("id")); err != nil {
			writeFailure(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/v1/feedback", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var msg protocol.FeedbackRequest
		if err := decodeJSON(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		accepted, duplicates, err := service.RecordFeedback(r.Context(), msg.Records)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.FeedbackResponse{Accepted: accepted, Duplicates: duplicates})
	})

	mux.HandleFunc("/api/v1/aggregates", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		aggregates, flaky, err := service.Aggregates(r.Context(), r.URL.Query()["test"])
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.AggregatesResponse{Aggregates: aggregates, Flaky: flaky})
	})

	mux.HandleFunc("/api/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
				return
			}
			limit = parsed
		}
		reports, err := service.Reports(r.Context(), limit)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	})
	mux.HandleFunc("/api/v1/reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rep, err := service.Report(r.Context(), r.PathValue("id"))
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	if webhookSecret != "" {
		mux.HandleFunc("/api/v1/webhooks/github", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := github.VerifySignature(webhookSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
				logger.Warn("webhook rejected", "event", "webhook_rejected", "error", err)
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			trigger, err := github.ParseWebhook(r.Header.Get("X-GitHub-Event"), body)
			if errors.Is(err, github.ErrIgnoredEvent) {
				writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
				return
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			runID, started, err := service.HandleWebhook(r.Context(), trigger)
			if err != nil {
				writeFailure(w, logger, err)
				return
			}
			if !started {
				writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": runID})
		})
	}

	return mux
}

func cycleRequestFrom(msg protocol.CycleRequest) (CycleRequest, error) {
	req := CycleRequest{Ref: msg.Ref, Execute: msg.Execute}
	if msg.Budget != "" {
		budget, err := time.ParseDuration(msg.Budget)
		if err != nil || budget <= 0 {
			return CycleRequest{}, catalog.Invalid("budget", "must be a positive duration, got %q", msg.Budget)
		}
		req.Budget = budget
	}
	if len(msg.ChangedUnits) > 0 {
		changes := catalog.NewChangeSet(msg.Ref, msg.ChangedUnits...)
		changes.Diffs = msg.Diffs
		req.Changes = &changes
	}
	return req, nil
}

// writeFailure maps service errors onto API status codes.
func writeFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	var cfgErr *catalog.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error(), Field: cfgErr.Field})
	case errors.Is(err, ErrChangesRequired), errors.Is(err, ErrInvalidRecord), errors.Is(err, planner.ErrInvalidBudget),
		errors.Is(err, vcs.ErrRefRequired), errors.Is(err, vcs.ErrInvalidRef):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case state.IsTransitionError(err), errors.Is(err, executor.ErrCancelled):
		writeError(w, http.StatusConflict, err)
	case planner.IsBudgetInfeasible(err):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		logger.Error("request failed", "event", "request_failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.ErrorResponse{Error: err.Error()})
}
