package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-select/analysis"
	"github.com/izavyalov-dev/delta-select/internal/observability"
)

const (
	defaultListen       = ":8090"
	defaultOpenAIModel  = "gpt-4o-mini"
	defaultMaxDiffBytes = 16 << 10
)

func main() {
	flags := flag.NewFlagSet("ai-proxy", flag.ExitOnError)
	listen := flags.String("listen", envString("AI_PROXY_LISTEN", defaultListen), "Listen address")
	openAIURL := flags.String("openai-base-url", envString("OPENAI_BASE_URL", ""), "OpenAI-compatible API base URL")
	openAIModel := flags.String("openai-model", envString("OPENAI_MODEL", defaultOpenAIModel), "Chat completion model")
	openAIKey := flags.String("openai-api-key", envString("OPENAI_API_KEY", ""), "OpenAI API key")
	token := flags.String("token", envString("AI_PROXY_TOKEN", ""), "Bearer token callers must present")
	timeout := flags.Duration("timeout", envDuration("AI_PROXY_TIMEOUT", 20*time.Second), "Per-request backend timeout")
	maxDiffBytes := flags.Int("max-diff-bytes", envInt("AI_PROXY_MAX_DIFF_BYTES", defaultMaxDiffBytes), "Max diff bytes forwarded to the model")
	_ = flags.Parse(os.Args[1:])

	if strings.TrimSpace(*openAIKey) == "" {
		fmt.Fprintln(os.Stderr, "openai-api-key or OPENAI_API_KEY required")
		os.Exit(1)
	}

	logger := observability.NewLogger("ai-proxy")
	backend := analysis.NewOpenAIBackend(*openAIKey, *openAIURL, *openAIModel)
	mux := http.NewServeMux()
	mux.Handle("/v1/analyze", newProxyHandler(backend, *token, *timeout, *maxDiffBytes, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("ai proxy started", "event", "ai_proxy_started", "listen", *listen, "model", *openAIModel)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("ai proxy failed", "event", "ai_proxy_failed", "error", err)
		os.Exit(1)
	}
}

// newProxyHandler serves analysis.Request bodies and answers with an
// analysis.Result, the format analysis.HTTPBackend expects.
func newProxyHandler(backend analysis.Backend, token string, timeout time.Duration, maxDiffBytes int, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !authorized(r, token) {
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		var req analysis.Request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.UnitID = strings.TrimSpace(req.UnitID)
		if req.UnitID == "" {
			writeError(w, http.StatusBadRequest, errors.New("unit_id required"))
			return
		}
		req.Diff = truncateBytes(req.Diff, maxDiffBytes)

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		result, err := backend.Analyze(ctx, req)
		if err != nil {
			var limited *analysis.RateLimitedError
			if errors.As(err, &limited) {
				if limited.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
				}
				writeError(w, http.StatusTooManyRequests, err)
				return
			}
			logger.Warn("analysis request failed", "event", "ai_proxy_request_failed", "unit_id", req.UnitID, "error", err)
			writeError(w, http.StatusBadGateway, err)
			return
		}
		if err := result.Validate(); err != nil {
			logger.Warn("analysis result rejected", "event", "ai_proxy_rejected", "unit_id", req.UnitID, "error", err)
			writeError(w, http.StatusBadGateway, err)
			return
		}
		result.UnitID = req.UnitID
		logger.Info("unit analyzed", "event", "ai_proxy_analyzed", "unit_id", req.UnitID, "complexity", result.Complexity, "risks", len(result.Risks))
		writeJSON(w, http.StatusOK, result)
	})
}

func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) == 1
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
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func truncateBytes(value string, maxBytes int) string {
	if maxBytes <= 0 || len(value) <= maxBytes {
		return value
	}
	return value[:maxBytes]
}

func envString(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envInt(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(name string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
