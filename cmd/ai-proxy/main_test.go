package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-select/analysis"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProxyRoundTripsThroughHTTPBackend(t *testing.T) {
	var seen analysis.Request
	backend := analysis.BackendFunc(func(ctx context.Context, req analysis.Request) (analysis.Result, error) {
		seen = req
		return analysis.Result{Complexity: 7, Risks: []string{"touches auth"}, Provider: "openai", Model: "test"}, nil
	})
	handler := newProxyHandler(backend, "secret", time.Second, 4, discardLogger())

	client := &http.Client{Transport: handlerTransport{handler}}
	remote := &analysis.HTTPBackend{Endpoint: "http://proxy/v1/analyze", Token: "secret", HTTPClient: client}
	result, err := remote.Analyze(context.Background(), analysis.Request{UnitID: "auth", Diff: "+++ long diff"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.UnitID != "auth" || result.Complexity != 7 || len(result.Risks) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if seen.Diff != "+++ " {
		t.Fatalf("expected diff truncated to 4 bytes, got %q", seen.Diff)
	}
}

func TestProxyRejectsBadRequests(t *testing.T) {
	backend := analysis.BackendFunc(func(ctx context.Context, req analysis.Request) (analysis.Result, error) {
		return analysis.Result{Complexity: 1}, nil
	})
	handler := newProxyHandler(backend, "secret", 0, 0, discardLogger())

	cases := []struct {
		name   string
		method string
		auth   string
		body   string
		status int
	}{
		{name: "method", method: http.MethodGet, auth: "Bearer secret", status: http.StatusMethodNotAllowed},
		{name: "token", method: http.MethodPost, auth: "Bearer wrong", body: `{"unit_id":"a"}`, status: http.StatusUnauthorized},
		{name: "unknown field", method: http.MethodPost, auth: "Bearer secret", body: `{"unit":"a"}`, status: http.StatusBadRequest},
		{name: "missing unit", method: http.MethodPost, auth: "Bearer secret", body: `{"unit_id":" "}`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/v1/analyze", strings.NewReader(tc.body))
			req.Header.Set("Authorization", tc.auth)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestProxyMapsBackendFailures(t *testing.T) {
	cases := []struct {
		name       string
		result     analysis.Result
		err        error
		status     int
		retryAfter string
	}{
		{name: "rate limited", err: &analysis.RateLimitedError{RetryAfter: 1500 * time.Millisecond}, status: http.StatusTooManyRequests, retryAfter: "2"},
		{name: "unavailable", err: errors.New("boom"), status: http.StatusBadGateway},
		{name: "invalid result", result: analysis.Result{Complexity: 0}, status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := analysis.BackendFunc(func(ctx context.Context, req analysis.Request) (analysis.Result, error) {
				return tc.result, tc.err
			})
			handler := newProxyHandler(backend, "", 0, 0, discardLogger())
			req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader([]byte(`{"unit_id":"cart"}`)))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != tc.retryAfter {
				t.Fatalf("expected Retry-After %q, got %q", tc.retryAfter, got)
			}
		})
	}
}

// handlerTransport serves requests from an in-process handler.
type handlerTransport struct {
	handler http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}
