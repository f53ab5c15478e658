package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrBackendUnavailable is returned when the analysis backend cannot be
	// reached or returned an unusable answer.
	ErrBackendUnavailable = errors.New("analysis backend unavailable")
	ErrCircuitOpen        = fmt.Errorf("%w: circuit open", ErrBackendUnavailable)
	ErrDisabled           = fmt.Errorf("%w: analysis disabled", ErrBackendUnavailable)
)

// RateLimitedError is returned when the backend asked the caller to slow down.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("analysis backend rate limited, retry after %s", e.RetryAfter)
	}
	return "analysis backend rate limited"
}

func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}

// Request describes one unit to analyze.
type Request struct {
	UnitID string   `json:"unit_id"`
	Name   string   `json:"name,omitempty"`
	Paths  []string `json:"paths,omitempty"`
	Diff   string   `json:"diff,omitempty"`
}

// Result is the backend's assessment of a unit.
type Result struct {
	UnitID     string `json:"unit_id"`
	Complexity int    `json:"complexity"`
	// BusinessCriticality is a hint; zero means the backend offered none.
	BusinessCriticality int      `json:"business_criticality,omitempty"`
	Risks               []string `json:"risks,omitempty"`
	Provider            string   `json:"provider,omitempty"`
	Model               string   `json:"model,omitempty"`
}

func (r Result) Validate() error {
	if r.Complexity < 1 {
		return fmt.Errorf("%w: complexity must be >= 1, got %d", ErrBackendUnavailable, r.Complexity)
	}
	if r.BusinessCriticality < 0 || r.BusinessCriticality > 10 {
		return fmt.Errorf("%w: business criticality out of range: %d", ErrBackendUnavailable, r.BusinessCriticality)
	}
	return nil
}

// Backend is an opaque analysis capability, typically an AI model behind an API.
type Backend interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (Result, error)

func (f BackendFunc) Analyze(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

func sanitizeText(value string, limit int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if limit > 0 && len(value) > limit {
		value = value[:limit]
	}
	return value
}
