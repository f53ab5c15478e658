package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPBackend calls a JSON HTTP endpoint, such as cmd/ai-proxy, for analysis.
type HTTPBackend struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

func (b *HTTPBackend) Analyze(ctx context.Context, req Request) (Result, error) {
	endpoint := strings.TrimSpace(b.Endpoint)
	if endpoint == "" {
		return Result{}, ErrBackendUnavailable
	}

	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	httpClient := b.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(b.Token); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(request)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, fmt.Errorf("%w: analysis endpoint status %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var decoded Result
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrBackendUnavailable, err)
	}
	return decoded, nil
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
