package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/izavyalov-dev/delta-select/catalog"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultMaxAttempts     = 3
	defaultBaseBackoff     = 500 * time.Millisecond
	defaultMaxBackoff      = 10 * time.Second
	defaultRequestsPerSec  = 2.0
	defaultBurst           = 2
	defaultCircuitFailures = 3
	defaultCircuitCooldown = 2 * time.Minute
	defaultMaxRisks        = 8
)

type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	RequestsPerSec float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst          int           `yaml:"burst" json:"burst"`
	MaxFailures    int           `yaml:"max_failures" json:"max_failures"`
	Cooldown       time.Duration `yaml:"cooldown" json:"cooldown"`
	MaxRisks       int           `yaml:"max_risks" json:"max_risks"`
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent"`
	MaxDiffBytes   int           `yaml:"max_diff_bytes" json:"max_diff_bytes"`
	Provider       string        `yaml:"provider" json:"provider"`
	Model          string        `yaml:"model" json:"model"`
	Endpoint       string        `yaml:"endpoint" json:"endpoint"`
	Token          string        `yaml:"token" json:"-"`
	OpenAIBaseURL  string        `yaml:"openai_base_url" json:"openai_base_url"`
	OpenAIAPIKey   string        `yaml:"openai_api_key" json:"-"`
}

// DefaultConfig leaves analysis disabled; registry signals are used until a
// backend is configured.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = defaultRequestsPerSec
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultCircuitFailures
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCircuitCooldown
	}
	if c.MaxRisks <= 0 {
		c.MaxRisks = defaultMaxRisks
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxDiffBytes <= 0 {
		c.MaxDiffBytes = 16 << 10
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxBackoff > 0 && c.BaseBackoff > c.MaxBackoff {
		return catalog.Invalid("analysis.base_backoff", "must not exceed max_backoff")
	}
	if c.Enabled && c.Endpoint == "" && c.OpenAIAPIKey == "" {
		return catalog.Invalid("analysis.endpoint", "an endpoint or an OpenAI API key is required when analysis is enabled")
	}
	return nil
}

// Client wraps a Backend with pacing, retries and a circuit breaker.
type Client struct {
	backend Backend
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

func NewClient(backend Backend, config Config, logger *slog.Logger) *Client {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: backend,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func (c *Client) Config() Config {
	return c.config
}

// Analyze calls the backend, retrying rate-limited and unavailable answers
// with exponential backoff. Consecutive failed calls open the circuit.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	if c == nil || c.backend == nil || !c.config.Enabled {
		return Result{}, ErrDisabled
	}
	if c.circuitOpen() {
		return Result{}, ErrCircuitOpen
	}
	req.Diff = sanitizeText(req.Diff, c.config.MaxDiffBytes)

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
		result, err := c.call(ctx, req)
		if err == nil {
			c.resetFailures()
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt == c.config.MaxAttempts {
			break
		}

		wait := c.backoff(attempt)
		var limited *RateLimitedError
		if errors.As(err, &limited) && limited.RetryAfter > wait {
			wait = limited.RetryAfter
		}
		c.logger.Warn("analysis attempt failed",
			"event", "analysis_retry",
			"unit_id", req.UnitID,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err,
		)
		if err := c.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	c.recordFailure()
	if IsRateLimited(lastErr) || errors.Is(lastErr, ErrBackendUnavailable) {
		return Result{}, lastErr
	}
	return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, lastErr)
}

func (c *Client) call(ctx context.Context, req Request) (Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	result, err := c.backend.Analyze(timeoutCtx, req)
	if err != nil {
		return Result{}, err
	}
	if err := result.Validate(); err != nil {
		return Result{}, err
	}
	if result.UnitID == "" {
		result.UnitID = req.UnitID
	}
	if result.Provider == "" {
		result.Provider = c.config.Provider
	}
	if result.Model == "" {
		result.Model = c.config.Model
	}
	risks := make([]string, 0, len(result.Risks))
	for _, risk := range result.Risks {
		if cleaned := sanitizeText(risk, 256); cleaned != "" {
			risks = append(risks, cleaned)
		}
	}
	if len(risks) > c.config.MaxRisks {
		risks = risks[:c.config.MaxRisks]
	}
	result.Risks = risks
	return result, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := c.config.BaseBackoff << (attempt - 1)
	if wait <= 0 || wait > c.config.MaxBackoff {
		return c.config.MaxBackoff
	}
	return wait
}

func (c *Client) circuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openUntil.IsZero() {
		return false
	}
	if c.now().After(c.openUntil) {
		c.openUntil = time.Time{}
		c.failures = 0
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.config.MaxFailures {
		c.openUntil = c.now().Add(c.config.Cooldown)
	}
}

func (c *Client) resetFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.openUntil = time.Time{}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
