// Package health verifies application-level readiness of a deployed service
// by probing its well-known health endpoint with retries and exponential
// backoff. It is the single source of truth for "actually serving traffic",
// as opposed to the provider reporting the infrastructure as running.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/GoCodeAlone/deployer/driver"
)

// HTTPClient is the subset of *http.Client the verifier needs; tests swap in
// their own implementation.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the probe retry policy.
type Config struct {
	// Path probed relative to the service base URL.
	Path string `json:"path" yaml:"path"`
	// MaxRetries is the total number of probe attempts.
	MaxRetries uint64 `json:"max_retries" yaml:"max_retries"`
	// InitialInterval is the delay before the second attempt; subsequent
	// delays grow by Multiplier up to MaxInterval.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`
	// APIKey, when set, is sent as the X-API-Key header.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = driver.HealthPath
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	return c
}

// Verifier probes a service's health endpoint.
type Verifier struct {
	cfg    Config
	client HTTPClient
	logger *slog.Logger
}

// New creates a Verifier with a default HTTP client.
func New(cfg Config, logger *slog.Logger) *Verifier {
	return NewWithClient(cfg, &http.Client{Timeout: 10 * time.Second}, logger)
}

// NewWithClient creates a Verifier with a custom HTTP client.
func NewWithClient(cfg Config, client HTTPClient, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{cfg: cfg.withDefaults(), client: client, logger: logger}
}

// Verify probes the health endpoint until the first 2xx response. A transport
// error, non-2xx status or per-attempt timeout counts as a failed attempt;
// only exhausting all retries, or the overall timeout elapsing, yields false.
func (v *Verifier) Verify(ctx context.Context, baseURL string, timeout time.Duration) bool {
	url := strings.TrimRight(baseURL, "/") + v.cfg.Path

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.cfg.InitialInterval
	b.MaxInterval = v.cfg.MaxInterval
	b.Multiplier = v.cfg.Multiplier
	b.MaxElapsedTime = timeout

	attempt := 0
	probe := func() error {
		attempt++
		if err := v.probe(ctx, url); err != nil {
			v.logger.Debug("health probe failed", "url", url, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	err := backoff.Retry(probe, backoff.WithMaxRetries(backoff.WithContext(b, ctx), v.cfg.MaxRetries-1))
	if err != nil {
		v.logger.Debug("health verification failed", "url", url, "attempts", attempt, "error", err)
		return false
	}
	return true
}

func (v *Verifier) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health: build request: %w", err)
	}
	if v.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", v.cfg.APIKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("health: probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
