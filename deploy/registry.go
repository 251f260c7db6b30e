// Package deploy is the entry point for deployments: it resolves a platform
// name to a driver and forwards the plan, deploy, destroy and status
// operations to it.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/GoCodeAlone/deployer/driver"
	awsdriver "github.com/GoCodeAlone/deployer/driver/aws"
	dodriver "github.com/GoCodeAlone/deployer/driver/digitalocean"
	gcpdriver "github.com/GoCodeAlone/deployer/driver/gcp"
)

// DriverConfig carries the per-invocation settings a driver needs. ProjectID
// is only meaningful for Cloud Run; the other platforms derive their account
// from credentials.
type DriverConfig struct {
	Region    string `json:"region" yaml:"region"`
	ProjectID string `json:"project_id" yaml:"project_id"`
}

// Factory builds a driver for one platform.
type Factory func(ctx context.Context, cfg DriverConfig, logger *slog.Logger) (driver.Driver, error)

// Registry maps platform names to driver factories.
type Registry struct {
	factories map[string]Factory
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewRegistry creates an empty driver registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Register registers a driver factory for the given platform name.
func (r *Registry) Register(platform string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform = strings.ToLower(platform)
	if _, exists := r.factories[platform]; exists {
		return fmt.Errorf("deploy: factory already registered for platform %q", platform)
	}
	r.factories[platform] = factory
	return nil
}

// Create builds a driver for the named platform. Unknown platforms and
// factory failures are returned as errors so misconfiguration surfaces
// before any provider call is made.
func (r *Registry) Create(ctx context.Context, platform string, cfg DriverConfig) (driver.Driver, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(platform)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("deploy: unsupported platform %q (supported: %s)",
			platform, strings.Join(r.Platforms(), ", "))
	}
	d, err := factory(ctx, cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("deploy: create %s driver: %w", platform, err)
	}
	return d, nil
}

// Platforms returns the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with all built-in platforms registered.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	// Built-in names cannot collide, so registration errors are impossible.
	_ = r.Register(gcpdriver.Platform, func(ctx context.Context, cfg DriverConfig, logger *slog.Logger) (driver.Driver, error) {
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("deploy: project ID is required for %s", gcpdriver.Platform)
		}
		return gcpdriver.New(ctx, gcpdriver.Config{Region: cfg.Region, ProjectID: cfg.ProjectID}, logger)
	})
	_ = r.Register(awsdriver.Platform, func(ctx context.Context, cfg DriverConfig, logger *slog.Logger) (driver.Driver, error) {
		return awsdriver.New(ctx, awsdriver.Config{Region: cfg.Region}, logger)
	})
	_ = r.Register(dodriver.Platform, func(_ context.Context, cfg DriverConfig, logger *slog.Logger) (driver.Driver, error) {
		return dodriver.New(dodriver.Config{Region: cfg.Region}, logger)
	})

	return r
}
