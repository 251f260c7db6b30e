package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/deployer/driver"
)

// Orchestrator resolves platforms through a registry and forwards deployment
// operations. It is stateless; a driver is built per call so credentials and
// regions can vary between invocations.
type Orchestrator struct {
	registry *Registry
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator. A nil registry gets the built-in
// platforms.
func NewOrchestrator(registry *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = DefaultRegistry(logger)
	}
	return &Orchestrator{registry: registry, logger: logger}
}

// Platforms returns the platforms this orchestrator can deploy to.
func (o *Orchestrator) Platforms() []string {
	return o.registry.Platforms()
}

// PlanDeployment produces an advisory plan for the named platform. The plan
// is never applied directly; DeployService recomputes state itself.
func (o *Orchestrator) PlanDeployment(ctx context.Context, platform string, cfg DriverConfig, serviceName, environment, imageTag string, opts driver.DeployOptions) (*driver.DeploymentPlan, error) {
	d, err := o.registry.Create(ctx, platform, cfg)
	if err != nil {
		return nil, err
	}
	return d.PlanDeployment(ctx, serviceName, environment, imageTag, opts)
}

// DeployService deploys to the named platform. Driver construction failures
// are folded into the result like any other deployment failure.
func (o *Orchestrator) DeployService(ctx context.Context, platform string, cfg DriverConfig, serviceName, environment, imageTag string, opts driver.DeployOptions) *driver.DeploymentResult {
	d, err := o.registry.Create(ctx, platform, cfg)
	if err != nil {
		return driver.FailedResult(err)
	}
	o.logger.Info("deploy: starting deployment",
		"platform", platform, "service", serviceName, "environment", environment, "image", imageTag)
	result := d.DeployService(ctx, serviceName, environment, imageTag, opts)
	o.logger.Info("deploy: deployment finished",
		"platform", platform, "service", serviceName, "success", result.Success, "status", result.Status)
	return result
}

// DestroyService tears down a service on the named platform.
func (o *Orchestrator) DestroyService(ctx context.Context, platform string, cfg DriverConfig, serviceName, environment string, keepSecrets bool) *driver.DeploymentResult {
	d, err := o.registry.Create(ctx, platform, cfg)
	if err != nil {
		return driver.FailedResult(err)
	}
	return d.DestroyService(ctx, serviceName, environment, keepSecrets)
}

// GetServiceStatus reports current state and health for a deployed service.
func (o *Orchestrator) GetServiceStatus(ctx context.Context, platform string, cfg DriverConfig, serviceName, environment string) *driver.DeploymentResult {
	d, err := o.registry.Create(ctx, platform, cfg)
	if err != nil {
		return driver.FailedResult(err)
	}
	return d.GetServiceStatus(ctx, serviceName, environment)
}

// CheckPrerequisites reports missing local requirements for the named
// platform. A driver that cannot even be constructed reports that as its
// single missing requirement.
func (o *Orchestrator) CheckPrerequisites(ctx context.Context, platform string, cfg DriverConfig) []string {
	d, err := o.registry.Create(ctx, platform, cfg)
	if err != nil {
		return []string{err.Error()}
	}
	return d.CheckPrerequisites(ctx)
}

// VerifyHealth probes a service URL on the named platform.
func (o *Orchestrator) VerifyHealth(ctx context.Context, platform string, cfg DriverConfig, serviceURL string, timeout time.Duration) (bool, error) {
	d, err := o.registry.Create(ctx, platform, cfg)
	if err != nil {
		return false, err
	}
	return d.VerifyHealth(ctx, serviceURL, timeout), nil
}
