package driver

import (
	"context"
	"fmt"
	"time"
)

// Well-known identifiers shared by every driver.
const (
	// HealthPath is the application-level health probe path, distinct from
	// the service's main API surface.
	HealthPath = "/.well-known/health"

	// PublicURLEnvVar is the environment variable injected into a running
	// service once its provider-assigned URL is known. The workload reads
	// it at startup.
	PublicURLEnvVar = "SERVICE_PUBLIC_URL"

	// DefaultPort is the container port used when none is configured.
	DefaultPort = 8000

	// DefaultDeployTimeout bounds the convergence poll loop of a deploy.
	DefaultDeployTimeout = 5 * time.Minute
)

// DeployOptions carries the optional arguments of plan and deploy calls.
// Secrets map secret names to their raw values; drivers store the value in
// the provider's secret store and inject only a reference into the service.
type DeployOptions struct {
	Port    int
	EnvVars map[string]string
	Secrets map[string]string
	Timeout time.Duration
}

// WithDefaults returns a copy of o with zero fields replaced by defaults.
func (o DeployOptions) WithDefaults() DeployOptions {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultDeployTimeout
	}
	return o
}

// Driver is the per-provider implementation of the deployment contract.
//
// PlanDeployment is read-only and may return transient provider errors to
// the caller. DeployService, DestroyService and GetServiceStatus never
// return an error; failures are folded into the result value.
type Driver interface {
	// Platform returns the platform identifier the facade dispatches on.
	Platform() string

	// PlanDeployment computes a diff between desired and observed state
	// without mutating anything remote.
	PlanDeployment(ctx context.Context, serviceName, environment, imageTag string, opts DeployOptions) (*DeploymentPlan, error)

	// DeployService converges the remote service to the desired state:
	// registry, secrets, service, readiness poll, public URL injection,
	// health verification.
	DeployService(ctx context.Context, serviceName, environment, imageTag string, opts DeployOptions) *DeploymentResult

	// DestroyService deletes the service and best-effort cleans up the
	// registry and the well-known secret pair. Destroying an absent
	// service succeeds with status "not_found".
	DestroyService(ctx context.Context, serviceName, environment string, keepSecrets bool) *DeploymentResult

	// GetServiceStatus resolves the current URL and status and probes
	// health when a URL exists.
	GetServiceStatus(ctx context.Context, serviceName, environment string) *DeploymentResult

	// VerifyHealth probes the service's health endpoint with retries.
	VerifyHealth(ctx context.Context, serviceURL string, timeout time.Duration) bool

	// CheckPrerequisites reports missing local requirements (CLI tools,
	// credentials, enabled APIs) as human-readable strings. Empty means
	// ready. It never fails.
	CheckPrerequisites(ctx context.Context) []string
}

// HealthVerifier is the application-level health probe drivers delegate to.
type HealthVerifier interface {
	Verify(ctx context.Context, baseURL string, timeout time.Duration) bool
}

// ServiceKey derives the provider-visible resource name for a service in an
// environment. It is the idempotency anchor: the same (name, environment)
// pair always addresses the same remote resource.
func ServiceKey(serviceName, environment string) string {
	return fmt.Sprintf("%s-%s", serviceName, environment)
}

// ServiceSecretNames returns the well-known secret names associated with a
// service key, deleted on destroy unless secrets are kept.
func ServiceSecretNames(serviceKey string) []string {
	return []string{serviceKey + "-api-key", serviceKey + "-rsa-key"}
}
