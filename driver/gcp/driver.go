// Package gcp deploys services to Google Cloud Run, storing secret values in
// Secret Manager and container images in Artifact Registry.
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	artifactregistry "google.golang.org/api/artifactregistry/v1"
	run "google.golang.org/api/run/v2"
	secretmanager "google.golang.org/api/secretmanager/v1"

	"github.com/GoCodeAlone/deployer/driver"
	"github.com/GoCodeAlone/deployer/health"
)

// Platform is the identifier the orchestration facade dispatches on.
const Platform = "cloud-run"

const defaultPollInterval = 5 * time.Second

// Config holds the Cloud Run driver configuration.
type Config struct {
	Region       string        `json:"region" yaml:"region"`
	ProjectID    string        `json:"project_id" yaml:"project_id"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// Driver deploys to Cloud Run. One instance owns its provider clients;
// concurrent callers need their own instance.
type Driver struct {
	cfg      Config
	run      runAPI
	secrets  secretAPI
	registry registryAPI
	verifier driver.HealthVerifier
	clock    driver.Clock
	logger   *slog.Logger

	execCommand commandFunc
}

// New creates a Cloud Run driver. It fails when the region or project is
// missing or the Google API clients cannot be constructed, so an unusable
// driver is rejected at construction time rather than mid-deploy.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("gcp: region is required")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gcp: project ID is required")
	}
	runSvc, err := run.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp: driver unavailable: cloud run client: %w", err)
	}
	secretSvc, err := secretmanager.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp: driver unavailable: secret manager client: %w", err)
	}
	registrySvc, err := artifactregistry.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp: driver unavailable: artifact registry client: %w", err)
	}
	d := newDriver(cfg, logger)
	d.run = &realRunAPI{svc: runSvc}
	d.secrets = &realSecretAPI{svc: secretSvc}
	d.registry = &realRegistryAPI{svc: registrySvc}
	return d, nil
}

func newDriver(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Driver{
		cfg:         cfg,
		verifier:    health.New(health.Config{}, logger),
		clock:       driver.SystemClock(),
		logger:      logger,
		execCommand: defaultExecCommand,
	}
}

// Platform returns the platform identifier.
func (d *Driver) Platform() string { return Platform }

func (d *Driver) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", d.cfg.ProjectID, d.cfg.Region)
}

func (d *Driver) servicePath(serviceKey string) string {
	return d.parent() + "/services/" + serviceKey
}

func (d *Driver) secretPath(secretName string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", d.cfg.ProjectID, secretName)
}

func (d *Driver) repositoryPath(repoID string) string {
	return d.parent() + "/repositories/" + repoID
}

// PlanDeployment diffs desired state against Cloud Run, Secret Manager and
// Artifact Registry without mutating anything. Cloud Run exposes the running
// image, so an existing service with the target image already deployed is
// classified as a noop.
func (d *Driver) PlanDeployment(ctx context.Context, serviceName, environment, imageTag string, opts driver.DeployOptions) (*driver.DeploymentPlan, error) {
	opts = opts.WithDefaults()
	key := driver.ServiceKey(serviceName, environment)

	var actions []driver.ResourceAction
	var currentImage, currentURL, currentStatus string

	svc, err := d.run.GetService(ctx, d.servicePath(key))
	switch {
	case err == nil:
		if svc.Template != nil && len(svc.Template.Containers) > 0 {
			currentImage = svc.Template.Containers[0].Image
		}
		currentURL = svc.Uri
		currentStatus = "running"
		if currentImage != imageTag {
			actions = append(actions, driver.ResourceAction{
				ResourceType: driver.ResourceService,
				ActionType:   driver.ActionUpdate,
				ResourceName: key,
				Description:  fmt.Sprintf("Update service image from %s to %s", currentImage, imageTag),
			})
		} else {
			actions = append(actions, driver.ResourceAction{
				ResourceType: driver.ResourceService,
				ActionType:   driver.ActionNoop,
				ResourceName: key,
				Description:  "Service image is up to date",
			})
		}
	case isNotFound(err):
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceService,
			ActionType:   driver.ActionCreate,
			ResourceName: key,
			Description:  fmt.Sprintf("Create new Cloud Run service with image %s", imageTag),
		})
	default:
		return nil, fmt.Errorf("gcp: get service %s: %w", key, err)
	}

	repoErr := d.registry.GetRepository(ctx, d.repositoryPath(key))
	switch {
	case repoErr == nil:
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceRegistry,
			ActionType:   driver.ActionNoop,
			ResourceName: key,
			Description:  "Artifact Registry repository exists",
		})
	case isNotFound(repoErr):
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceRegistry,
			ActionType:   driver.ActionCreate,
			ResourceName: key,
			Description:  fmt.Sprintf("Create Artifact Registry repository %s", key),
		})
	default:
		return nil, fmt.Errorf("gcp: get repository %s: %w", key, repoErr)
	}

	for _, secretName := range sortedKeys(opts.Secrets) {
		err := d.secrets.GetSecret(ctx, d.secretPath(secretName))
		switch {
		case err == nil:
			actions = append(actions, driver.ResourceAction{
				ResourceType: driver.ResourceSecret,
				ActionType:   driver.ActionUpdate,
				ResourceName: secretName,
				Description:  fmt.Sprintf("Update secret %s", secretName),
			})
		case isNotFound(err):
			actions = append(actions, driver.ResourceAction{
				ResourceType: driver.ResourceSecret,
				ActionType:   driver.ActionCreate,
				ResourceName: secretName,
				Description:  fmt.Sprintf("Create secret %s", secretName),
			})
		default:
			return nil, fmt.Errorf("gcp: get secret %s: %w", secretName, err)
		}
	}

	return &driver.DeploymentPlan{
		Platform:      Platform,
		ServiceName:   serviceName,
		Environment:   environment,
		Region:        d.cfg.Region,
		ProjectID:     d.cfg.ProjectID,
		Actions:       actions,
		CurrentImage:  currentImage,
		CurrentURL:    currentURL,
		CurrentStatus: currentStatus,
		TargetImage:   imageTag,
		TargetPort:    opts.Port,
		TargetEnvVars: opts.EnvVars,
		TargetSecrets: opts.Secrets,
	}, nil
}

// DeployService converges the service to the desired state. It never returns
// an error; every failure is folded into the result.
func (d *Driver) DeployService(ctx context.Context, serviceName, environment, imageTag string, opts driver.DeployOptions) *driver.DeploymentResult {
	opts = opts.WithDefaults()
	start := d.clock.Now()
	key := driver.ServiceKey(serviceName, environment)
	path := d.servicePath(key)

	if err := d.ensureRepository(ctx, key); err != nil {
		return driver.FailedResult(err)
	}
	if err := d.upsertSecrets(ctx, opts.Secrets); err != nil {
		return driver.FailedResult(err)
	}
	if err := d.applyService(ctx, key, imageTag, opts); err != nil {
		return driver.FailedResult(err)
	}

	serviceURL, err := d.waitForReady(ctx, path, opts.Timeout)
	if err != nil {
		return driver.FailedResult(err)
	}

	// The URL is provider-assigned and unknowable before first creation,
	// so it is patched into the running service afterwards.
	d.setPublicURL(ctx, path, serviceURL)

	healthStatus := driver.HealthUnhealthy
	if d.VerifyHealth(ctx, serviceURL, time.Minute) {
		healthStatus = driver.HealthHealthy
	}

	svc, err := d.run.GetService(ctx, path)
	if err != nil {
		return driver.FailedResult(fmt.Errorf("gcp: get deployed service %s: %w", key, err))
	}

	return &driver.DeploymentResult{
		Success:        true,
		ServiceURL:     serviceURL,
		ServiceID:      svc.Name,
		Revision:       svc.LatestReadyRevision,
		Status:         "running",
		HealthStatus:   healthStatus,
		DeploymentTime: d.clock.Now().Sub(start).Seconds(),
	}
}

// DestroyService deletes the service and, unless keepSecrets, the well-known
// secret pair. Deleting an absent service is a success with status
// "not_found"; secret deletion failures never fail the result.
func (d *Driver) DestroyService(ctx context.Context, serviceName, environment string, keepSecrets bool) *driver.DeploymentResult {
	key := driver.ServiceKey(serviceName, environment)

	err := d.run.DeleteService(ctx, d.servicePath(key))
	if isNotFound(err) {
		d.logger.Warn("gcp: service not found", "service", key)
		return &driver.DeploymentResult{Success: true, Status: "not_found", HealthStatus: driver.HealthUnknown}
	}
	if err != nil {
		d.logger.Error("gcp: failed to destroy service", "service", key, "error", err)
		return driver.FailedResult(fmt.Errorf("gcp: delete service %s: %w", key, err))
	}
	d.logger.Info("gcp: deleted Cloud Run service", "service", key)

	if !keepSecrets {
		d.deleteSecrets(ctx, key)
	}

	return &driver.DeploymentResult{Success: true, Status: "deleted", HealthStatus: driver.HealthUnknown}
}

// GetServiceStatus resolves the current URL and status and probes health when
// a URL exists.
func (d *Driver) GetServiceStatus(ctx context.Context, serviceName, environment string) *driver.DeploymentResult {
	key := driver.ServiceKey(serviceName, environment)

	svc, err := d.run.GetService(ctx, d.servicePath(key))
	if isNotFound(err) {
		return &driver.DeploymentResult{
			Success:      false,
			Status:       "not_found",
			HealthStatus: driver.HealthUnknown,
			ErrorMessage: "service not found",
		}
	}
	if err != nil {
		return driver.FailedResult(fmt.Errorf("gcp: get service %s: %w", key, err))
	}

	healthStatus := driver.HealthUnknown
	if svc.Uri != "" {
		if d.VerifyHealth(ctx, svc.Uri, time.Minute) {
			healthStatus = driver.HealthHealthy
		} else {
			healthStatus = driver.HealthUnhealthy
		}
	}

	return &driver.DeploymentResult{
		Success:      true,
		ServiceURL:   svc.Uri,
		ServiceID:    svc.Name,
		Revision:     svc.LatestReadyRevision,
		Status:       "running",
		HealthStatus: healthStatus,
	}
}

// VerifyHealth probes the service's health endpoint.
func (d *Driver) VerifyHealth(ctx context.Context, serviceURL string, timeout time.Duration) bool {
	return d.verifier.Verify(ctx, serviceURL, timeout)
}

func (d *Driver) ensureRepository(ctx context.Context, repoID string) error {
	err := d.registry.GetRepository(ctx, d.repositoryPath(repoID))
	if err == nil {
		d.logger.Info("gcp: Artifact Registry repository exists", "repository", repoID)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("gcp: get repository %s: %w", repoID, err)
	}
	if err := d.registry.CreateRepository(ctx, d.parent(), repoID); err != nil {
		return fmt.Errorf("gcp: create repository %s: %w", repoID, err)
	}
	d.logger.Info("gcp: created Artifact Registry repository", "repository", repoID)
	return nil
}

func (d *Driver) upsertSecrets(ctx context.Context, secrets map[string]string) error {
	for _, name := range sortedKeys(secrets) {
		value := []byte(secrets[name])
		path := d.secretPath(name)

		err := d.secrets.GetSecret(ctx, path)
		switch {
		case err == nil:
			if err := d.secrets.AddSecretVersion(ctx, path, value); err != nil {
				return fmt.Errorf("gcp: add version to secret %s: %w", name, err)
			}
			d.logger.Info("gcp: updated secret", "secret", name)
		case isNotFound(err):
			created, err := d.secrets.CreateSecret(ctx, "projects/"+d.cfg.ProjectID, name)
			if err != nil {
				return fmt.Errorf("gcp: create secret %s: %w", name, err)
			}
			if err := d.secrets.AddSecretVersion(ctx, created, value); err != nil {
				return fmt.Errorf("gcp: add version to secret %s: %w", name, err)
			}
			d.logger.Info("gcp: created secret", "secret", name)
		default:
			return fmt.Errorf("gcp: get secret %s: %w", name, err)
		}
	}
	return nil
}

// applyService updates the service in place, creating it when absent. Only a
// reference to each secret is injected into the environment, never the value.
func (d *Driver) applyService(ctx context.Context, serviceKey, imageTag string, opts driver.DeployOptions) error {
	env := make([]*run.GoogleCloudRunV2EnvVar, 0, len(opts.EnvVars)+len(opts.Secrets))
	for _, name := range sortedKeys(opts.EnvVars) {
		env = append(env, &run.GoogleCloudRunV2EnvVar{Name: name, Value: opts.EnvVars[name]})
	}
	for _, name := range sortedKeys(opts.Secrets) {
		env = append(env, &run.GoogleCloudRunV2EnvVar{
			Name: name,
			ValueSource: &run.GoogleCloudRunV2EnvVarSource{
				SecretKeyRef: &run.GoogleCloudRunV2SecretKeySelector{
					Secret:  d.secretPath(name),
					Version: "latest",
				},
			},
		})
	}

	svc := &run.GoogleCloudRunV2Service{
		Template: &run.GoogleCloudRunV2RevisionTemplate{
			Containers: []*run.GoogleCloudRunV2Container{
				{
					Image: imageTag,
					Ports: []*run.GoogleCloudRunV2ContainerPort{{ContainerPort: int64(opts.Port)}},
					Env:   env,
					Resources: &run.GoogleCloudRunV2ResourceRequirements{
						Limits: map[string]string{"cpu": "1", "memory": "512Mi"},
					},
				},
			},
			Scaling: &run.GoogleCloudRunV2RevisionScaling{
				MinInstanceCount: 1,
				MaxInstanceCount: 10,
			},
		},
		Traffic: []*run.GoogleCloudRunV2TrafficTarget{
			{Percent: 100, Type: "TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST"},
		},
	}

	path := d.servicePath(serviceKey)
	err := d.run.UpdateService(ctx, path, svc)
	if err == nil {
		d.logger.Info("gcp: updated Cloud Run service", "service", serviceKey)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("gcp: update service %s: %w", serviceKey, err)
	}
	if err := d.run.CreateService(ctx, d.parent(), serviceKey, svc); err != nil {
		return fmt.Errorf("gcp: create service %s: %w", serviceKey, err)
	}
	d.logger.Info("gcp: created Cloud Run service", "service", serviceKey)
	return nil
}

// waitForReady polls the service until its terminal condition succeeds and a
// URL is allocated. One without the other keeps the loop pending; Cloud Run
// can report a succeeded revision before the URI is populated.
func (d *Driver) waitForReady(ctx context.Context, servicePath string, timeout time.Duration) (string, error) {
	deadline := d.clock.Now().Add(timeout)

	for d.clock.Now().Before(deadline) {
		svc, err := d.run.GetService(ctx, servicePath)
		if err != nil {
			// Transient query errors count as still pending.
			d.logger.Debug("gcp: waiting for service to be ready", "error", err)
		} else if cond := svc.TerminalCondition; cond != nil {
			switch cond.State {
			case "CONDITION_SUCCEEDED":
				if svc.Uri != "" {
					d.logger.Info("gcp: service ready", "url", svc.Uri)
					return svc.Uri, nil
				}
			case "CONDITION_FAILED":
				return "", fmt.Errorf("gcp: service failed: %s: %w", cond.Message, driver.ErrConvergenceFailed)
			}
		}
		d.clock.Sleep(d.cfg.PollInterval)
	}

	return "", fmt.Errorf("gcp: service did not become ready within %s: %w", timeout, driver.ErrTimeout)
}

// setPublicURL rewrites the service environment so the well-known public URL
// variable carries the just-assigned URL. Best-effort: a failure here leaves
// a working deployment without the callback URL, which is logged, not fatal.
func (d *Driver) setPublicURL(ctx context.Context, servicePath, publicURL string) {
	svc, err := d.run.GetService(ctx, servicePath)
	if err != nil {
		d.logger.Error("gcp: failed to set public URL", "error", err)
		return
	}
	if svc.Template == nil || len(svc.Template.Containers) == 0 {
		d.logger.Error("gcp: failed to set public URL: service has no containers")
		return
	}

	container := svc.Template.Containers[0]
	env := make([]*run.GoogleCloudRunV2EnvVar, 0, len(container.Env)+1)
	for _, ev := range container.Env {
		if ev.Name != driver.PublicURLEnvVar {
			env = append(env, ev)
		}
	}
	env = append(env, &run.GoogleCloudRunV2EnvVar{Name: driver.PublicURLEnvVar, Value: publicURL})
	container.Env = env

	if err := d.run.UpdateService(ctx, servicePath, svc); err != nil {
		d.logger.Error("gcp: failed to set public URL", "error", err)
		return
	}
	d.logger.Info("gcp: set public URL", "var", driver.PublicURLEnvVar, "url", publicURL)
}

// deleteSecrets removes the well-known secret pair, best-effort.
func (d *Driver) deleteSecrets(ctx context.Context, serviceKey string) {
	for _, name := range driver.ServiceSecretNames(serviceKey) {
		err := d.secrets.DeleteSecret(ctx, d.secretPath(name))
		switch {
		case err == nil:
			d.logger.Info("gcp: deleted secret", "secret", name)
		case isNotFound(err):
			// Already absent.
		default:
			d.logger.Warn("gcp: failed to delete secret", "secret", name, "error", err)
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
