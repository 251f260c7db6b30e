// Package digitalocean deploys services to DigitalOcean App Platform, pulling
// container images from the account's DigitalOcean Container Registry.
package digitalocean

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/digitalocean/godo"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/deployer/driver"
	"github.com/GoCodeAlone/deployer/health"
)

// Platform is the identifier the orchestration facade dispatches on.
const Platform = "do-app-platform"

const (
	defaultPollInterval = 10 * time.Second
	defaultSpecDir      = ".deployment"
	specFileName        = "do-app-spec.yaml"
)

// Config holds the App Platform driver configuration. Token falls back to the
// DIGITALOCEAN_ACCESS_TOKEN environment variable when empty.
type Config struct {
	Token        string        `json:"token" yaml:"token"`
	Region       string        `json:"region" yaml:"region"`
	SpecDir      string        `json:"spec_dir" yaml:"spec_dir"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// Driver deploys to App Platform. One instance owns its godo client;
// concurrent callers need their own instance.
type Driver struct {
	cfg      Config
	apps     AppsService
	registry RegistryService
	account  AccountService
	verifier driver.HealthVerifier
	clock    driver.Clock
	logger   *slog.Logger

	execCommand commandFunc
}

// New creates an App Platform driver. It fails when the region is missing or
// no API token can be found, so an unusable driver is rejected at
// construction time rather than mid-deploy.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("digitalocean: region is required")
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("DIGITALOCEAN_ACCESS_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("digitalocean: driver unavailable: no API token configured")
	}
	client := godo.NewFromToken(cfg.Token)
	d := newDriver(cfg, logger)
	d.apps = client.Apps
	d.registry = client.Registry
	d.account = client.Account
	return d, nil
}

func newDriver(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SpecDir == "" {
		cfg.SpecDir = defaultSpecDir
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

// PlanDeployment diffs desired state against App Platform and the container
// registry without mutating anything. App Platform has no standalone secret
// store; secrets travel inside the app spec as SECRET-typed environment
// variables, so the plan carries no separate secret actions.
func (d *Driver) PlanDeployment(ctx context.Context, serviceName, environment, imageTag string, opts driver.DeployOptions) (*driver.DeploymentPlan, error) {
	opts = opts.WithDefaults()
	key := driver.ServiceKey(serviceName, environment)

	var actions []driver.ResourceAction
	var currentImage, currentURL, currentStatus string

	app, err := d.findApp(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("digitalocean: find app %s: %w", key, err)
	}
	if app != nil {
		currentImage = appImage(app)
		currentURL = app.LiveURL
		currentStatus = appStatus(app)
		// App Platform rolls a new deployment on every spec push, so an
		// existing app is always an update.
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceService,
			ActionType:   driver.ActionUpdate,
			ResourceName: key,
			Description:  fmt.Sprintf("Update App Platform app with image %s", imageTag),
		})
	} else {
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceService,
			ActionType:   driver.ActionCreate,
			ResourceName: key,
			Description:  fmt.Sprintf("Create new App Platform app with image %s", imageTag),
		})
	}

	_, _, regErr := d.registry.Get(ctx)
	switch {
	case regErr == nil:
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceRegistry,
			ActionType:   driver.ActionNoop,
			ResourceName: key,
			Description:  "Container registry exists",
		})
	case isNotFound(regErr):
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceRegistry,
			ActionType:   driver.ActionCreate,
			ResourceName: key,
			Description:  fmt.Sprintf("Create container registry %s", key),
		})
	default:
		return nil, fmt.Errorf("digitalocean: get registry: %w", regErr)
	}

	return &driver.DeploymentPlan{
		Platform:      Platform,
		ServiceName:   serviceName,
		Environment:   environment,
		Region:        d.cfg.Region,
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

// DeployService converges the app to the desired state. It never returns an
// error; every failure is folded into the result.
func (d *Driver) DeployService(ctx context.Context, serviceName, environment, imageTag string, opts driver.DeployOptions) *driver.DeploymentResult {
	opts = opts.WithDefaults()
	start := d.clock.Now()
	key := driver.ServiceKey(serviceName, environment)

	if err := d.ensureRegistry(ctx, key); err != nil {
		return driver.FailedResult(err)
	}

	spec := d.buildAppSpec(key, imageTag, opts)
	if err := d.writeSpecFile(spec); err != nil {
		return driver.FailedResult(err)
	}

	appID, err := d.applyApp(ctx, key, spec)
	if err != nil {
		return driver.FailedResult(err)
	}

	serviceURL, err := d.waitForDeployment(ctx, appID, opts.Timeout)
	if err != nil {
		return driver.FailedResult(err)
	}

	// The URL is provider-assigned and unknowable before first creation,
	// so it is patched into the running app afterwards.
	d.setPublicURL(ctx, appID, spec, serviceURL)

	healthStatus := driver.HealthUnhealthy
	if d.VerifyHealth(ctx, serviceURL, time.Minute) {
		healthStatus = driver.HealthHealthy
	}

	return &driver.DeploymentResult{
		Success:        true,
		ServiceURL:     serviceURL,
		ServiceID:      appID,
		Status:         "running",
		HealthStatus:   healthStatus,
		DeploymentTime: d.clock.Now().Sub(start).Seconds(),
	}
}

// DestroyService deletes the app. Deleting an absent app is a success with
// status "not_found". Secrets are stored inside the app spec, so keepSecrets
// has nothing extra to preserve here; registry deletion is best-effort.
func (d *Driver) DestroyService(ctx context.Context, serviceName, environment string, keepSecrets bool) *driver.DeploymentResult {
	key := driver.ServiceKey(serviceName, environment)

	app, err := d.findApp(ctx, key)
	if err != nil {
		return driver.FailedResult(fmt.Errorf("digitalocean: find app %s: %w", key, err))
	}
	if app == nil {
		d.logger.Warn("digitalocean: app not found", "app", key)
		return &driver.DeploymentResult{Success: true, Status: "not_found", HealthStatus: driver.HealthUnknown}
	}

	if _, err := d.apps.Delete(ctx, app.ID); err != nil {
		d.logger.Error("digitalocean: failed to destroy app", "app", key, "error", err)
		return driver.FailedResult(fmt.Errorf("digitalocean: delete app %s: %w", key, err))
	}
	d.logger.Info("digitalocean: deleted App Platform app", "app", key)

	if _, err := d.registry.Delete(ctx); err != nil && !isNotFound(err) {
		d.logger.Warn("digitalocean: failed to delete registry", "error", err)
	}

	return &driver.DeploymentResult{Success: true, Status: "deleted", HealthStatus: driver.HealthUnknown}
}

// GetServiceStatus resolves the current URL and status and probes health when
// a URL exists.
func (d *Driver) GetServiceStatus(ctx context.Context, serviceName, environment string) *driver.DeploymentResult {
	key := driver.ServiceKey(serviceName, environment)

	app, err := d.findApp(ctx, key)
	if err != nil {
		return driver.FailedResult(fmt.Errorf("digitalocean: find app %s: %w", key, err))
	}
	if app == nil {
		return &driver.DeploymentResult{
			Success:      false,
			Status:       "not_found",
			HealthStatus: driver.HealthUnknown,
			ErrorMessage: "app not found",
		}
	}

	healthStatus := driver.HealthUnknown
	if app.LiveURL != "" {
		if d.VerifyHealth(ctx, app.LiveURL, time.Minute) {
			healthStatus = driver.HealthHealthy
		} else {
			healthStatus = driver.HealthUnhealthy
		}
	}

	return &driver.DeploymentResult{
		Success:      true,
		ServiceURL:   app.LiveURL,
		ServiceID:    app.ID,
		Status:       appStatus(app),
		HealthStatus: healthStatus,
	}
}

// VerifyHealth probes the service's health endpoint.
func (d *Driver) VerifyHealth(ctx context.Context, serviceURL string, timeout time.Duration) bool {
	return d.verifier.Verify(ctx, serviceURL, timeout)
}

// findApp resolves an app by spec name. App Platform addresses apps by ID, so
// the lookup pages through the account's apps. Returns nil without error when
// no app matches.
func (d *Driver) findApp(ctx context.Context, name string) (*godo.App, error) {
	opts := &godo.ListOptions{Page: 1, PerPage: 200}
	for {
		apps, resp, err := d.apps.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, app := range apps {
			if app.Spec != nil && app.Spec.Name == name {
				return app, nil
			}
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			return nil, nil
		}
		opts.Page++
	}
}

func (d *Driver) ensureRegistry(ctx context.Context, name string) error {
	reg, _, err := d.registry.Get(ctx)
	if err == nil {
		d.logger.Info("digitalocean: container registry exists", "registry", reg.Name)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("digitalocean: get registry: %w", err)
	}
	_, _, err = d.registry.Create(ctx, &godo.RegistryCreateRequest{
		Name:                 name,
		SubscriptionTierSlug: "starter",
		Region:               d.cfg.Region,
	})
	if err != nil {
		return fmt.Errorf("digitalocean: create registry %s: %w", name, err)
	}
	d.logger.Info("digitalocean: created container registry", "registry", name)
	return nil
}

// buildAppSpec constructs the App Platform spec for one web service. Secrets
// become SECRET-typed environment variables, which App Platform encrypts at
// rest.
func (d *Driver) buildAppSpec(appName, imageTag string, opts driver.DeployOptions) *godo.AppSpec {
	repository, tag := parseImage(imageTag)

	envs := make([]*godo.AppVariableDefinition, 0, len(opts.EnvVars)+len(opts.Secrets))
	for _, k := range sortedKeys(opts.EnvVars) {
		envs = append(envs, &godo.AppVariableDefinition{
			Key:   k,
			Value: opts.EnvVars[k],
			Scope: godo.AppVariableScope_RunTime,
		})
	}
	for _, k := range sortedKeys(opts.Secrets) {
		envs = append(envs, &godo.AppVariableDefinition{
			Key:   k,
			Value: opts.Secrets[k],
			Scope: godo.AppVariableScope_RunTime,
			Type:  godo.AppVariableType_Secret,
		})
	}

	return &godo.AppSpec{
		Name:   appName,
		Region: d.cfg.Region,
		Services: []*godo.AppServiceSpec{
			{
				Name: "web",
				Image: &godo.ImageSourceSpec{
					RegistryType: godo.ImageSourceSpecRegistryType_DOCR,
					Repository:   repository,
					Tag:          tag,
				},
				InstanceCount:    1,
				InstanceSizeSlug: "basic-xxs",
				HTTPPort:         int64(opts.Port),
				Routes:           []*godo.AppRouteSpec{{Path: "/"}},
				HealthCheck: &godo.AppServiceSpecHealthCheck{
					HTTPPath:            driver.HealthPath,
					InitialDelaySeconds: 10,
					PeriodSeconds:       10,
					TimeoutSeconds:      5,
					SuccessThreshold:    1,
					FailureThreshold:    3,
				},
				Envs: envs,
			},
		},
	}
}

func (d *Driver) applyApp(ctx context.Context, name string, spec *godo.AppSpec) (string, error) {
	existing, err := d.findApp(ctx, name)
	if err != nil {
		return "", fmt.Errorf("digitalocean: find app %s: %w", name, err)
	}
	if existing != nil {
		updated, _, err := d.apps.Update(ctx, existing.ID, &godo.AppUpdateRequest{Spec: spec})
		if err != nil {
			return "", fmt.Errorf("digitalocean: update app %s: %w", name, err)
		}
		d.logger.Info("digitalocean: updated App Platform app", "app", name)
		return updated.ID, nil
	}
	created, _, err := d.apps.Create(ctx, &godo.AppCreateRequest{Spec: spec})
	if err != nil {
		return "", fmt.Errorf("digitalocean: create app %s: %w", name, err)
	}
	d.logger.Info("digitalocean: created App Platform app", "app", name)
	return created.ID, nil
}

// waitForDeployment polls the app until its deployment goes active and a live
// URL is allocated. One without the other keeps the loop pending.
func (d *Driver) waitForDeployment(ctx context.Context, appID string, timeout time.Duration) (string, error) {
	deadline := d.clock.Now().Add(timeout)

	for d.clock.Now().Before(deadline) {
		app, _, err := d.apps.Get(ctx, appID)
		if err != nil {
			// Transient query errors count as still pending.
			d.logger.Debug("digitalocean: waiting for deployment", "error", err)
		} else {
			if dep := deploymentOf(app); dep != nil {
				switch dep.Phase {
				case godo.DeploymentPhase_Active:
					if app.LiveURL != "" {
						d.logger.Info("digitalocean: app deployed", "url", app.LiveURL)
						return app.LiveURL, nil
					}
				case godo.DeploymentPhase_Error, godo.DeploymentPhase_Canceled:
					return "", fmt.Errorf("digitalocean: deployment phase %s: %w", dep.Phase, driver.ErrConvergenceFailed)
				}
			}
		}
		d.clock.Sleep(d.cfg.PollInterval)
	}

	return "", fmt.Errorf("digitalocean: deployment did not complete within %s: %w", timeout, driver.ErrTimeout)
}

// setPublicURL rewrites the app spec so the well-known public URL variable
// carries the just-assigned URL, persists the spec file and pushes the update.
// The spec is re-read from the file first; the file is the local record of
// target state between calls. Best-effort: a failure here leaves a working
// deployment without the callback URL, which is logged, not fatal.
func (d *Driver) setPublicURL(ctx context.Context, appID string, spec *godo.AppSpec, publicURL string) {
	if fromFile, err := d.readSpecFile(); err != nil {
		d.logger.Warn("digitalocean: could not re-read spec file", "error", err)
	} else {
		restoreSecretValues(fromFile, spec)
		spec = fromFile
	}
	if len(spec.Services) == 0 {
		d.logger.Error("digitalocean: failed to set public URL: spec has no services")
		return
	}

	svc := spec.Services[0]
	envs := make([]*godo.AppVariableDefinition, 0, len(svc.Envs)+1)
	for _, ev := range svc.Envs {
		if ev.Key != driver.PublicURLEnvVar {
			envs = append(envs, ev)
		}
	}
	envs = append(envs, &godo.AppVariableDefinition{
		Key:   driver.PublicURLEnvVar,
		Value: publicURL,
		Scope: godo.AppVariableScope_RunTime,
	})
	svc.Envs = envs

	if err := d.writeSpecFile(spec); err != nil {
		d.logger.Error("digitalocean: failed to persist updated spec", "error", err)
	}
	if _, _, err := d.apps.Update(ctx, appID, &godo.AppUpdateRequest{Spec: spec}); err != nil {
		d.logger.Error("digitalocean: failed to set public URL", "error", err)
		return
	}
	d.logger.Info("digitalocean: set public URL", "var", driver.PublicURLEnvVar, "url", publicURL)
}

// specFilePath returns where the rendered app spec is persisted for
// inspection and audit.
func (d *Driver) specFilePath() string {
	return filepath.Join(d.cfg.SpecDir, specFileName)
}

// writeSpecFile persists the app spec as YAML, matching the wire field names
// by routing through the spec's JSON tags. Secret values are redacted; only
// App Platform ever sees them.
func (d *Driver) writeSpecFile(spec *godo.AppSpec) error {
	redacted, err := redactSecrets(spec)
	if err != nil {
		return fmt.Errorf("digitalocean: render app spec: %w", err)
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("digitalocean: render app spec: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("digitalocean: render app spec: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("digitalocean: render app spec: %w", err)
	}

	if err := os.MkdirAll(d.cfg.SpecDir, 0o755); err != nil {
		return fmt.Errorf("digitalocean: create spec dir: %w", err)
	}
	if err := os.WriteFile(d.specFilePath(), out, 0o644); err != nil {
		return fmt.Errorf("digitalocean: write app spec: %w", err)
	}
	d.logger.Info("digitalocean: wrote app spec", "path", d.specFilePath())
	return nil
}

// readSpecFile loads the persisted app spec back, reversing the YAML-to-JSON
// tag routing of writeSpecFile. Secret values come back blank and must be
// restored from the in-memory spec before the result is pushed to the API.
func (d *Driver) readSpecFile() (*godo.AppSpec, error) {
	data, err := os.ReadFile(d.specFilePath())
	if err != nil {
		return nil, fmt.Errorf("digitalocean: read app spec: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("digitalocean: parse app spec: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("digitalocean: parse app spec: %w", err)
	}
	var spec godo.AppSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("digitalocean: parse app spec: %w", err)
	}
	return &spec, nil
}

// restoreSecretValues copies SECRET-typed env values from src into dst,
// matched by key. The persisted file never holds them.
func restoreSecretValues(dst, src *godo.AppSpec) {
	values := make(map[string]string)
	for _, svc := range src.Services {
		for _, ev := range svc.Envs {
			if ev.Type == godo.AppVariableType_Secret && ev.Value != "" {
				values[ev.Key] = ev.Value
			}
		}
	}
	for _, svc := range dst.Services {
		for _, ev := range svc.Envs {
			if ev.Type == godo.AppVariableType_Secret {
				ev.Value = values[ev.Key]
			}
		}
	}
}

// redactSecrets deep-copies the spec and blanks SECRET-typed values.
func redactSecrets(spec *godo.AppSpec) (*godo.AppSpec, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	var clone godo.AppSpec
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	for _, svc := range clone.Services {
		for _, ev := range svc.Envs {
			if ev.Type == godo.AppVariableType_Secret {
				ev.Value = ""
			}
		}
	}
	return &clone, nil
}

// deploymentOf picks the deployment that reflects the app's convergence: an
// in-flight one wins over the last active one.
func deploymentOf(app *godo.App) *godo.Deployment {
	if app.InProgressDeployment != nil {
		return app.InProgressDeployment
	}
	return app.ActiveDeployment
}

func appStatus(app *godo.App) string {
	dep := deploymentOf(app)
	if dep == nil {
		return "pending"
	}
	switch dep.Phase {
	case godo.DeploymentPhase_Active:
		return "running"
	case godo.DeploymentPhase_Deploying, godo.DeploymentPhase_PendingDeploy,
		godo.DeploymentPhase_Building, godo.DeploymentPhase_PendingBuild:
		return "deploying"
	case godo.DeploymentPhase_Error, godo.DeploymentPhase_Canceled:
		return "error"
	default:
		return "pending"
	}
}

func appImage(app *godo.App) string {
	if app.Spec == nil || len(app.Spec.Services) == 0 || app.Spec.Services[0].Image == nil {
		return ""
	}
	img := app.Spec.Services[0].Image
	if img.Tag != "" {
		return img.Repository + ":" + img.Tag
	}
	return img.Repository
}

// parseImage splits an image reference into repository and tag, stripping a
// registry.digitalocean.com prefix when present. Tag defaults to "latest".
func parseImage(imageTag string) (repository, tag string) {
	ref := imageTag
	if strings.HasPrefix(ref, "registry.digitalocean.com/") {
		parts := strings.SplitN(ref, "/", 3)
		ref = parts[len(parts)-1]
	}
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
