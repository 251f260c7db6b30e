// Package aws deploys services to AWS App Runner, storing secret values in
// Secrets Manager and container images in ECR.
package aws

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apprunner"
	apprunnertypes "github.com/aws/aws-sdk-go-v2/service/apprunner/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/GoCodeAlone/deployer/driver"
	"github.com/GoCodeAlone/deployer/health"
)

// Platform is the identifier the orchestration facade dispatches on.
const Platform = "aws-app-runner"

const defaultPollInterval = 10 * time.Second

// Config holds the App Runner driver configuration.
type Config struct {
	Region       string        `json:"region" yaml:"region"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// Driver deploys to AWS App Runner. One instance owns its provider clients;
// concurrent callers need their own instance.
type Driver struct {
	cfg       Config
	apprunner AppRunnerClient
	ecr       ECRClient
	secrets   SecretsClient
	sts       STSClient
	verifier  driver.HealthVerifier
	clock     driver.Clock
	logger    *slog.Logger

	execCommand commandFunc

	// account caches the STS-resolved account ID for ARN construction.
	account string
}

// New creates an App Runner driver. A missing region or an unloadable AWS
// config is rejected here, at construction time.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("aws: driver unavailable: load config: %w", err)
	}
	d := newDriver(cfg, logger)
	d.apprunner = apprunner.NewFromConfig(awsCfg)
	d.ecr = ecr.NewFromConfig(awsCfg)
	d.secrets = secretsmanager.NewFromConfig(awsCfg)
	d.sts = sts.NewFromConfig(awsCfg)
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

func (d *Driver) accountID(ctx context.Context) (string, error) {
	if d.account != "" {
		return d.account, nil
	}
	out, err := d.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("aws: get caller identity: %w", err)
	}
	d.account = awsv2.ToString(out.Account)
	return d.account, nil
}

func (d *Driver) serviceARN(account, serviceKey string) string {
	return fmt.Sprintf("arn:aws:apprunner:%s:%s:service/%s", d.cfg.Region, account, serviceKey)
}

func (d *Driver) secretARN(account, secretName string) string {
	return fmt.Sprintf("arn:aws:secretsmanager:%s:%s:secret:%s", d.cfg.Region, account, secretName)
}

// PlanDeployment diffs desired state against App Runner, ECR and Secrets
// Manager without mutating anything. App Runner does not cheaply expose the
// running image, so an existing service is always classified as an update.
func (d *Driver) PlanDeployment(ctx context.Context, serviceName, environment, imageTag string, opts driver.DeployOptions) (*driver.DeploymentPlan, error) {
	opts = opts.WithDefaults()
	key := driver.ServiceKey(serviceName, environment)

	account, err := d.accountID(ctx)
	if err != nil {
		return nil, err
	}

	var actions []driver.ResourceAction
	var currentImage, currentURL, currentStatus string

	out, err := d.apprunner.DescribeService(ctx, &apprunner.DescribeServiceInput{
		ServiceArn: awsv2.String(d.serviceARN(account, key)),
	})
	switch {
	case err == nil:
		svc := out.Service
		currentURL = awsv2.ToString(svc.ServiceUrl)
		currentStatus = string(svc.Status)
		if svc.SourceConfiguration != nil && svc.SourceConfiguration.ImageRepository != nil {
			currentImage = awsv2.ToString(svc.SourceConfiguration.ImageRepository.ImageIdentifier)
		}
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceService,
			ActionType:   driver.ActionUpdate,
			ResourceName: key,
			Description:  fmt.Sprintf("Update App Runner service with image %s", imageTag),
		})
	case isNotFound(err):
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceService,
			ActionType:   driver.ActionCreate,
			ResourceName: key,
			Description:  fmt.Sprintf("Create new App Runner service with image %s", imageTag),
		})
	default:
		return nil, fmt.Errorf("aws: describe service %s: %w", key, err)
	}

	_, repoErr := d.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{key},
	})
	switch {
	case repoErr == nil:
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceRegistry,
			ActionType:   driver.ActionNoop,
			ResourceName: key,
			Description:  "ECR repository exists",
		})
	case isNotFound(repoErr):
		actions = append(actions, driver.ResourceAction{
			ResourceType: driver.ResourceRegistry,
			ActionType:   driver.ActionCreate,
			ResourceName: key,
			Description:  fmt.Sprintf("Create ECR repository %s", key),
		})
	default:
		return nil, fmt.Errorf("aws: describe repository %s: %w", key, repoErr)
	}

	for _, secretName := range sortedKeys(opts.Secrets) {
		_, err := d.secrets.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
			SecretId: awsv2.String(secretName),
		})
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
			return nil, fmt.Errorf("aws: describe secret %s: %w", secretName, err)
		}
	}

	return &driver.DeploymentPlan{
		Platform:      Platform,
		ServiceName:   serviceName,
		Environment:   environment,
		Region:        d.cfg.Region,
		ProjectID:     account,
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

	account, err := d.accountID(ctx)
	if err != nil {
		return driver.FailedResult(err)
	}
	if err := d.ensureRepository(ctx, key); err != nil {
		return driver.FailedResult(err)
	}
	if err := d.upsertSecrets(ctx, opts.Secrets); err != nil {
		return driver.FailedResult(err)
	}

	serviceArn, err := d.applyService(ctx, account, key, imageTag, opts)
	if err != nil {
		return driver.FailedResult(err)
	}

	serviceURL, err := d.waitForReady(ctx, serviceArn, opts.Timeout)
	if err != nil {
		return driver.FailedResult(err)
	}

	d.setPublicURL(ctx, serviceArn, serviceURL)

	healthStatus := driver.HealthUnhealthy
	if d.VerifyHealth(ctx, serviceURL, time.Minute) {
		healthStatus = driver.HealthHealthy
	}

	return &driver.DeploymentResult{
		Success:        true,
		ServiceURL:     serviceURL,
		ServiceID:      serviceArn,
		Status:         "running",
		HealthStatus:   healthStatus,
		DeploymentTime: d.clock.Now().Sub(start).Seconds(),
	}
}

// DestroyService deletes the service, then best-effort the ECR repository
// and, unless keepSecrets, the well-known secret pair. An absent service is
// a success with status "not_found".
func (d *Driver) DestroyService(ctx context.Context, serviceName, environment string, keepSecrets bool) *driver.DeploymentResult {
	key := driver.ServiceKey(serviceName, environment)

	account, err := d.accountID(ctx)
	if err != nil {
		return driver.FailedResult(err)
	}

	_, err = d.apprunner.DeleteService(ctx, &apprunner.DeleteServiceInput{
		ServiceArn: awsv2.String(d.serviceARN(account, key)),
	})
	if isNotFound(err) {
		d.logger.Warn("aws: service not found", "service", key)
		return &driver.DeploymentResult{Success: true, Status: "not_found", HealthStatus: driver.HealthUnknown}
	}
	if err != nil {
		d.logger.Error("aws: failed to destroy service", "service", key, "error", err)
		return driver.FailedResult(fmt.Errorf("aws: delete service %s: %w", key, err))
	}
	d.logger.Info("aws: deleted App Runner service", "service", key)

	if _, err := d.ecr.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: awsv2.String(key),
		Force:          true,
	}); err != nil && !isNotFound(err) {
		d.logger.Warn("aws: failed to delete ECR repository", "repository", key, "error", err)
	} else if err == nil {
		d.logger.Info("aws: deleted ECR repository", "repository", key)
	}

	if !keepSecrets {
		d.deleteSecrets(ctx, key)
	}

	return &driver.DeploymentResult{Success: true, Status: "deleted", HealthStatus: driver.HealthUnknown}
}

// GetServiceStatus resolves the current URL and provider status and probes
// health when a URL exists.
func (d *Driver) GetServiceStatus(ctx context.Context, serviceName, environment string) *driver.DeploymentResult {
	key := driver.ServiceKey(serviceName, environment)

	account, err := d.accountID(ctx)
	if err != nil {
		return driver.FailedResult(err)
	}

	arn := d.serviceARN(account, key)
	out, err := d.apprunner.DescribeService(ctx, &apprunner.DescribeServiceInput{
		ServiceArn: awsv2.String(arn),
	})
	if isNotFound(err) {
		return &driver.DeploymentResult{
			Success:      false,
			Status:       "not_found",
			HealthStatus: driver.HealthUnknown,
			ErrorMessage: "service not found",
		}
	}
	if err != nil {
		return driver.FailedResult(fmt.Errorf("aws: describe service %s: %w", key, err))
	}

	svc := out.Service
	serviceURL := publicURL(awsv2.ToString(svc.ServiceUrl))
	healthStatus := driver.HealthUnknown
	if serviceURL != "" {
		if d.VerifyHealth(ctx, serviceURL, time.Minute) {
			healthStatus = driver.HealthHealthy
		} else {
			healthStatus = driver.HealthUnhealthy
		}
	}

	return &driver.DeploymentResult{
		Success:      true,
		ServiceURL:   serviceURL,
		ServiceID:    arn,
		Status:       string(svc.Status),
		HealthStatus: healthStatus,
	}
}

// VerifyHealth probes the service's health endpoint.
func (d *Driver) VerifyHealth(ctx context.Context, serviceURL string, timeout time.Duration) bool {
	return d.verifier.Verify(ctx, serviceURL, timeout)
}

func (d *Driver) ensureRepository(ctx context.Context, repoName string) error {
	_, err := d.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{repoName},
	})
	if err == nil {
		d.logger.Info("aws: ECR repository exists", "repository", repoName)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("aws: describe repository %s: %w", repoName, err)
	}
	_, err = d.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     awsv2.String(repoName),
		ImageTagMutability: ecrtypes.ImageTagMutabilityMutable,
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
	})
	if err != nil {
		return fmt.Errorf("aws: create repository %s: %w", repoName, err)
	}
	d.logger.Info("aws: created ECR repository", "repository", repoName)
	return nil
}

func (d *Driver) upsertSecrets(ctx context.Context, secrets map[string]string) error {
	for _, name := range sortedKeys(secrets) {
		value := secrets[name]
		_, err := d.secrets.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
			SecretId:     awsv2.String(name),
			SecretString: awsv2.String(value),
		})
		if err == nil {
			d.logger.Info("aws: updated secret", "secret", name)
			continue
		}
		if !isNotFound(err) {
			return fmt.Errorf("aws: update secret %s: %w", name, err)
		}
		_, err = d.secrets.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         awsv2.String(name),
			SecretString: awsv2.String(value),
			Description:  awsv2.String("Deployment-managed secret"),
		})
		if err != nil {
			return fmt.Errorf("aws: create secret %s: %w", name, err)
		}
		d.logger.Info("aws: created secret", "secret", name)
	}
	return nil
}

// buildSourceConfiguration assembles the image-based source config. Secret
// values never appear in the environment; only their ARNs are referenced.
func (d *Driver) buildSourceConfiguration(account, repoName, imageTag string, port int, envVars, secrets map[string]string) *apprunnertypes.SourceConfiguration {
	runtimeEnv := make(map[string]string, len(envVars))
	for k, v := range envVars {
		runtimeEnv[k] = v
	}
	runtimeSecrets := make(map[string]string, len(secrets))
	for name := range secrets {
		runtimeSecrets[name] = d.secretARN(account, name)
	}

	return &apprunnertypes.SourceConfiguration{
		ImageRepository: &apprunnertypes.ImageRepository{
			ImageIdentifier: awsv2.String(fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:%s",
				account, d.cfg.Region, repoName, imageTag)),
			ImageConfiguration: &apprunnertypes.ImageConfiguration{
				Port:                        awsv2.String(strconv.Itoa(port)),
				RuntimeEnvironmentVariables: runtimeEnv,
				RuntimeEnvironmentSecrets:   runtimeSecrets,
			},
			ImageRepositoryType: apprunnertypes.ImageRepositoryTypeEcr,
		},
		AutoDeploymentsEnabled: awsv2.Bool(false),
	}
}

func instanceConfiguration() *apprunnertypes.InstanceConfiguration {
	return &apprunnertypes.InstanceConfiguration{
		Cpu:    awsv2.String("0.25 vCPU"),
		Memory: awsv2.String("0.5 GB"),
	}
}

func healthCheckConfiguration() *apprunnertypes.HealthCheckConfiguration {
	return &apprunnertypes.HealthCheckConfiguration{
		Protocol:           apprunnertypes.HealthCheckProtocolHttp,
		Path:               awsv2.String(driver.HealthPath),
		Interval:           awsv2.Int32(10),
		Timeout:            awsv2.Int32(5),
		HealthyThreshold:   awsv2.Int32(1),
		UnhealthyThreshold: awsv2.Int32(5),
	}
}

// applyService updates the service in place, creating it when absent, and
// returns the service ARN.
func (d *Driver) applyService(ctx context.Context, account, serviceKey, imageTag string, opts driver.DeployOptions) (string, error) {
	arn := d.serviceARN(account, serviceKey)
	source := d.buildSourceConfiguration(account, serviceKey, imageTag, opts.Port, opts.EnvVars, opts.Secrets)

	_, err := d.apprunner.UpdateService(ctx, &apprunner.UpdateServiceInput{
		ServiceArn:               awsv2.String(arn),
		SourceConfiguration:      source,
		InstanceConfiguration:    instanceConfiguration(),
		HealthCheckConfiguration: healthCheckConfiguration(),
	})
	if err == nil {
		d.logger.Info("aws: updated App Runner service", "service", serviceKey)
		return arn, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("aws: update service %s: %w", serviceKey, err)
	}

	out, err := d.apprunner.CreateService(ctx, &apprunner.CreateServiceInput{
		ServiceName:              awsv2.String(serviceKey),
		SourceConfiguration:      source,
		InstanceConfiguration:    instanceConfiguration(),
		HealthCheckConfiguration: healthCheckConfiguration(),
	})
	if err != nil {
		return "", fmt.Errorf("aws: create service %s: %w", serviceKey, err)
	}
	d.logger.Info("aws: created App Runner service", "service", serviceKey)
	return awsv2.ToString(out.Service.ServiceArn), nil
}

// waitForReady polls the service until it is RUNNING with a URL allocated.
// RUNNING without a URL (or vice versa) keeps the loop pending; explicit
// terminal failure statuses abort it.
func (d *Driver) waitForReady(ctx context.Context, serviceArn string, timeout time.Duration) (string, error) {
	deadline := d.clock.Now().Add(timeout)

	for d.clock.Now().Before(deadline) {
		out, err := d.apprunner.DescribeService(ctx, &apprunner.DescribeServiceInput{
			ServiceArn: awsv2.String(serviceArn),
		})
		if err != nil {
			// Transient query errors count as still pending.
			d.logger.Debug("aws: waiting for service to be ready", "error", err)
		} else {
			svc := out.Service
			status := string(svc.Status)
			url := awsv2.ToString(svc.ServiceUrl)
			switch status {
			case "RUNNING":
				if url != "" {
					serviceURL := publicURL(url)
					d.logger.Info("aws: service ready", "url", serviceURL)
					return serviceURL, nil
				}
			case "CREATE_FAILED", "UPDATE_FAILED", "DELETE_FAILED":
				return "", fmt.Errorf("aws: service failed with status %s: %w", status, driver.ErrConvergenceFailed)
			}
		}
		d.clock.Sleep(d.cfg.PollInterval)
	}

	return "", fmt.Errorf("aws: service did not become ready within %s: %w", timeout, driver.ErrTimeout)
}

// setPublicURL rewrites the runtime environment so the well-known public URL
// variable carries the just-assigned URL. Best-effort; failure is logged.
func (d *Driver) setPublicURL(ctx context.Context, serviceArn, url string) {
	out, err := d.apprunner.DescribeService(ctx, &apprunner.DescribeServiceInput{
		ServiceArn: awsv2.String(serviceArn),
	})
	if err != nil {
		d.logger.Error("aws: failed to set public URL", "error", err)
		return
	}

	source := out.Service.SourceConfiguration
	if source == nil || source.ImageRepository == nil || source.ImageRepository.ImageConfiguration == nil {
		d.logger.Error("aws: failed to set public URL: service has no image configuration")
		return
	}

	env := make(map[string]string)
	for k, v := range source.ImageRepository.ImageConfiguration.RuntimeEnvironmentVariables {
		env[k] = v
	}
	env[driver.PublicURLEnvVar] = url
	source.ImageRepository.ImageConfiguration.RuntimeEnvironmentVariables = env

	if _, err := d.apprunner.UpdateService(ctx, &apprunner.UpdateServiceInput{
		ServiceArn:          awsv2.String(serviceArn),
		SourceConfiguration: source,
	}); err != nil {
		d.logger.Error("aws: failed to set public URL", "error", err)
		return
	}
	d.logger.Info("aws: set public URL", "var", driver.PublicURLEnvVar, "url", url)
}

// deleteSecrets removes the well-known secret pair with no recovery window,
// best-effort.
func (d *Driver) deleteSecrets(ctx context.Context, serviceKey string) {
	for _, name := range driver.ServiceSecretNames(serviceKey) {
		_, err := d.secrets.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
			SecretId:                   awsv2.String(name),
			ForceDeleteWithoutRecovery: awsv2.Bool(true),
		})
		switch {
		case err == nil:
			d.logger.Info("aws: deleted secret", "secret", name)
		case isNotFound(err):
			// Already absent.
		default:
			d.logger.Warn("aws: failed to delete secret", "secret", name, "error", err)
		}
	}
}

// publicURL prefixes the scheme App Runner omits from ServiceUrl.
func publicURL(serviceURL string) string {
	if serviceURL == "" {
		return ""
	}
	return "https://" + serviceURL
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
