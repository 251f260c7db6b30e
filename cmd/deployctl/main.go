// deployctl deploys container services to Cloud Run, AWS App Runner or
// DigitalOcean App Platform.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/deployer/deploy"
	"github.com/GoCodeAlone/deployer/driver"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"plan":      runPlan,
	"deploy":    runDeployCmd,
	"destroy":   runDestroy,
	"status":    runStatus,
	"check":     runCheck,
	"platforms": runPlatforms,
}

func usage() {
	fmt.Fprintf(os.Stderr, `deployctl - multi-cloud service deployment (version %s)

Usage:
  deployctl <command> [options]

Commands:
  plan       Show the changes a deploy would make, without applying them
  deploy     Deploy or update a service
  destroy    Tear down a service and its resources
  status     Show current service state and health
  check      Check local prerequisites for a platform
  platforms  List supported platforms

Run 'deployctl <command> -h' for command options.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}
	if err := cmd(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// kvFlag collects repeated KEY=VALUE flags into a map.
type kvFlag map[string]string

func (f kvFlag) String() string { return fmt.Sprintf("%v", map[string]string(f)) }

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", s)
	}
	f[k] = v
	return nil
}

// commonFlags holds the flags every service-addressing command shares.
type commonFlags struct {
	platform string
	region   string
	project  string
	service  string
	env      string
	verbose  bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.platform, "platform", "", "Target platform (cloud-run, aws-app-runner, do-app-platform)")
	fs.StringVar(&c.region, "region", "", "Provider region")
	fs.StringVar(&c.project, "project", "", "GCP project ID (cloud-run only)")
	fs.StringVar(&c.service, "service", "", "Service name")
	fs.StringVar(&c.env, "env", "production", "Deployment environment")
	fs.BoolVar(&c.verbose, "verbose", false, "Enable debug logging")
}

func (c *commonFlags) validate() error {
	if c.platform == "" {
		return fmt.Errorf("-platform is required")
	}
	if c.region == "" {
		return fmt.Errorf("-region is required")
	}
	if c.service == "" {
		return fmt.Errorf("-service is required")
	}
	return nil
}

func (c *commonFlags) orchestrator() *deploy.Orchestrator {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return deploy.NewOrchestrator(deploy.DefaultRegistry(logger), logger)
}

func (c *commonFlags) driverConfig() deploy.DriverConfig {
	return deploy.DriverConfig{Region: c.region, ProjectID: c.project}
}

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	image := fs.String("image", "", "Container image tag to deploy")
	port := fs.Int("port", driver.DefaultPort, "Container port")
	envVars := kvFlag{}
	secrets := kvFlag{}
	fs.Var(envVars, "env-var", "Environment variable KEY=VALUE (repeatable)")
	fs.Var(secrets, "secret", "Secret KEY=VALUE, stored in the provider secret store (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := common.validate(); err != nil {
		return err
	}
	if *image == "" {
		return fmt.Errorf("-image is required")
	}

	plan, err := common.orchestrator().PlanDeployment(context.Background(), common.platform, common.driverConfig(),
		common.service, common.env, *image, driver.DeployOptions{
			Port:    *port,
			EnvVars: envVars,
			Secrets: secrets,
		})
	if err != nil {
		return err
	}

	// Secret values never reach stdout; the plan only shows which keys exist.
	redacted := make(map[string]string, len(plan.TargetSecrets))
	for k := range plan.TargetSecrets {
		redacted[k] = "[redacted]"
	}
	plan.TargetSecrets = redacted

	return printJSON(plan)
}

func runDeployCmd(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	image := fs.String("image", "", "Container image tag to deploy")
	port := fs.Int("port", driver.DefaultPort, "Container port")
	timeout := fs.Duration("timeout", driver.DefaultDeployTimeout, "Deployment convergence timeout")
	envVars := kvFlag{}
	secrets := kvFlag{}
	fs.Var(envVars, "env-var", "Environment variable KEY=VALUE (repeatable)")
	fs.Var(secrets, "secret", "Secret KEY=VALUE, stored in the provider secret store (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := common.validate(); err != nil {
		return err
	}
	if *image == "" {
		return fmt.Errorf("-image is required")
	}

	result := common.orchestrator().DeployService(context.Background(), common.platform, common.driverConfig(),
		common.service, common.env, *image, driver.DeployOptions{
			Port:    *port,
			EnvVars: envVars,
			Secrets: secrets,
			Timeout: *timeout,
		})
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("deployment failed: %s", result.ErrorMessage)
	}
	return nil
}

func runDestroy(args []string) error {
	fs := flag.NewFlagSet("destroy", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	keepSecrets := fs.Bool("keep-secrets", false, "Keep stored secrets when destroying the service")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := common.validate(); err != nil {
		return err
	}

	result := common.orchestrator().DestroyService(context.Background(), common.platform, common.driverConfig(),
		common.service, common.env, *keepSecrets)
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("destroy failed: %s", result.ErrorMessage)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := common.validate(); err != nil {
		return err
	}

	result := common.orchestrator().GetServiceStatus(context.Background(), common.platform, common.driverConfig(),
		common.service, common.env)
	return printJSON(result)
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.platform == "" || common.region == "" {
		return fmt.Errorf("-platform and -region are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	missing := common.orchestrator().CheckPrerequisites(ctx, common.platform, common.driverConfig())
	if len(missing) == 0 {
		fmt.Printf("%s: all prerequisites satisfied\n", common.platform)
		return nil
	}
	for _, m := range missing {
		fmt.Printf("missing: %s\n", m)
	}
	return fmt.Errorf("%d prerequisite(s) missing", len(missing))
}

func runPlatforms(args []string) error {
	o := deploy.NewOrchestrator(nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	for _, p := range o.Platforms() {
		fmt.Println(p)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
