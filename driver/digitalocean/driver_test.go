package digitalocean

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/godo"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/deployer/driver"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockAppsService struct {
	listFunc   func(ctx context.Context, opts *godo.ListOptions) ([]*godo.App, *godo.Response, error)
	getFunc    func(ctx context.Context, appID string) (*godo.App, *godo.Response, error)
	createFunc func(ctx context.Context, create *godo.AppCreateRequest) (*godo.App, *godo.Response, error)
	updateFunc func(ctx context.Context, appID string, update *godo.AppUpdateRequest) (*godo.App, *godo.Response, error)
	deleteFunc func(ctx context.Context, appID string) (*godo.Response, error)
}

func (m *mockAppsService) List(ctx context.Context, opts *godo.ListOptions) ([]*godo.App, *godo.Response, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, opts)
	}
	return nil, lastPageResponse(), nil
}

func (m *mockAppsService) Get(ctx context.Context, appID string) (*godo.App, *godo.Response, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, appID)
	}
	return nil, nil, notFoundErr()
}

func (m *mockAppsService) Create(ctx context.Context, create *godo.AppCreateRequest) (*godo.App, *godo.Response, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, create)
	}
	return &godo.App{ID: "app-123", Spec: create.Spec}, nil, nil
}

func (m *mockAppsService) Update(ctx context.Context, appID string, update *godo.AppUpdateRequest) (*godo.App, *godo.Response, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, appID, update)
	}
	return &godo.App{ID: appID, Spec: update.Spec}, nil, nil
}

func (m *mockAppsService) Delete(ctx context.Context, appID string) (*godo.Response, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, appID)
	}
	return nil, nil
}

type mockRegistryService struct {
	getFunc    func(ctx context.Context) (*godo.Registry, *godo.Response, error)
	createFunc func(ctx context.Context, create *godo.RegistryCreateRequest) (*godo.Registry, *godo.Response, error)
	deleteFunc func(ctx context.Context) (*godo.Response, error)
}

func (m *mockRegistryService) Get(ctx context.Context) (*godo.Registry, *godo.Response, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx)
	}
	return &godo.Registry{Name: "agent-prod"}, nil, nil
}

func (m *mockRegistryService) Create(ctx context.Context, create *godo.RegistryCreateRequest) (*godo.Registry, *godo.Response, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, create)
	}
	return &godo.Registry{Name: create.Name}, nil, nil
}

func (m *mockRegistryService) Delete(ctx context.Context) (*godo.Response, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx)
	}
	return nil, nil
}

type mockAccountService struct {
	getFunc func(ctx context.Context) (*godo.Account, *godo.Response, error)
}

func (m *mockAccountService) Get(ctx context.Context) (*godo.Account, *godo.Response, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx)
	}
	return &godo.Account{Email: "ops@example.com"}, nil, nil
}

type mockVerifier struct{ healthy bool }

func (m *mockVerifier) Verify(ctx context.Context, baseURL string, timeout time.Duration) bool {
	return m.healthy
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func notFoundErr() error {
	return &godo.ErrorResponse{Response: &http.Response{StatusCode: 404}}
}

func lastPageResponse() *godo.Response {
	return &godo.Response{Links: &godo.Links{}}
}

func testDriver(t *testing.T) *Driver {
	t.Helper()
	d := newDriver(Config{Region: "nyc3", SpecDir: filepath.Join(t.TempDir(), ".deployment")}, nil)
	d.apps = &mockAppsService{}
	d.registry = &mockRegistryService{}
	d.account = &mockAccountService{}
	d.verifier = &mockVerifier{healthy: true}
	d.clock = &fakeClock{now: time.Unix(1000, 0)}
	return d
}

func activeApp(name, url string) *godo.App {
	return &godo.App{
		ID:      "app-123",
		LiveURL: url,
		Spec: &godo.AppSpec{
			Name: name,
			Services: []*godo.AppServiceSpec{{
				Name:  "web",
				Image: &godo.ImageSourceSpec{Repository: "agent", Tag: "v1"},
			}},
		},
		ActiveDeployment: &godo.Deployment{ID: "dep-1", Phase: godo.DeploymentPhase_Active},
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewRequiresToken(t *testing.T) {
	t.Setenv("DIGITALOCEAN_ACCESS_TOKEN", "")
	if _, err := New(Config{Region: "nyc3"}, nil); err == nil {
		t.Fatal("expected construction to fail without a token")
	}
}

func TestNewRequiresRegion(t *testing.T) {
	if _, err := New(Config{Token: "tok"}, nil); err == nil {
		t.Fatal("expected construction to fail without a region")
	}
}

// ---------------------------------------------------------------------------
// Plan
// ---------------------------------------------------------------------------

func TestPlanDeploymentNewApp(t *testing.T) {
	d := testDriver(t)
	d.registry = &mockRegistryService{getFunc: func(ctx context.Context) (*godo.Registry, *godo.Response, error) {
		return nil, nil, notFoundErr()
	}}

	plan, err := d.PlanDeployment(context.Background(), "agent", "prod", "agent:v1", driver.DeployOptions{
		Secrets: map[string]string{"API_KEY": "sk-123"},
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Secrets ride inside the app spec, so the plan only carries service and
	// registry actions.
	if len(plan.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(plan.Actions))
	}
	if plan.Actions[0].ResourceType != driver.ResourceService || plan.Actions[0].ActionType != driver.ActionCreate {
		t.Errorf("expected service create, got %s %s", plan.Actions[0].ResourceType, plan.Actions[0].ActionType)
	}
	if plan.Actions[1].ResourceType != driver.ResourceRegistry || plan.Actions[1].ActionType != driver.ActionCreate {
		t.Errorf("expected registry create, got %s %s", plan.Actions[1].ResourceType, plan.Actions[1].ActionType)
	}
}

func TestPlanDeploymentExistingAppIsUpdate(t *testing.T) {
	d := testDriver(t)
	d.apps = &mockAppsService{listFunc: func(ctx context.Context, opts *godo.ListOptions) ([]*godo.App, *godo.Response, error) {
		return []*godo.App{activeApp("agent-prod", "https://agent.ondigitalocean.app")}, lastPageResponse(), nil
	}}

	plan, err := d.PlanDeployment(context.Background(), "agent", "prod", "agent:v1", driver.DeployOptions{})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if plan.Actions[0].ActionType != driver.ActionUpdate {
		t.Errorf("expected update, got %s", plan.Actions[0].ActionType)
	}
	if plan.CurrentImage != "agent:v1" {
		t.Errorf("unexpected current image %q", plan.CurrentImage)
	}
	if plan.CurrentURL != "https://agent.ondigitalocean.app" {
		t.Errorf("unexpected current URL %q", plan.CurrentURL)
	}
	if plan.CurrentStatus != "running" {
		t.Errorf("unexpected current status %q", plan.CurrentStatus)
	}
}

// ---------------------------------------------------------------------------
// Deploy
// ---------------------------------------------------------------------------

func TestDeployServiceCreatesApp(t *testing.T) {
	d := testDriver(t)

	var createdSpec *godo.AppSpec
	apps := &mockAppsService{}
	apps.createFunc = func(ctx context.Context, create *godo.AppCreateRequest) (*godo.App, *godo.Response, error) {
		createdSpec = create.Spec
		return &godo.App{ID: "app-123", Spec: create.Spec}, nil, nil
	}
	apps.getFunc = func(ctx context.Context, appID string) (*godo.App, *godo.Response, error) {
		return activeApp("agent-prod", "https://agent-prod.ondigitalocean.app"), nil, nil
	}
	d.apps = apps

	result := d.DeployService(context.Background(), "agent", "prod", "agent:v1", driver.DeployOptions{
		Port:    8080,
		EnvVars: map[string]string{"LOG_LEVEL": "info"},
		Secrets: map[string]string{"API_KEY": "sk-123"},
	})

	if !result.Success {
		t.Fatalf("expected success, got: %s", result.ErrorMessage)
	}
	if result.ServiceURL != "https://agent-prod.ondigitalocean.app" {
		t.Errorf("unexpected service URL %q", result.ServiceURL)
	}
	if result.ServiceID != "app-123" {
		t.Errorf("unexpected service ID %q", result.ServiceID)
	}
	if result.HealthStatus != driver.HealthHealthy {
		t.Errorf("expected healthy, got %q", result.HealthStatus)
	}

	if createdSpec.Name != "agent-prod" {
		t.Errorf("unexpected app name %q", createdSpec.Name)
	}
	svc := createdSpec.Services[0]
	if svc.HTTPPort != 8080 {
		t.Errorf("expected port 8080, got %d", svc.HTTPPort)
	}
	if svc.Image.RegistryType != godo.ImageSourceSpecRegistryType_DOCR {
		t.Errorf("expected DOCR image source, got %q", svc.Image.RegistryType)
	}
	if svc.Image.Repository != "agent" || svc.Image.Tag != "v1" {
		t.Errorf("unexpected image %s:%s", svc.Image.Repository, svc.Image.Tag)
	}
	if svc.HealthCheck == nil || svc.HealthCheck.HTTPPath != driver.HealthPath {
		t.Error("expected health check on the well-known path")
	}

	var secretEnv *godo.AppVariableDefinition
	for _, ev := range svc.Envs {
		if ev.Key == "API_KEY" {
			secretEnv = ev
		}
	}
	if secretEnv == nil {
		t.Fatal("expected API_KEY env on service")
	}
	if secretEnv.Type != godo.AppVariableType_Secret {
		t.Errorf("expected SECRET-typed env var, got %q", secretEnv.Type)
	}
}

func TestDeployServiceWritesRedactedSpecFile(t *testing.T) {
	d := testDriver(t)
	d.apps = &mockAppsService{getFunc: func(ctx context.Context, appID string) (*godo.App, *godo.Response, error) {
		return activeApp("agent-prod", "https://agent-prod.ondigitalocean.app"), nil, nil
	}}

	result := d.DeployService(context.Background(), "agent", "prod", "agent:v1", driver.DeployOptions{
		Secrets: map[string]string{"API_KEY": "sk-secret-value"},
	})
	if !result.Success {
		t.Fatalf("expected success, got: %s", result.ErrorMessage)
	}

	data, err := os.ReadFile(d.specFilePath())
	if err != nil {
		t.Fatalf("expected spec file to be written: %v", err)
	}
	if strings.Contains(string(data), "sk-secret-value") {
		t.Error("secret value leaked into persisted spec file")
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("expected valid YAML spec file: %v", err)
	}
	if doc["name"] != "agent-prod" {
		t.Errorf("unexpected app name in spec file: %v", doc["name"])
	}
}

func TestSpecFileRoundTrips(t *testing.T) {
	d := testDriver(t)

	spec := d.buildAppSpec("agent-prod", "agent:v1", driver.DeployOptions{
		Port:    8080,
		EnvVars: map[string]string{"LOG_LEVEL": "info"},
		Secrets: map[string]string{"API_KEY": "sk-123"},
	})
	if err := d.writeSpecFile(spec); err != nil {
		t.Fatalf("write spec file: %v", err)
	}

	got, err := d.readSpecFile()
	if err != nil {
		t.Fatalf("read spec file: %v", err)
	}
	if got.Name != "agent-prod" {
		t.Errorf("unexpected app name %q", got.Name)
	}
	svc := got.Services[0]
	if svc.HTTPPort != 8080 {
		t.Errorf("expected port 8080, got %d", svc.HTTPPort)
	}
	if svc.Image == nil || svc.Image.Repository != "agent" || svc.Image.Tag != "v1" {
		t.Error("expected image source to survive the round trip")
	}

	restoreSecretValues(got, spec)
	for _, ev := range svc.Envs {
		switch ev.Key {
		case "LOG_LEVEL":
			if ev.Value != "info" {
				t.Errorf("unexpected LOG_LEVEL %q", ev.Value)
			}
		case "API_KEY":
			if ev.Type != godo.AppVariableType_Secret {
				t.Errorf("expected SECRET-typed env, got %q", ev.Type)
			}
			if ev.Value != "sk-123" {
				t.Errorf("expected secret value restored from memory, got %q", ev.Value)
			}
		}
	}
}

func TestDeployServiceInjectsPublicURL(t *testing.T) {
	d := testDriver(t)

	var lastUpdate *godo.AppSpec
	apps := &mockAppsService{}
	apps.getFunc = func(ctx context.Context, appID string) (*godo.App, *godo.Response, error) {
		return activeApp("agent-prod", "https://agent-prod.ondigitalocean.app"), nil, nil
	}
	apps.updateFunc = func(ctx context.Context, appID string, update *godo.AppUpdateRequest) (*godo.App, *godo.Response, error) {
		lastUpdate = update.Spec
		return &godo.App{ID: appID, Spec: update.Spec}, nil, nil
	}
	d.apps = apps

	result := d.DeployService(context.Background(), "agent", "prod", "agent:v1", driver.DeployOptions{})
	if !result.Success {
		t.Fatalf("expected success, got: %s", result.ErrorMessage)
	}

	found := false
	for _, ev := range lastUpdate.Services[0].Envs {
		if ev.Key == driver.PublicURLEnvVar && ev.Value == "https://agent-prod.ondigitalocean.app" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s to be patched into the app spec", driver.PublicURLEnvVar)
	}
}

func TestDeployServiceFailedDeployment(t *testing.T) {
	d := testDriver(t)
	d.apps = &mockAppsService{getFunc: func(ctx context.Context, appID string) (*godo.App, *godo.Response, error) {
		return &godo.App{
			ID:                   "app-123",
			InProgressDeployment: &godo.Deployment{Phase: godo.DeploymentPhase_Error},
		}, nil, nil
	}}

	result := d.DeployService(context.Background(), "agent", "prod", "agent:v1", driver.DeployOptions{})

	if result.Success {
		t.Fatal("expected deploy to fail")
	}
	if kind := result.ErrorDetails["kind"]; kind != "convergence" {
		t.Errorf("expected convergence kind, got %v", kind)
	}
}

func TestDeployServiceTimesOut(t *testing.T) {
	d := testDriver(t)
	d.apps = &mockAppsService{getFunc: func(ctx context.Context, appID string) (*godo.App, *godo.Response, error) {
		return &godo.App{
			ID:                   "app-123",
			InProgressDeployment: &godo.Deployment{Phase: godo.DeploymentPhase_Building},
		}, nil, nil
	}}

	result := d.DeployService(context.Background(), "agent", "prod", "agent:v1", driver.DeployOptions{
		Timeout: time.Minute,
	})

	if result.Success {
		t.Fatal("expected deploy to fail")
	}
	if kind := result.ErrorDetails["kind"]; kind != "timeout" {
		t.Errorf("expected timeout kind, got %v", kind)
	}
}

// ---------------------------------------------------------------------------
// Destroy
// ---------------------------------------------------------------------------

func TestDestroyServiceDeletesApp(t *testing.T) {
	d := testDriver(t)

	var deletedID string
	apps := &mockAppsService{}
	apps.listFunc = func(ctx context.Context, opts *godo.ListOptions) ([]*godo.App, *godo.Response, error) {
		return []*godo.App{activeApp("agent-prod", "https://agent.ondigitalocean.app")}, lastPageResponse(), nil
	}
	apps.deleteFunc = func(ctx context.Context, appID string) (*godo.Response, error) {
		deletedID = appID
		return nil, nil
	}
	d.apps = apps

	result := d.DestroyService(context.Background(), "agent", "prod", false)
	if !result.Success || result.Status != "deleted" {
		t.Fatalf("expected deleted, got %+v", result)
	}
	if deletedID != "app-123" {
		t.Errorf("unexpected deleted app ID %q", deletedID)
	}
}

func TestDestroyServiceNotFound(t *testing.T) {
	d := testDriver(t)

	result := d.DestroyService(context.Background(), "agent", "prod", false)
	if !result.Success {
		t.Fatal("expected destroying an absent app to succeed")
	}
	if result.Status != "not_found" {
		t.Errorf("expected not_found, got %q", result.Status)
	}
}

func TestDestroyServiceRegistryFailureIsNonFatal(t *testing.T) {
	d := testDriver(t)
	d.apps = &mockAppsService{listFunc: func(ctx context.Context, opts *godo.ListOptions) ([]*godo.App, *godo.Response, error) {
		return []*godo.App{activeApp("agent-prod", "")}, lastPageResponse(), nil
	}}
	d.registry = &mockRegistryService{deleteFunc: func(ctx context.Context) (*godo.Response, error) {
		return nil, errors.New("registry busy")
	}}

	result := d.DestroyService(context.Background(), "agent", "prod", false)
	if !result.Success {
		t.Errorf("expected registry deletion failure to stay non-fatal, got: %s", result.ErrorMessage)
	}
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestGetServiceStatusRunning(t *testing.T) {
	d := testDriver(t)
	d.apps = &mockAppsService{listFunc: func(ctx context.Context, opts *godo.ListOptions) ([]*godo.App, *godo.Response, error) {
		return []*godo.App{activeApp("agent-prod", "https://agent.ondigitalocean.app")}, lastPageResponse(), nil
	}}

	result := d.GetServiceStatus(context.Background(), "agent", "prod")
	if !result.Success {
		t.Fatalf("expected success, got: %s", result.ErrorMessage)
	}
	if result.Status != "running" {
		t.Errorf("expected running, got %q", result.Status)
	}
	if result.HealthStatus != driver.HealthHealthy {
		t.Errorf("expected healthy, got %q", result.HealthStatus)
	}
}

func TestGetServiceStatusNotFound(t *testing.T) {
	d := testDriver(t)

	result := d.GetServiceStatus(context.Background(), "agent", "prod")
	if result.Success {
		t.Fatal("expected not-found status to be unsuccessful")
	}
	if result.Status != "not_found" {
		t.Errorf("expected not_found, got %q", result.Status)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestParseImage(t *testing.T) {
	tests := []struct {
		in   string
		repo string
		tag  string
	}{
		{"agent:v1", "agent", "v1"},
		{"agent", "agent", "latest"},
		{"registry.digitalocean.com/myreg/agent:v2", "agent", "v2"},
		{"team/agent:v3", "team/agent", "v3"},
	}
	for _, tc := range tests {
		repo, tag := parseImage(tc.in)
		if repo != tc.repo || tag != tc.tag {
			t.Errorf("parseImage(%q) = %q,%q, want %q,%q", tc.in, repo, tag, tc.repo, tc.tag)
		}
	}
}
