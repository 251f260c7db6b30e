package driver

// ResourceType identifies the kind of cloud resource an action applies to.
type ResourceType string

const (
	ResourceService  ResourceType = "service"
	ResourceSecret   ResourceType = "secret"
	ResourceRegistry ResourceType = "registry"
	ResourceImage    ResourceType = "image"
)

// ActionType identifies what a planned action does to its resource.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionNoop   ActionType = "noop"
	ActionDelete ActionType = "delete"
)

// ResourceAction describes a single planned or executed change to one named
// resource. Actions within a plan are independent; no action depends on
// another's success.
type ResourceAction struct {
	ResourceType ResourceType   `json:"resource_type"`
	ActionType   ActionType     `json:"action_type"`
	ResourceName string         `json:"resource_name"`
	Description  string         `json:"description"`
	CostEstimate string         `json:"cost_estimate,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DeploymentPlan is a read-only snapshot of desired vs. observed state.
// A plan is advisory: DeployService recomputes and executes actions itself,
// so applying a stale plan is never possible.
type DeploymentPlan struct {
	Platform    string `json:"platform"`
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`
	Region      string `json:"region"`
	ProjectID   string `json:"project_id,omitempty"`

	Actions           []ResourceAction `json:"actions"`
	TotalCostEstimate string           `json:"total_cost_estimate,omitempty"`
	EstimatedDuration string           `json:"estimated_duration,omitempty"`

	// Observed state; empty means the resource does not exist yet.
	CurrentImage  string `json:"current_image,omitempty"`
	CurrentURL    string `json:"current_url,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`

	// Desired state.
	TargetImage   string            `json:"target_image"`
	TargetPort    int               `json:"target_port"`
	TargetEnvVars map[string]string `json:"target_env_vars,omitempty"`
	TargetSecrets map[string]string `json:"target_secrets,omitempty"`
}

// Health status values reported in DeploymentResult.HealthStatus.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// DeploymentResult captures the outcome of a deploy, destroy or status call.
type DeploymentResult struct {
	Success     bool   `json:"success"`
	ServiceURL  string `json:"service_url,omitempty"`
	ServiceID   string `json:"service_id,omitempty"`
	Revision    string `json:"revision,omitempty"`
	ImageDigest string `json:"image_digest,omitempty"`

	Status       string `json:"status"`
	HealthStatus string `json:"health_status"`

	// DeploymentTime is the wall-clock duration of a full deploy, in seconds.
	DeploymentTime float64 `json:"deployment_time,omitempty"`

	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}
