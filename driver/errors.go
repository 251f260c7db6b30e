package driver

import "errors"

// ErrTimeout marks a deploy that exhausted its wall-clock budget while the
// provider still reported the service as pending.
var ErrTimeout = errors.New("deployment timed out")

// ErrConvergenceFailed marks a deploy the provider explicitly rejected with
// a terminal failure status. Distinct from ErrTimeout so callers can tell
// "the provider rejected it" apart from "it never finished in time".
var ErrConvergenceFailed = errors.New("deployment failed to converge")

// ErrorKind classifies an error for DeploymentResult.ErrorDetails.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConvergenceFailed):
		return "convergence"
	default:
		return "provider"
	}
}

// FailedResult wraps an error into a failed DeploymentResult. Drivers use it
// so deploy, destroy and status calls return values instead of raising.
func FailedResult(err error) *DeploymentResult {
	return &DeploymentResult{
		Success:      false,
		Status:       "unknown",
		HealthStatus: HealthUnknown,
		ErrorMessage: err.Error(),
		ErrorDetails: map[string]any{"kind": ErrorKind(err)},
	}
}
