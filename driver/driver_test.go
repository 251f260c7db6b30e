package driver

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestServiceKey(t *testing.T) {
	got := ServiceKey("my-agent", "production")
	if got != "my-agent-production" {
		t.Errorf("expected my-agent-production, got %q", got)
	}

	// Same inputs always address the same remote resource.
	if ServiceKey("my-agent", "production") != got {
		t.Error("expected ServiceKey to be deterministic")
	}

	// Different environments address different resources.
	if ServiceKey("my-agent", "staging") == got {
		t.Error("expected different environments to yield different keys")
	}
}

func TestServiceSecretNames(t *testing.T) {
	names := ServiceSecretNames("my-agent-production")
	if len(names) != 2 {
		t.Fatalf("expected 2 secret names, got %d", len(names))
	}
	if names[0] != "my-agent-production-api-key" {
		t.Errorf("unexpected first secret name %q", names[0])
	}
	if names[1] != "my-agent-production-rsa-key" {
		t.Errorf("unexpected second secret name %q", names[1])
	}
}

func TestDeployOptionsWithDefaults(t *testing.T) {
	opts := DeployOptions{}.WithDefaults()
	if opts.Port != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, opts.Port)
	}
	if opts.Timeout != DefaultDeployTimeout {
		t.Errorf("expected default timeout %s, got %s", DefaultDeployTimeout, opts.Timeout)
	}

	opts = DeployOptions{Port: 9000, Timeout: time.Minute}.WithDefaults()
	if opts.Port != 9000 {
		t.Errorf("expected configured port to survive, got %d", opts.Port)
	}
	if opts.Timeout != time.Minute {
		t.Errorf("expected configured timeout to survive, got %s", opts.Timeout)
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", fmt.Errorf("deploy: %w", ErrTimeout), "timeout"},
		{"convergence", fmt.Errorf("deploy: %w", ErrConvergenceFailed), "convergence"},
		{"provider", errors.New("api exploded"), "provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ErrorKind(tc.err); got != tc.want {
				t.Errorf("expected kind %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFailedResult(t *testing.T) {
	err := fmt.Errorf("gcp: service did not become ready: %w", ErrTimeout)
	result := FailedResult(err)

	if result.Success {
		t.Error("expected failed result")
	}
	if result.Status != "unknown" {
		t.Errorf("expected status unknown, got %q", result.Status)
	}
	if result.HealthStatus != HealthUnknown {
		t.Errorf("expected health unknown, got %q", result.HealthStatus)
	}
	if result.ErrorMessage == "" {
		t.Error("expected error message to be set")
	}
	if kind := result.ErrorDetails["kind"]; kind != "timeout" {
		t.Errorf("expected error kind timeout, got %v", kind)
	}
}
