package gcp

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

func defaultExecCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// requiredAPIs must be enabled on the project before a deploy can work.
var requiredAPIs = []string{
	"run.googleapis.com",
	"secretmanager.googleapis.com",
	"artifactregistry.googleapis.com",
}

// CheckPrerequisites reports missing local requirements: the gcloud CLI,
// active authentication, a configured project and the required APIs. All
// gaps are collected so the caller can report them in one batch; it never
// fails.
func (d *Driver) CheckPrerequisites(ctx context.Context) []string {
	var missing []string

	out, err := d.execCommand(ctx, "gcloud", "version").Output()
	if err != nil {
		missing = append(missing, "gcloud CLI not found or not working")
	} else {
		d.logger.Debug("gcp: gcloud version", "output", strings.TrimSpace(string(out)))
	}

	out, err = d.execCommand(ctx, "gcloud", "auth", "list",
		"--filter=status:ACTIVE", "--format=value(account)").Output()
	if err != nil {
		missing = append(missing, "gcloud authentication check failed")
	} else if strings.TrimSpace(string(out)) == "" {
		missing = append(missing, "no active gcloud authentication found")
	}

	out, err = d.execCommand(ctx, "gcloud", "config", "get-value", "project").Output()
	if err != nil {
		missing = append(missing, "gcloud project configuration check failed")
	} else if strings.TrimSpace(string(out)) == "" {
		missing = append(missing, "no gcloud project configured")
	}

	for _, api := range requiredAPIs {
		out, err = d.execCommand(ctx, "gcloud", "services", "list", "--enabled",
			"--filter=name:"+api).Output()
		if err != nil {
			missing = append(missing, fmt.Sprintf("failed to check API %s", api))
		} else if !strings.Contains(string(out), api) {
			missing = append(missing, fmt.Sprintf("API %s not enabled", api))
		}
	}

	return missing
}
