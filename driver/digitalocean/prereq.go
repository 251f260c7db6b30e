package digitalocean

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

// CheckPrerequisites reports missing local requirements: the doctl CLI and a
// working API token. All gaps are collected; it never fails.
func (d *Driver) CheckPrerequisites(ctx context.Context) []string {
	var missing []string

	out, err := d.execCommand(ctx, "doctl", "version").Output()
	if err != nil {
		missing = append(missing, "doctl CLI not found or not working")
	} else {
		d.logger.Debug("digitalocean: doctl version", "output", strings.TrimSpace(string(out)))
	}

	account, _, err := d.account.Get(ctx)
	if err != nil {
		missing = append(missing, fmt.Sprintf("DigitalOcean authentication check failed: %v", err))
	} else if account.Email == "" {
		missing = append(missing, "DigitalOcean authentication not configured")
	}

	return missing
}
