package aws

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

func defaultExecCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// CheckPrerequisites reports missing local requirements: the aws CLI and
// working credentials. All gaps are collected; it never fails.
func (d *Driver) CheckPrerequisites(ctx context.Context) []string {
	var missing []string

	out, err := d.execCommand(ctx, "aws", "--version").CombinedOutput()
	if err != nil {
		missing = append(missing, "AWS CLI not found or not working")
	} else {
		d.logger.Debug("aws: CLI version", "output", strings.TrimSpace(string(out)))
	}

	if _, err := d.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		missing = append(missing, fmt.Sprintf("AWS credentials check failed: %v", err))
	}

	return missing
}
