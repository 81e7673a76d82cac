// Package cf drives Cloud Foundry foundations through the cf CLI.
package cf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes the cf CLI with extra environment variables.
type Runner interface {
	Run(ctx context.Context, env []string, args ...string) ([]byte, error)
}

// ExecRunner runs the cf binary found on PATH.
type ExecRunner struct {
	// Binary defaults to "cf".
	Binary string
}

// Run executes the binary and returns stdout. On failure the error carries
// stderr.
func (r ExecRunner) Run(ctx context.Context, env []string, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "cf"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return stdout.Bytes(), fmt.Errorf("cf %s: %w: %s", args[0], err, msg)
	}
	return stdout.Bytes(), nil
}

// Available reports whether the binary is on PATH.
func (r ExecRunner) Available() bool {
	bin := r.Binary
	if bin == "" {
		bin = "cf"
	}
	_, err := exec.LookPath(bin)
	return err == nil
}
