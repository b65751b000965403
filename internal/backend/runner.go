package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// RunCommand invokes a scheduler command-line tool with stdin delivered to
// it, returning captured stdout and stderr. The slurm and torque ops hold
// one of these so tests can substitute a fake scheduler.
type RunCommand func(ctx context.Context, stdin, name string, args ...string) (stdout, stderr string, err error)

// ExecCommand is the production RunCommand, backed by os/exec. A non-zero
// exit surfaces the captured stderr verbatim as the failure reason; no
// retry is attempted, since re-running a submission tool could
// double-submit.
func ExecCommand(ctx context.Context, stdin, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(errBuf.String())
		if errText != "" {
			return outBuf.String(), errBuf.String(), fmt.Errorf("%s: %s", name, errText)
		}
		return outBuf.String(), errBuf.String(), fmt.Errorf("%s: %w", name, err)
	}
	return outBuf.String(), errBuf.String(), nil
}

// LookPath resolves a required executable. Absence is a configuration-time
// fatal error naming the missing tool.
type LookPath func(name string) (string, error)

// FindExecutable is the production LookPath.
func FindExecutable(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("could not find executable %q", name)
	}
	return path, nil
}
