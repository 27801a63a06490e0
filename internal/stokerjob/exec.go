package stokerjob

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// execMachine hands the params blob to /bin/sh. The job's exit code is the
// shell's. The scheduler API base URL is exported as STOKER_API_URL so the
// script can talk back to the instance that runs it.
type execMachine struct {
	apiURL string
}

func (m *execMachine) Run(ctx context.Context, params string, out io.Writer) (int64, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", params)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = os.Environ()
	if m.apiURL != "" {
		cmd.Env = append(cmd.Env, "STOKER_API_URL="+m.apiURL)
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return int64(exitErr.ExitCode()), nil
	}
	// Killed by a signal or never started.
	return 0, errors.WithStack(err)
}
