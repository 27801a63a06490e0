// Package stokerjob is the stock worker wrapper. The scheduler's built-in
// job types spawn the stoker-job binary, which picks a machine, feeds it the
// params file and records the outcome in the job directory's result file so
// a restarted scheduler can still learn how the job ended.
package stokerjob

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/clock"
)

// Machine executes one job's params blob. The returned code is the job's
// exit code; a non-nil error means the machine itself could not run the job
// (bad params, canceled context), not that the job reported failure.
type Machine interface {
	Run(ctx context.Context, params string, out io.Writer) (int64, error)
}

// Machines returns the names of the built-in machines.
func Machines() []string {
	return []string{"echo", "exec"}
}

// NewMachine builds the named machine. The API base URL is handed to
// machines that expose it to the jobs they run.
func NewMachine(name string, apiURL string, clk clock.Clock) (Machine, error) {
	switch name {
	case "echo":
		return &echoMachine{clock: clk}, nil
	case "exec":
		return &execMachine{apiURL: apiURL}, nil
	}
	return nil, errors.Errorf("unknown machine %q, known machines are: %s", name, strings.Join(Machines(), ", "))
}
