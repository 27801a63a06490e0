package stokerjob

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/stokerproject/stoker/internal/scheduler/worker"
)

const (
	// Exit code when the machine broke (unreadable params file, syntax
	// error) as opposed to the job's own commands failing.
	exitMachineError = 1
	// Exit code after a cancel signal, mirroring what a shell reports for
	// a TERM-killed child.
	exitCanceled = 143
)

// Wrapper runs one machine the way the worker supervisor expects: params
// come from a file inside the job directory, everything the job says goes to
// out (the supervisor redirects the process streams into the job's output
// log), and the outcome lands in the job directory's result file before the
// process exits. The result file is written on every path, including
// cancellation and machine breakage; without it a restarted scheduler can
// only report the job as vanished.
type Wrapper struct {
	machine    Machine
	paramsPath string
	clock      clock.Clock
	out        io.Writer
}

func NewWrapper(machineName string, paramsPath string, apiURL string, out io.Writer) (*Wrapper, error) {
	clk := clock.RealClock{}
	machine, err := NewMachine(machineName, apiURL, clk)
	if err != nil {
		return nil, err
	}
	return &Wrapper{
		machine:    machine,
		paramsPath: paramsPath,
		clock:      clk,
		out:        out,
	}, nil
}

// Run executes the machine and records the outcome. The returned code is
// what the process should exit with and is always the code in the result
// file.
func (w *Wrapper) Run(ctx context.Context) int64 {
	params, err := os.ReadFile(w.paramsPath)
	if err != nil {
		log.WithError(err).Error("could not read params file")
		return w.finish(exitMachineError)
	}

	code, err := w.machine.Run(ctx, string(params), w.out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("job canceled, aborting")
			code = exitCanceled
		} else {
			log.WithError(err).Error("machine failed")
			if code == 0 {
				code = exitMachineError
			}
		}
	}
	return w.finish(code)
}

func (w *Wrapper) finish(code int64) int64 {
	if err := worker.WriteResultFile(filepath.Dir(w.paramsPath), code, w.clock.Now()); err != nil {
		log.WithError(err).Error("could not write result file")
	}
	return code
}
