package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ResultFileName is written into the job directory by the worker wrapper
// just before it exits: first line the exit code, second line the end time
// in RFC3339Nano. The supervisor reads it to recover the outcome of workers
// it does not own as children, i.e. workers re-attached after a restart.
const ResultFileName = ".result"

func WriteResultFile(dir string, code int64, finished time.Time) error {
	content := fmt.Sprintf("%d\n%s\n", code, finished.UTC().Format(time.RFC3339Nano))
	err := os.WriteFile(filepath.Join(dir, ResultFileName), []byte(content), 0o644)
	return errors.WithStack(err)
}

// ReadResultFile returns the exit code and end time recorded in dir.
// Returns an error satisfying os.IsNotExist if the worker never wrote one.
func ReadResultFile(dir string) (int64, time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, ResultFileName))
	if err != nil {
		return 0, time.Time{}, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) < 2 {
		return 0, time.Time{}, errors.Errorf("malformed result file in %s", dir)
	}
	code, err := strconv.ParseInt(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "malformed exit code in result file in %s", dir)
	}
	finished, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(lines[1]))
	if err != nil {
		return 0, time.Time{}, errors.Wrapf(err, "malformed end time in result file in %s", dir)
	}
	return code, finished, nil
}
