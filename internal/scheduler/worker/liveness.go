package worker

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadProcessStartTicks returns the start time of the process in clock ticks
// since boot, field 22 of /proc/<pid>/stat. A (pid, start ticks) pair
// identifies a process across scheduler restarts: pids get reused, pids plus
// start time do not.
//
// Returns an error satisfying os.IsNotExist if no such process exists.
func ReadProcessStartTicks(pid int64) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// The comm field (2) may contain spaces and parentheses; every field
	// after the closing paren is whitespace separated.
	end := bytes.LastIndexByte(data, ')')
	if end < 0 || end+2 >= len(data) {
		return 0, errors.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[end+2:]))
	// fields[0] is field 3 (state), so field 22 is fields[19].
	if len(fields) < 20 {
		return 0, errors.Errorf("malformed stat for pid %d: %d fields", pid, len(fields))
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed start ticks for pid %d", pid)
	}
	return ticks, nil
}

// ProcessAlive reports whether the process identified by (pid, startTicks)
// still exists. A live pid whose start time differs is a reused pid, not our
// process.
func ProcessAlive(pid int64, startTicks int64) (bool, error) {
	current, err := ReadProcessStartTicks(pid)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == startTicks, nil
}
