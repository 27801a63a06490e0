package stokererrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsAdmissionConflict(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"conflict":           {&ErrAdmissionConflict{JobID: 1, Resource: "sys1"}, true},
		"wrapped conflict":   {errors.WithMessage(&ErrAdmissionConflict{JobID: 1}, "admission"), true},
		"stacked conflict":   {errors.WithStack(&ErrAdmissionConflict{JobID: 1}), true},
		"validation":         {&ErrValidation{Field: "type"}, false},
		"store":              {&ErrStore{Op: "ListPending", Cause: errors.New("down")}, false},
		"plain":              {errors.New("foo"), false},
		"nil":                {nil, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsAdmissionConflict(tc.err))
		})
	}
}

func TestIsStoreError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"store":         {&ErrStore{Op: "CreateJob", Cause: errors.New("down")}, true},
		"wrapped store": {errors.Wrap(&ErrStore{Op: "GetJob", Cause: errors.New("down")}, "cycle"), true},
		"conflict":      {&ErrAdmissionConflict{}, false},
		"nil":           {nil, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsStoreError(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	conflict := &ErrAdmissionConflict{JobID: 7, Resource: "sys1", Requested: "WRITE", HolderID: 3, Held: "READ"}
	assert.Equal(t, `job 7 cannot lock resource "sys1" for WRITE: held for READ by job 3`, conflict.Error())

	vanished := &ErrWorkerExecution{JobID: 7, Pid: 1234, Vanished: true}
	assert.Contains(t, vanished.Error(), "vanished")

	exited := &ErrWorkerExecution{JobID: 7, Pid: 1234, ExitCode: 3}
	assert.Contains(t, exited.Error(), "exited with code 3")

	validation := &ErrValidation{Field: "type", Value: "nope", Message: "not a registered job type"}
	assert.Contains(t, validation.Error(), "not a registered job type")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	spawnErr := &ErrWorkerSpawn{JobID: 1, Cause: cause}
	assert.Equal(t, cause, errors.Unwrap(spawnErr))

	storeErr := &ErrStore{Op: "Transition", Cause: cause}
	assert.Equal(t, cause, errors.Unwrap(storeErr))
}
