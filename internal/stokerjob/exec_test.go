package stokerjob

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecMachine_RunsTheShell(t *testing.T) {
	machine := &execMachine{}
	out := &bytes.Buffer{}

	code, err := machine.Run(context.Background(), `printf 'from the job'`, out)

	require.NoError(t, err)
	assert.Equal(t, int64(0), code)
	assert.Equal(t, "from the job", out.String())
}

func TestExecMachine_ReportsTheShellExitCode(t *testing.T) {
	machine := &execMachine{}
	out := &bytes.Buffer{}

	code, err := machine.Run(context.Background(), `printf 'giving up' >&2; exit 5`, out)

	require.NoError(t, err)
	assert.Equal(t, int64(5), code)
	assert.Equal(t, "giving up", out.String())
}

func TestExecMachine_ExportsTheApiUrl(t *testing.T) {
	machine := &execMachine{apiURL: "http://localhost:8080"}
	out := &bytes.Buffer{}

	code, err := machine.Run(context.Background(), `printf '%s' "$STOKER_API_URL"`, out)

	require.NoError(t, err)
	assert.Equal(t, int64(0), code)
	assert.Equal(t, "http://localhost:8080", out.String())
}

func TestExecMachine_CancelKillsTheJob(t *testing.T) {
	machine := &execMachine{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := machine.Run(ctx, "sleep 600", &bytes.Buffer{})

	assert.ErrorIs(t, err, context.Canceled)
}
