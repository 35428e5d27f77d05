package execx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	out, err := Run(context.Background(), Command{
		Stage: "echo",
		Argv:  []string{"sh", "-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", out.Stdout)
	assert.Equal(t, "err\n", out.Stderr)
	assert.Equal(t, 0, out.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	out, err := Run(context.Background(), Command{
		Stage: "mkfs-workspace",
		Argv:  []string{"sh", "-c", "echo broken >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, 3, out.ExitCode)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "mkfs-workspace", stageErr.Stage)
	assert.Contains(t, err.Error(), "broken")
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	_, err := Run(context.Background(), Command{
		Stage:   "sleepy",
		Argv:    []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunEmptyCommand(t *testing.T) {
	_, err := Run(context.Background(), Command{Stage: "empty"})
	assert.Error(t, err)
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	marker := t.TempDir() + "/marker"
	err := RunAll(context.Background(),
		Command{Stage: "ok", Argv: []string{"true"}},
		Command{Stage: "boom", Argv: []string{"false"}},
		Command{Stage: "never", Argv: []string{"touch", marker}},
	)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "boom", stageErr.Stage)
	assert.NoFileExists(t, marker)
}

func TestRunStdin(t *testing.T) {
	out, err := Run(context.Background(), Command{
		Stage: "cat",
		Argv:  []string{"cat"},
		Stdin: "piped input",
	})
	require.NoError(t, err)
	assert.Equal(t, "piped input", out.Stdout)
}
