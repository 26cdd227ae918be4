package infra

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessManager_IsRunning(t *testing.T) {
	pm := NewProcessManager()

	assert.True(t, pm.IsRunning(os.Getpid()), "current process should be alive")
	assert.False(t, pm.IsRunning(0))
	assert.False(t, pm.IsRunning(-1))
}

func TestProcessManager_IsRunning_ExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	pm := NewProcessManager()
	assert.False(t, pm.IsRunning(cmd.Process.Pid), "reaped process should be reported dead")
}

func TestProcessManager_Terminate(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	pm := NewProcessManager()
	require.NoError(t, pm.Terminate(cmd.Process.Pid))

	err := cmd.Wait()
	require.Error(t, err, "sleep should exit from SIGTERM")
	assert.False(t, pm.IsRunning(cmd.Process.Pid))
}

func TestProcessManager_PIDs(t *testing.T) {
	pm := NewProcessManager()
	assert.Equal(t, os.Getpid(), pm.GetCurrentPID())
	assert.Equal(t, os.Getppid(), pm.GetParentPID())

	name, err := pm.Name(os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, name)
}
