package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteAndRead(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))

	require.NoError(t, pf.WritePID(12345))
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestPIDFile_Read_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number\n"), 0o644))

	_, err := NewPIDFile(path).Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file content")
}

func TestPIDFile_IsRunning(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))

	pid, running := pf.IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running)

	require.NoError(t, pf.WritePID(999999))
	pid, running = pf.IsRunning()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)

	require.NoError(t, pf.Write())
	pid, running = pf.IsRunning()
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, running)
}

func TestPIDFile_AcquireReplacesStaleFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "state", "serve.pid"))
	require.NoError(t, os.MkdirAll(filepath.Dir(pf.Path), 0o755))
	require.NoError(t, pf.WritePID(999999))

	require.NoError(t, pf.Acquire())
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, pf.Release())
	_, err = os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))

	// Releasing twice is harmless.
	assert.NoError(t, pf.Release())
}

func TestPIDFile_AcquireRefusesLiveOwner(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))
	require.NoError(t, pf.WritePID(os.Getppid()))

	err := pf.Acquire()
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Another process's file is left alone.
	require.NoError(t, pf.Release())
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getppid(), pid)
}

func TestPIDFile_Signal(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))

	err := pf.Signal(syscall.Signal(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read PID file")

	require.NoError(t, pf.Write())
	assert.NoError(t, pf.Signal(syscall.Signal(0)))
}
