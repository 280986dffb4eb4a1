package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDeviceConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.yml")
	content := `
deviceId: dev-1
token: tok-1
credentialSecret: secret-1
forgeURL: https://forge.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNew_WiresEveryCollaborator(t *testing.T) {
	sup, err := New(Options{
		DeviceConfigPath: writeDeviceConfig(t),
		WorkDir:          t.TempDir(),
		AgentVersion:     "test",
		StatusAddr:       "127.0.0.1:0",
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, sup)
	assert.NotNil(t, sup.reconciler)
	assert.NotNil(t, sup.transport)
	assert.NotNil(t, sup.status)
	assert.NotNil(t, sup.cron)
}

func TestNew_InvalidConfigPropagatesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yml")
	require.NoError(t, os.WriteFile(path, []byte("deviceId: only-one-field\n"), 0o644))

	_, err := New(Options{DeviceConfigPath: path, WorkDir: t.TempDir()}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNew_UnwritableWorkDirReturnsWorkDirError(t *testing.T) {
	parent := t.TempDir()
	blocked := filepath.Join(parent, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("not a directory"), 0o644))

	_, err := New(Options{
		DeviceConfigPath: writeDeviceConfig(t),
		WorkDir:          filepath.Join(blocked, "child"),
	}, zerolog.Nop())
	require.Error(t, err)
	var workDirErr *WorkDirError
	assert.ErrorAs(t, err, &workDirErr)
}

func TestStartShutdown_RunsCleanly(t *testing.T) {
	sup, err := New(Options{
		DeviceConfigPath: writeDeviceConfig(t),
		WorkDir:          t.TempDir(),
		AgentVersion:     "test",
		StatusAddr:       "127.0.0.1:0",
		PollInterval:     time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sup.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Shutdown(ctx)
}
