package daemonfx

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[daemon]
loop_interval = "250ms"
idle_probability = 0.25
shutdown_deadline = "5s"
log_path = "/var/log/echodaemon.log"
auto_restart = true

[[worker]]
alias = "echo"
strategy = "mixed"
max_processes = 4
max_calls_per_child = 100
max_runtime = "10m"
auto_restart = true
allow_wakeup = true
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "daemonfx.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_DecodesDaemonAndWorkers(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "echo", cfg.Workers[0].Alias)
	assert.True(t, cfg.Daemon.AutoRestart)
}

func TestDaemonSection_ParsesDurations(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	dcfg, err := cfg.Daemon.Daemon()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, dcfg.LoopInterval)
	assert.Equal(t, 5*time.Second, dcfg.ShutdownDeadline)
}

func TestWorkerSection_BuildsMediatorConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	mcfg, err := cfg.Workers[0].Mediator()
	require.NoError(t, err)
	assert.Equal(t, Mixed, mcfg.Strategy)
	assert.Equal(t, 4, mcfg.MaxProcesses)
	assert.Equal(t, 10*time.Minute, mcfg.MaxRuntime)
}

func TestWorkerSection_RejectsUnknownStrategy(t *testing.T) {
	path := writeTempConfig(t, `
[[worker]]
alias = "x"
strategy = "bogus"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	_, err = cfg.Workers[0].Mediator()
	assert.Error(t, err)
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, `
[daemon]
typo_field = "oops"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
