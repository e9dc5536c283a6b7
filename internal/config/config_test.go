package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, dir, c.DataDir)
	require.Equal(t, StoreFile, c.Store)
	require.Equal(t, "pi", c.Agent.Command)
	require.Equal(t, 15*time.Minute, c.Agent.Timeout)
	require.Equal(t, 5*time.Second, c.Agent.KillGrace)
	require.Equal(t, 400*time.Millisecond, c.Answer.PollInterval)
	require.Equal(t, 10*time.Minute, c.Answer.MaxWait)
	require.Equal(t, "info", c.LogLevel)
	require.False(t, c.Trace)
	require.Equal(t, filepath.Join(dir, "chronicle.log"), c.LogPath())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `store: sqlite
agent:
  command: /usr/local/bin/agent
  args: ["--mode", "json"]
  model: sonnet
  timeout: 30m
answer:
  poll_interval: 1s
workflow_dirs: [/opt/workflows]
log_level: debug
trace: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, StoreSQLite, c.Store)
	require.Equal(t, "/usr/local/bin/agent", c.Agent.Command)
	require.Equal(t, []string{"--mode", "json"}, c.Agent.Args)
	require.Equal(t, "sonnet", c.Agent.Model)
	require.Equal(t, 30*time.Minute, c.Agent.Timeout)
	require.Equal(t, time.Second, c.Answer.PollInterval)
	require.Equal(t, 10*time.Minute, c.Answer.MaxWait)
	require.Equal(t, "debug", c.LogLevel)
	require.True(t, c.Trace)
	require.Equal(t, []string{
		filepath.Join(".chronicle", "workflows"),
		"/opt/workflows",
		filepath.Join(dir, "workflows"),
	}, c.WorkflowSearchDirs())
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHRONICLE_AGENT_TIMEOUT", "2m")
	t.Setenv("CHRONICLE_LOG_LEVEL", "warn")
	t.Setenv("CHRONICLE_STORE", "sqlite")

	c, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, c.Agent.Timeout)
	require.Equal(t, "warn", c.LogLevel)
	require.Equal(t, StoreSQLite, c.Store)
}

func TestLoad_InvalidStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: redis\n"), 0644))
	_, err := Load(dir)
	require.ErrorContains(t, err, `invalid store "redis"`)
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [\n"), 0644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestNew_DataDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHRONICLE_DATA_DIR", dir)
	c, err := New()
	require.NoError(t, err)
	require.Equal(t, dir, c.DataDir)
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	c, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, c.EnsureDataDir())
	require.DirExists(t, c.UserWorkflowDir())
	require.DirExists(t, c.UserAgentDir())
}

func TestSettings(t *testing.T) {
	c := &Config{}
	s, err := c.Settings()
	require.NoError(t, err)
	require.Empty(t, s)

	c.SettingsFile = filepath.Join(t.TempDir(), "settings.md")
	s, err = c.Settings()
	require.NoError(t, err)
	require.Empty(t, s, "missing settings file is not an error")

	require.NoError(t, os.WriteFile(c.SettingsFile, []byte("## Project\nGo service"), 0644))
	s, err = c.Settings()
	require.NoError(t, err)
	require.Equal(t, "## Project\nGo service", s)
}
