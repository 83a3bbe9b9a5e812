package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("eventflow"), kong.Vars{"version": "test"})
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, ctx
}

func TestSettings_Layering(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "eventflow.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
log_level: warn
bus:
  max_attempts: 5
  retry_delay: 250ms
saga:
  max_concurrent: 7
`), 0o600))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("EVENTFLOW_SAGA_MAX_CONCURRENT=9\n"), 0o600))

	// Unset first so the env file is the source and cleanup restores it.
	t.Setenv("EVENTFLOW_SAGA_MAX_CONCURRENT", "")
	require.NoError(t, os.Unsetenv("EVENTFLOW_SAGA_MAX_CONCURRENT"))
	t.Setenv("EVENTFLOW_BUS_MAX_ATTEMPTS", "2")

	cli, _ := parse(t, "--config", cfgPath, "--env-file", envPath, "check-config")
	s, err := cli.Settings()
	require.NoError(t, err)

	assert.Equal(t, "warn", s.LogLevel)
	assert.Equal(t, 2, s.Bus.MaxAttempts, "environment wins over the file")
	assert.Equal(t, 250*time.Millisecond, s.Bus.RetryDelay)
	assert.Equal(t, 9, s.Saga.MaxConcurrent, "env file is loaded")
}

func TestSettings_Invalid(t *testing.T) {
	t.Setenv("EVENTFLOW_BUS_MAX_ATTEMPTS", "0")
	cli, _ := parse(t, "check-config")
	_, err := cli.Settings()
	require.Error(t, err)
}

func TestSettings_MissingEnvFile(t *testing.T) {
	cli, _ := parse(t, "--env-file", filepath.Join(t.TempDir(), "nope.env"), "check-config")
	_, err := cli.Settings()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load env file")
}

func TestDemo_Runs(t *testing.T) {
	t.Run("all orders complete", func(t *testing.T) {
		cli, ctx := parse(t, "demo", "--orders", "3", "--wait", "10s")
		require.NoError(t, ctx.Run(cli))
	})

	t.Run("failing step compensates", func(t *testing.T) {
		t.Setenv("EVENTFLOW_AUDIT_BACKEND", "memory")
		cli, ctx := parse(t, "demo", "-n", "2", "--fail-step", "charge", "--wait", "10s")
		require.NoError(t, ctx.Run(cli))
	})
}

func TestDemo_Definition(t *testing.T) {
	cmd := DemoCmd{FailStep: "ship"}
	def := cmd.definition()
	require.NoError(t, def.Validate())
	assert.Equal(t, []string{"reserve", "charge", "ship"}, def.StepNames())
}
