package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/planrun/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
service:
  verbose: true
  log: discard
  logs_dir: /var/log/planrun
  poll_interval: PT0.25S
cache:
  retention: PT10M
  sweep: "*/5 * * * *"
runner:
  path: /opt/runner/bin/run
  home: /opt/runner
  timeout: PT1H
  switches:
    run: --run-plan
plan:
  backup: false
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogDiscard, cfg.Service.Log)
	require.Equal(t, "/var/log/planrun", cfg.Service.LogsDir)
	poll, err := cfg.Service.PollEvery()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, poll)

	retention, err := cfg.Cache.RetentionWindow()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, retention)
	require.Equal(t, "*/5 * * * *", cfg.Cache.Sweep)

	require.Equal(t, "/opt/runner/bin/run", cfg.Runner.Path)
	require.Equal(t, "/opt/runner", cfg.Runner.Home)
	timeout, err := cfg.Runner.TimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, time.Hour, timeout)
	require.Equal(t, "--run-plan", cfg.Runner.Switches.Run)
	require.Equal(t, "-config", cfg.Runner.Switches.Config)

	require.False(t, cfg.Plan.BackupEnabled())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
runner:
  path: run
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)

	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Equal(t, model.DefaultLogsDir, cfg.Service.LogsDir)
	require.Empty(t, cfg.Service.DB)
	poll, err := cfg.Service.PollEvery()
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, poll)

	retention, err := cfg.Cache.RetentionWindow()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, retention)

	timeout, err := cfg.Runner.TimeoutDuration()
	require.NoError(t, err)
	require.Zero(t, timeout)

	require.Equal(t, model.Switches{
		Run:      "-run",
		Config:   "-config",
		Init:     "-init",
		User:     "-user",
		Password: "-password",
	}, cfg.Runner.Switches)
	require.True(t, cfg.Plan.BackupEnabled())
	require.Equal(t, model.DefaultConfig().Service, cfg.Service)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "missing runner path",
			given:    "version: 0\nrunner:\n  home: /opt\n",
			then:     "missing_required",
		},
		{
			scenario: "empty runner path",
			given:    "version: 0\nrunner:\n  path: \"\"\n",
			then:     "empty_required",
		},
		{
			scenario: "unknown field",
			given:    "version: 0\nrunner:\n  path: run\n  shell: bash\n",
			then:     "unknown_field",
		},
		{
			scenario: "bad duration",
			given:    "version: 0\ncache:\n  retention: 5m\nrunner:\n  path: run\n",
			then:     "invalid_duration",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var codes []string
			for _, d := range details {
				codes = append(codes, d.Code)
			}
			require.Contains(t, codes, tc.then, "details: %+v", details)
		})
	}
}

func TestLoadConfigBadSweep(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
cache:
  sweep: "every five minutes"
runner:
  path: run
`
	_, err := model.LoadConfig(strings.NewReader(yml))
	require.Error(t, err)
	require.ErrorContains(t, err, "cache.sweep")
}
