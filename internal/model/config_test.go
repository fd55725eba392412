package model_test

import (
	"strings"
	"testing"

	"github.com/jobd-dev/jobd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  listen: "127.0.0.1:9090"
  verbose: true
  log: stdout
workspace:
  specs: /srv/jobd/specs
  jobs: /srv/jobd/jobs
  wds: /srv/jobd/wds
jobs:
  pageSize: 20
  maxConcurrent: 4
  guest: anonymous
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", cfg.Service.Listen)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStdout, cfg.Service.Log)
	require.Equal(t, "/srv/jobd/specs", cfg.Workspace.Specs)
	require.Equal(t, "/srv/jobd/jobs", cfg.Workspace.Jobs)
	require.Equal(t, "/srv/jobd/wds", cfg.Workspace.Wds)
	require.Equal(t, 20, cfg.Jobs.PageSize)
	require.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	require.Equal(t, "anonymous", cfg.Jobs.Guest)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(t.Context()), cfg)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
	}{
		{"unknown field", "version: 0\nservice:\n  mode: manual\n"},
		{"page size zero", "version: 0\njobs:\n  pageSize: 0\n"},
		{"negative concurrency", "version: 0\njobs:\n  maxConcurrent: -1\n"},
		{"wrong version", "version: 1\n"},
		{"wrong type", "version: 0\nservice:\n  verbose: loud\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			for _, d := range details {
				require.NotEmpty(t, d.Code)
				require.NotEmpty(t, d.Message)
			}
		})
	}
}

func TestWorkspaceResolve(t *testing.T) {
	ws := model.Workspace{
		Specs: "specs",
		Jobs:  "/var/lib/jobd/jobs",
		Wds:   "tmp/wds",
	}.Resolve("/etc/jobd")
	require.Equal(t, "/etc/jobd/specs", ws.Specs)
	require.Equal(t, "/var/lib/jobd/jobs", ws.Jobs)
	require.Equal(t, "/etc/jobd/tmp/wds", ws.Wds)
}
