package model_test

import (
	"testing"
	"time"

	"github.com/jobd-dev/jobd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	type given struct {
		from model.Status
		to   model.Status
	}
	var testCases = []struct {
		scenario string
		given    given
		then     bool
	}{
		{"scheduled", given{model.StatusSubmitted, model.StatusRunning}, true},
		{"abort before start", given{model.StatusSubmitted, model.StatusAborted}, true},
		{"cannot start", given{model.StatusSubmitted, model.StatusFatalError}, true},
		{"skip running", given{model.StatusSubmitted, model.StatusFinished}, false},
		{"finish", given{model.StatusRunning, model.StatusFinished}, true},
		{"fail", given{model.StatusRunning, model.StatusFatalError}, true},
		{"abort running", given{model.StatusRunning, model.StatusAborted}, true},
		{"running twice", given{model.StatusRunning, model.StatusRunning}, false},
		{"finished is terminal", given{model.StatusFinished, model.StatusAborted}, false},
		{"aborted is terminal", given{model.StatusAborted, model.StatusFinished}, false},
		{"fatal is terminal", given{model.StatusFatalError, model.StatusRunning}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.then, tc.given.from.CanTransitionTo(tc.given.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	require.False(t, model.StatusSubmitted.Terminal())
	require.False(t, model.StatusRunning.Terminal())
	require.True(t, model.StatusFinished.Terminal())
	require.True(t, model.StatusFatalError.Terminal())
	require.True(t, model.StatusAborted.Terminal())
	require.False(t, model.Status("PAUSED").Valid())
}

func TestView(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	job := model.Job{
		ID:   "j1",
		Name: "view",
		Timestamps: []model.Timestamp{
			{Status: model.StatusSubmitted, Time: now},
		},
	}

	v := model.NewView(job, model.Files{})
	require.Equal(t, model.StatusSubmitted, v.Job.LatestStatus())
	require.True(t, v.CanAbort())
	require.False(t, v.HasStdout())
	require.False(t, v.HasStderr())
	require.False(t, v.HasOutputs())

	job.Timestamps = append(job.Timestamps,
		model.Timestamp{Status: model.StatusRunning, Time: now.Add(time.Second)},
		model.Timestamp{Status: model.StatusFinished, Time: now.Add(2 * time.Second)},
	)
	v = model.NewView(job, model.Files{
		StdoutSize: 6,
		Outputs:    []model.Output{{ID: "report", Size: 10}},
	})
	require.Equal(t, model.StatusFinished, v.Job.LatestStatus())
	require.Equal(t, now.Add(2*time.Second), v.Job.LatestTime())
	require.False(t, v.CanAbort())
	require.True(t, v.HasStdout())
	require.False(t, v.HasStderr())
	require.True(t, v.HasOutputs())
}

func TestJobClone(t *testing.T) {
	t.Parallel()
	job := model.Job{Timestamps: []model.Timestamp{{Status: model.StatusSubmitted}}}
	clone := job.Clone()
	clone.Timestamps[0].Status = model.StatusAborted
	require.Equal(t, model.StatusSubmitted, job.LatestStatus())
}
