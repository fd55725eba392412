package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/jobd-dev/jobd/internal/events"
	"github.com/jobd-dev/jobd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{
		"message=hello world",
		"count=3",
		"flag=true",
		"list=[1,2]",
		"eq=a=b",
		"empty=",
		"text=3 apples",
	})
	require.NoError(t, err)
	require.Equal(t, model.Inputs{
		"message": "hello world",
		"count":   json.Number("3"),
		"flag":    true,
		"list":    []any{json.Number("1"), json.Number("2")},
		"eq":      "a=b",
		"empty":   "",
		"text":    "3 apples",
	}, inputs)

	_, err = parseInputs([]string{"novalue"})
	require.Error(t, err)
	_, err = parseInputs([]string{"=x"})
	require.Error(t, err)
}

func TestFollow(t *testing.T) {
	flagFollow = true
	t.Cleanup(func() { flagFollow = false })

	b := events.NewBroker()
	t.Cleanup(b.Close)
	sub := b.Subscribe("", 10)
	now := time.Now()
	b.PublishOutput("other", events.KindStdout, []byte("noise"), now)
	b.PublishStatus("j1", model.StatusRunning, now)
	b.PublishOutput("j1", events.KindStdout, []byte("out"), now)
	b.PublishOutput("j1", events.KindStderr, []byte("err"), now)
	b.PublishStatus("j1", model.StatusFinished, now)

	var stdout, stderr bytes.Buffer
	status, err := follow(sub, "j1", &stdout, &stderr, t.Context().Done())
	require.NoError(t, err)
	require.Equal(t, model.StatusFinished, status)
	require.Equal(t, "out", stdout.String())
	require.Equal(t, "err", stderr.String())
}

func TestFirstLine(t *testing.T) {
	require.Equal(t, "first", firstLine("\n first\nsecond"))
	require.Empty(t, firstLine(""))
}
