package template_test

import (
	"encoding/json"
	"testing"

	"github.com/jobd-dev/jobd/internal/model"
	"github.com/jobd-dev/jobd/internal/template"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	t.Parallel()
	exec := model.Execution{
		Application: "echo",
		Arguments:   []string{"${inputs.message}", "--id=${request.id}", "${request.name}/${request.spec}"},
	}
	cmd, err := template.Render(exec, nil, model.Inputs{"message": "hello"}, template.Request{
		ID:   "j1",
		Name: "greeting",
		Spec: "echo",
	})
	require.NoError(t, err)
	require.Equal(t, "echo", cmd.Program)
	require.Equal(t, []string{"hello", "--id=j1", "greeting/echo"}, cmd.Args)
}

func TestRender_Literal(t *testing.T) {
	t.Parallel()
	exec := model.Execution{Application: "echo", Arguments: []string{"${inputs.message}"}}
	for _, msg := range []string{"$(rm -rf /)", "a; b && c", "`id`", "${inputs.other}", "'quoted' \"double\""} {
		cmd, err := template.Render(exec, nil, model.Inputs{"message": msg}, template.Request{})
		require.NoError(t, err)
		require.Equal(t, []string{msg}, cmd.Args)
	}
}

func TestRender_Defaults(t *testing.T) {
	t.Parallel()
	exec := model.Execution{Application: "sleep", Arguments: []string{"${inputs.seconds}"}}
	expected := []model.ExpectedInput{{ID: "seconds", Default: 5}}

	cmd, err := template.Render(exec, expected, nil, template.Request{})
	require.NoError(t, err)
	require.Equal(t, []string{"5"}, cmd.Args)

	cmd, err = template.Render(exec, expected, model.Inputs{"seconds": json.Number("30")}, template.Request{})
	require.NoError(t, err)
	require.Equal(t, []string{"30"}, cmd.Args)
}

func TestRender_Errors(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		arg      string
		then     error
	}{
		{"missing input", "${inputs.absent}", model.ErrMissingInput},
		{"unknown namespace", "${env.HOME}", template.ErrUnknownPlaceholder},
		{"unknown request field", "${request.password}", template.ErrUnknownPlaceholder},
		{"no field", "${inputs}", template.ErrUnknownPlaceholder},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			exec := model.Execution{Application: "echo", Arguments: []string{tc.arg}}
			_, err := template.Render(exec, nil, nil, template.Request{})
			require.ErrorIs(t, err, tc.then)
		})
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given any
		then  string
	}{
		{nil, ""},
		{"text", "text"},
		{true, "true"},
		{false, "false"},
		{json.Number("42"), "42"},
		{json.Number("12345678901234567890"), "12345678901234567890"},
		{json.Number("1.50"), "1.5"},
		{json.Number("1e3"), "1000"},
		{2.5, "2.5"},
		{7, "7"},
		{[]any{"a", json.Number("1")}, `["a",1]`},
		{map[string]any{"b": true, "a": nil}, `{"a":null,"b":true}`},
	}
	for _, tc := range testCases {
		got, err := template.String(tc.given)
		require.NoError(t, err)
		require.Equal(t, tc.then, got)
	}
}
