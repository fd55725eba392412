// Package template expands ${namespace.name} placeholders in a spec's
// execution block into a literal argv. No shell is involved, so the
// substituted values are never interpreted.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jobd-dev/jobd/internal/model"
)

var ErrUnknownPlaceholder = errors.New("unknown placeholder")

var placeholder = regexp.MustCompile(`\$\{([^}]*)\}`)

// Command is a rendered program and its arguments.
type Command struct {
	Program string
	Args    []string
}

// Request carries the fields of the job being rendered.
type Request struct {
	ID    string
	Name  string
	Owner string
	Spec  string
}

func RequestOf(job model.Job) Request {
	return Request{ID: job.ID, Name: job.Name, Owner: job.Owner, Spec: job.Spec}
}

// Render expands placeholders in the application and every argument.
// An input absent from inputs falls back to its declared default; when there
// is none, the error wraps model.ErrMissingInput.
func Render(exec model.Execution, expected []model.ExpectedInput, inputs model.Inputs, req Request) (Command, error) {
	r := renderer{expected: expected, inputs: inputs, req: req}

	program, err := r.expand(exec.Application)
	if err != nil {
		return Command{}, err
	}
	args := make([]string, 0, len(exec.Arguments))
	for _, a := range exec.Arguments {
		s, err := r.expand(a)
		if err != nil {
			return Command{}, err
		}
		args = append(args, s)
	}
	return Command{Program: program, Args: args}, nil
}

type renderer struct {
	expected []model.ExpectedInput
	inputs   model.Inputs
	req      Request
}

func (r renderer) expand(s string) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return ""
		}
		v, err := r.resolve(strings.TrimSpace(m[2 : len(m)-1]))
		if err != nil {
			firstErr = err
			return ""
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (r renderer) resolve(expr string) (string, error) {
	ns, name, ok := strings.Cut(expr, ".")
	if !ok || name == "" {
		return "", fmt.Errorf("%w: ${%s}", ErrUnknownPlaceholder, expr)
	}
	switch ns {
	case "inputs":
		return r.input(name)
	case "request":
		switch name {
		case "id":
			return r.req.ID, nil
		case "name":
			return r.req.Name, nil
		case "owner":
			return r.req.Owner, nil
		case "spec":
			return r.req.Spec, nil
		}
	}
	return "", fmt.Errorf("%w: ${%s}", ErrUnknownPlaceholder, expr)
}

func (r renderer) input(name string) (string, error) {
	if v, ok := r.inputs[name]; ok {
		return String(v)
	}
	for _, in := range r.expected {
		if in.ID == name && in.Default != nil {
			return String(in.Default)
		}
	}
	return "", fmt.Errorf("input %q: %w", name, model.ErrMissingInput)
}

// String is the textual form of an input value as passed on the command line.
func String(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			return s, nil
		}
		f, err := x.Float64()
		if err != nil {
			return s, nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("formatting input: %w", err)
	}
	return string(b), nil
}
