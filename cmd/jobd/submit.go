package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jobd-dev/jobd/internal/events"
	"github.com/jobd-dev/jobd/internal/log"
	"github.com/jobd-dev/jobd/internal/model"
)

var (
	flagJobName string
	flagInputs  []string
	flagFollow  bool
)

func doSpecs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := newStack(ctx, config)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	list, err := st.specs.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
	for _, spec := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", spec.ID, spec.Name, firstLine(spec.Description))
	}
	return w.Flush()
}

// doSubmit runs one job in the foreground. Interrupting jobd aborts it.
func doSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inputs, err := parseInputs(flagInputs)
	if err != nil {
		return err
	}

	st, err := newStack(ctx, config)
	if err != nil {
		return err
	}
	defer st.Close(ctx)

	// subscribe before submitting, so the first chunks are not lost
	sub := st.broker.Subscribe("", 1024)
	defer sub.Close()

	job, err := st.ctrl.Submit(ctx, model.SubmitRequest{
		Name:   flagJobName,
		Spec:   args[0],
		Owner:  config.Jobs.Guest,
		Inputs: inputs,
	})
	if err != nil {
		return err
	}
	ctx = log.WithJob(ctx, job)
	slog.InfoContext(ctx, "job submitted")
	_, _ = fmt.Fprintln(cmd.ErrOrStderr(), job.ID)

	status, err := follow(sub, job.ID, cmd.OutOrStdout(), cmd.ErrOrStderr(), ctx.Done())
	if err != nil {
		slog.WarnContext(ctx, "event stream ended early, aborting", "error", err)
		if aerr := st.ctrl.Abort(ctx, job.ID); aerr != nil {
			slog.WarnContext(ctx, "abort failed", "error", aerr)
		}
		return err
	}
	if status != model.StatusFinished {
		return fmt.Errorf("job %s ended with %s", job.ID, status)
	}
	return nil
}

// follow consumes events of job id until it reaches a terminal status.
func follow(sub *events.Subscription, id string, stdout, stderr io.Writer, done <-chan struct{}) (model.Status, error) {
	for {
		select {
		case <-done:
			return "", fmt.Errorf("interrupted")
		case e, ok := <-sub.C():
			if !ok {
				return "", fmt.Errorf("event stream closed")
			}
			if e.JobID != id {
				continue
			}
			switch e.Kind {
			case events.KindStdout:
				if flagFollow {
					_, _ = stdout.Write(e.Data)
				}
			case events.KindStderr:
				if flagFollow {
					_, _ = stderr.Write(e.Data)
				}
			case events.KindStatus:
				if e.Status.Terminal() {
					return e.Status, nil
				}
			}
		}
	}
}

// parseInputs turns id=value pairs into inputs. Values which are valid JSON
// keep their JSON type, anything else is a string.
func parseInputs(pairs []string) (model.Inputs, error) {
	inputs := make(model.Inputs, len(pairs))
	for _, p := range pairs {
		id, raw, ok := strings.Cut(p, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid input %q: expected id=value", p)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil || dec.More() {
			v = raw
		}
		inputs[id] = v
	}
	return inputs, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
