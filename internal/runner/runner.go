// Package runner executes a job as an external process and records what
// happens to it in the job store.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/jobd-dev/jobd/internal/events"
	"github.com/jobd-dev/jobd/internal/jobstore"
	"github.com/jobd-dev/jobd/internal/log"
	"github.com/jobd-dev/jobd/internal/model"
	"github.com/jobd-dev/jobd/internal/template"
)

const chunkSize = 4096

type Runner struct {
	store jobstore.Storage
	pub   events.Publisher
	wds   string
}

// New returns a Runner creating working directories below wds. Output
// chunks go to pub; statuses are published by the store.
func New(store jobstore.Storage, pub events.Publisher, wds string) *Runner {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Runner{store: store, pub: pub, wds: wds}
}

// Execute runs job to completion and returns the terminal status stored for
// it. If another writer, usually an abort, recorded a terminal status first,
// that status is returned and nothing is overwritten.
//
// Cancelling ctx sends SIGTERM to the process once.
func (r *Runner) Execute(ctx context.Context, job model.Job, spec model.Spec) (status model.Status) {
	ctx = log.WithJob(ctx, job)
	// bookkeeping must survive the cancellation of the process
	bg := context.WithoutCancel(ctx)

	if err := r.store.AppendTimestamp(bg, job.ID, model.StatusRunning, ""); err != nil {
		slog.InfoContext(ctx, "job not started", "error", err)
		return r.latest(bg, job.ID)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "job execution panicked", "panic", p)
			_ = r.store.RemovePID(bg, job.ID)
			status = r.fail(bg, job.ID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	if err := os.MkdirAll(r.wds, 0o755); err != nil {
		return r.fail(bg, job.ID, fmt.Sprintf("creating working directory: %v", err))
	}
	wd, err := os.MkdirTemp(r.wds, job.ID+"-")
	if err != nil {
		return r.fail(bg, job.ID, fmt.Sprintf("creating working directory: %v", err))
	}
	slog.DebugContext(ctx, "working directory created", "wd", wd)

	inputs, err := r.store.Inputs(bg, job.ID)
	if err != nil {
		return r.fail(bg, job.ID, fmt.Sprintf("reading inputs: %v", err))
	}
	cmd, err := template.Render(spec.Execution, spec.ExpectedInputs, inputs, template.RequestOf(job))
	if err != nil {
		return r.fail(bg, job.ID, fmt.Sprintf("rendering command: %v", err))
	}

	return r.run(ctx, job, spec, wd, cmd)
}

func (r *Runner) run(ctx context.Context, job model.Job, spec model.Spec, wd string, proto template.Command) model.Status {
	bg := context.WithoutCancel(ctx)

	cmd := exec.CommandContext(ctx, proto.Program, proto.Args...)
	cmd.Dir = wd
	// own process group, so SIGTERM reaches children of shell wrappers too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return terminate(cmd.Process.Pid)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.fail(bg, job.ID, fmt.Sprintf("opening stdout: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.fail(bg, job.ID, fmt.Sprintf("opening stderr: %v", err))
	}

	slog.InfoContext(ctx, "starting job", "path", proto.Program, "args", proto.Args)
	if err := cmd.Start(); err != nil {
		return r.fail(bg, job.ID, fmt.Sprintf("starting %s: %v", proto.Program, err))
	}
	if err := r.store.WritePID(bg, job.ID, cmd.Process.Pid); err != nil {
		slog.WarnContext(ctx, "can't record pid", "pid", cmd.Process.Pid, "error", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return r.pump(bg, job.ID, stdout, events.KindStdout, r.store.AppendStdout)
	})
	g.Go(func() error {
		return r.pump(bg, job.ID, stderr, events.KindStderr, r.store.AppendStderr)
	})
	pumpErr := g.Wait()
	waitErr := cmd.Wait()
	if err := r.store.RemovePID(bg, job.ID); err != nil {
		slog.WarnContext(ctx, "can't remove pid", "error", err)
	}

	switch {
	case pumpErr != nil:
		return r.fail(bg, job.ID, fmt.Sprintf("storing output: %v", pumpErr))
	case waitErr != nil:
		slog.InfoContext(ctx, "job failed", "error", waitErr)
		return r.terminal(bg, job.ID, model.StatusFatalError, waitErr.Error())
	}

	err = r.store.Finish(bg, job.ID, artifacts(ctx, wd, spec.ExpectedOutputs))
	switch {
	case errors.Is(err, model.ErrConflict):
		current := r.latest(bg, job.ID)
		slog.InfoContext(ctx, "job already terminated", "status", current)
		return current
	case err != nil:
		return r.fail(bg, job.ID, fmt.Sprintf("copying outputs: %v", err))
	}
	slog.InfoContext(ctx, "job finished")
	return model.StatusFinished
}

// pump moves process output to the store chunk by chunk. After a store error
// the rest of the stream is discarded so the process never blocks on a full
// pipe.
func (r *Runner) pump(ctx context.Context, id string, rd io.Reader, kind events.Kind, store func(context.Context, string, []byte) error) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			if serr := store(ctx, id, chunk); serr != nil {
				_, _ = io.Copy(io.Discard, rd)
				return fmt.Errorf("%s: %w", kind, serr)
			}
			r.pub.PublishOutput(id, kind, chunk, time.Now().UTC())
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", kind, err)
		}
	}
}

// artifacts resolves declared outputs in wd. Outputs the program did not
// produce are skipped.
func artifacts(ctx context.Context, wd string, outputs []model.ExpectedOutput) []jobstore.Artifact {
	var ret []jobstore.Artifact
	for _, out := range outputs {
		if !filepath.IsLocal(out.Path) {
			slog.WarnContext(ctx, "output path outside working directory: skipping", "output_id", out.ID, "path", out.Path)
			continue
		}
		src := filepath.Join(wd, out.Path)
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			slog.DebugContext(ctx, "output not produced: skipping", "output_id", out.ID, "path", out.Path)
			continue
		}
		ret = append(ret, jobstore.Artifact{OutputID: out.ID, Source: src})
	}
	return ret
}

// fail records msg on stderr and marks the job FATAL_ERROR.
func (r *Runner) fail(ctx context.Context, id, msg string) model.Status {
	slog.ErrorContext(ctx, "job failed", "reason", msg)
	if current := r.latest(ctx, id); current.Terminal() {
		return current
	}
	line := []byte(msg + "\n")
	if err := r.store.AppendStderr(ctx, id, line); err != nil {
		slog.WarnContext(ctx, "can't append to stderr", "error", err)
	} else {
		r.pub.PublishOutput(id, events.KindStderr, line, time.Now().UTC())
	}
	return r.terminal(ctx, id, model.StatusFatalError, msg)
}

// terminal stores a terminal status unless some other one won the race.
func (r *Runner) terminal(ctx context.Context, id string, status model.Status, msg string) model.Status {
	err := r.store.AppendTimestamp(ctx, id, status, msg)
	if errors.Is(err, model.ErrConflict) {
		return r.latest(ctx, id)
	}
	if err != nil {
		slog.ErrorContext(ctx, "can't store status", "status", status, "error", err)
	}
	return status
}

func (r *Runner) latest(ctx context.Context, id string) model.Status {
	job, err := r.store.Find(ctx, id)
	if err != nil {
		return ""
	}
	return job.LatestStatus()
}

// SignalRecorded sends SIGTERM to the process recorded for job id and
// forgets it. It returns model.ErrNotFound when no process is recorded.
func (r *Runner) SignalRecorded(ctx context.Context, id string) error {
	pid, err := r.store.ReadPID(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.store.RemovePID(ctx, id)
	}()
	if err := terminate(pid); err != nil {
		return fmt.Errorf("signalling process %d: %w", pid, err)
	}
	return nil
}

// terminate sends SIGTERM to the process group led by pid. A group which
// is already gone is not an error.
func terminate(pid int) error {
	err := unix.Kill(-pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
