package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jobd-dev/jobd/internal/jobstore"
	"github.com/jobd-dev/jobd/internal/log"
	"github.com/jobd-dev/jobd/internal/model"
)

var ErrClosed = errors.New("controller closed")

const (
	abortMessage    = "aborted by request"
	shutdownMessage = "aborted by service shutdown"
)

// Executor runs a job to a terminal status.
type Executor interface {
	Execute(ctx context.Context, job model.Job, spec model.Spec) model.Status
	SignalRecorded(ctx context.Context, id string) error
}

type Controller struct {
	store    jobstore.Storage
	executor Executor
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mx      sync.Mutex
	closed  bool
	running map[string]context.CancelFunc
}

type Option func(*Controller)

// WithMaxConcurrent bounds the number of simultaneously running jobs. Jobs
// over the limit stay SUBMITTED until a slot frees up. n <= 0 is unlimited.
func WithMaxConcurrent(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		} else {
			c.sem = nil
		}
	}
}

// New returns a Controller. Executions inherit values, not cancellation,
// from ctx; they end with Close.
func New(ctx context.Context, store jobstore.Storage, executor Executor, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Controller{
		store:    store,
		executor: executor,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit creates the job and starts it in the background. It returns as
// soon as the job is stored, with status SUBMITTED.
func (c *Controller) Submit(ctx context.Context, req model.SubmitRequest) (model.Job, error) {
	if c.isClosed() {
		return model.Job{}, ErrClosed
	}
	job, err := c.store.Create(ctx, req)
	if err != nil {
		return model.Job{}, err
	}
	ctx = log.WithJob(ctx, job)
	slog.InfoContext(ctx, "job submitted", "job_name", job.Name, "owner", job.Owner)

	spec, err := c.store.Spec(ctx, job.ID)
	if err != nil {
		c.reject(ctx, job.ID, fmt.Sprintf("reading spec: %v", err))
		return job, nil
	}

	jobCtx, cancel := context.WithCancel(log.WithJob(c.ctx, job))
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		cancel()
		c.reject(ctx, job.ID, shutdownMessage)
		return job, nil
	}
	c.running[job.ID] = cancel
	c.wg.Go(func() {
		defer c.forget(job.ID)
		defer cancel()
		c.execute(jobCtx, job, spec)
	})
	c.mx.Unlock()

	return job, nil
}

func (c *Controller) execute(ctx context.Context, job model.Job, spec model.Spec) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			slog.InfoContext(ctx, "job cancelled while queued", "error", err)
			return
		}
		defer c.sem.Release(1)
	}

	start := time.Now()
	status := c.executor.Execute(ctx, job, spec)
	slog.InfoContext(ctx, "job done", "status", status, "duration", time.Since(start).String())
}

// reject fails a job which could not be dispatched.
func (c *Controller) reject(ctx context.Context, id, msg string) {
	slog.ErrorContext(ctx, "job not dispatched", "reason", msg)
	if err := c.store.AppendTimestamp(context.WithoutCancel(ctx), id, model.StatusFatalError, msg); err != nil {
		slog.WarnContext(ctx, "can't store status", "error", err)
	}
}

func (c *Controller) forget(id string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	delete(c.running, id)
}

func (c *Controller) isClosed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

// Abort stops an active job. It returns model.ErrNotFound for unknown jobs
// and model.ErrConflict when the job already reached a terminal status,
// including when it did so concurrently with this call.
func (c *Controller) Abort(ctx context.Context, id string) error {
	job, err := c.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if job.LatestStatus().Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.LatestStatus(), model.ErrConflict)
	}
	return c.abort(log.WithJob(ctx, job), id, abortMessage)
}

func (c *Controller) abort(ctx context.Context, id, msg string) error {
	if err := c.store.AppendTimestamp(ctx, id, model.StatusAborted, msg); err != nil {
		return err
	}

	c.mx.Lock()
	cancel, ok := c.running[id]
	c.mx.Unlock()
	if ok {
		cancel()
	} else if err := c.executor.SignalRecorded(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
		slog.WarnContext(ctx, "can't signal recorded process", "error", err)
	}

	slog.InfoContext(ctx, "job aborted", "reason", msg)
	return nil
}

// Delete tombstones a job, aborting it first when it is still active.
func (c *Controller) Delete(ctx context.Context, id string) error {
	job, err := c.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if !job.LatestStatus().Terminal() {
		err := c.abort(ctx, id, abortMessage)
		if err != nil && !errors.Is(err, model.ErrConflict) {
			return err
		}
	}
	return c.store.MarkDeleted(ctx, id)
}

func (c *Controller) Find(ctx context.Context, id string) (model.Job, error) {
	return c.store.Find(ctx, id)
}

func (c *Controller) List(ctx context.Context, page, pageSize int) (model.Page, error) {
	return c.store.List(ctx, page, pageSize)
}

func (c *Controller) Stdout(ctx context.Context, id string) ([]byte, error) {
	return c.store.ReadStdout(ctx, id)
}

func (c *Controller) Stderr(ctx context.Context, id string) ([]byte, error) {
	return c.store.ReadStderr(ctx, id)
}

func (c *Controller) Spec(ctx context.Context, id string) (model.Spec, error) {
	if _, err := c.store.Find(ctx, id); err != nil {
		return model.Spec{}, err
	}
	return c.store.Spec(ctx, id)
}

func (c *Controller) Inputs(ctx context.Context, id string) (model.Inputs, error) {
	if _, err := c.store.Find(ctx, id); err != nil {
		return nil, err
	}
	return c.store.Inputs(ctx, id)
}

func (c *Controller) Outputs(ctx context.Context, id string) ([]model.Output, error) {
	return c.store.ListOutputs(ctx, id)
}

func (c *Controller) OpenOutput(ctx context.Context, id, outputID string) (io.ReadCloser, error) {
	return c.store.OpenOutput(ctx, id, outputID)
}

// View computes which affordances a client gets for job.
func (c *Controller) View(ctx context.Context, job model.Job) (model.View, error) {
	files, err := c.store.Stat(ctx, job.ID)
	if err != nil {
		return model.View{}, err
	}
	return model.NewView(job, files), nil
}

// Close aborts all running jobs and waits until their executions end.
// Submit returns ErrClosed afterwards.
func (c *Controller) Close() {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	c.mx.Unlock()

	for _, id := range ids {
		ctx := log.ContextAttrs(c.ctx, slog.String("job_id", id))
		err := c.abort(ctx, id, shutdownMessage)
		if err != nil && !errors.Is(err, model.ErrConflict) {
			slog.WarnContext(ctx, "can't abort job on shutdown", "error", err)
		}
	}
	c.cancel()
	c.wg.Wait()
}
