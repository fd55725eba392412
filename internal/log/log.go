package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/jobd-dev/jobd/internal/model"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	} else {
		a = append([]slog.Attr(nil), a...)
	}
	a = append(a, attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// WithJob tags every record logged with ctx with the job and spec ids.
func WithJob(ctx context.Context, job model.Job) context.Context {
	return ContextAttrs(ctx,
		slog.String("job_id", job.ID),
		slog.String("spec_id", job.Spec),
	)
}

// New returns a JSON logger writing to w.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Output opens the destination named by service.log. Anything other than
// stderr, stdout or discard is a file path opened for appending.
func Output(dest string) (io.WriteCloser, error) {
	switch dest {
	case "", model.LogStderr:
		return nopCloser{os.Stderr}, nil
	case model.LogStdout:
		return nopCloser{os.Stdout}, nil
	case model.LogDiscard:
		return nopCloser{io.Discard}, nil
	}
	return os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
