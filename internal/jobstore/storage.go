// Package jobstore persists jobs, their snapshots and their output.
package jobstore

import (
	"context"
	"io"

	"github.com/jobd-dev/jobd/internal/model"
)

// Storage defines the persistence layer for jobs.
type Storage interface {
	// Job lifecycle
	Create(ctx context.Context, req model.SubmitRequest) (model.Job, error)
	AppendTimestamp(ctx context.Context, id string, status model.Status, message string) error
	Finish(ctx context.Context, id string, artifacts []Artifact) error
	MarkDeleted(ctx context.Context, id string) error

	// Queries
	Find(ctx context.Context, id string) (model.Job, error)
	List(ctx context.Context, page, pageSize int) (model.Page, error)
	Spec(ctx context.Context, id string) (model.Spec, error)
	Inputs(ctx context.Context, id string) (model.Inputs, error)
	Stat(ctx context.Context, id string) (model.Files, error)

	// Output
	ReadStdout(ctx context.Context, id string) ([]byte, error)
	ReadStderr(ctx context.Context, id string) ([]byte, error)
	AppendStdout(ctx context.Context, id string, chunk []byte) error
	AppendStderr(ctx context.Context, id string, chunk []byte) error
	WriteOutputArtifact(ctx context.Context, id, outputID, sourcePath string) error
	ListOutputs(ctx context.Context, id string) ([]model.Output, error)
	OpenOutput(ctx context.Context, id, outputID string) (io.ReadCloser, error)

	// Process identity
	WritePID(ctx context.Context, id string, pid int) error
	ReadPID(ctx context.Context, id string) (int, error)
	RemovePID(ctx context.Context, id string) error
}
