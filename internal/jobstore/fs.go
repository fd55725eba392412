package jobstore

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobd-dev/jobd/internal/events"
	"github.com/jobd-dev/jobd/internal/model"
	"github.com/jobd-dev/jobd/internal/parallel"
	"github.com/jobd-dev/jobd/internal/specs"
)

const (
	jobFile     = "job.json"
	specFile    = "spec.json"
	inputsFile  = "inputs.json"
	stdoutFile  = "stdout"
	stderrFile  = "stderr"
	pidFile     = ".pid"
	deletedFile = ".deleted"
	outputsDir  = "outputs"

	defaultPageSize = 50
	loadLimit       = 16
)

// FS keeps every job in its own directory below a root:
//
//	<root>/<id>/job.json      metadata, rewritten atomically
//	<root>/<id>/spec.json     resolved spec at creation time
//	<root>/<id>/inputs.json   raw inputs
//	<root>/<id>/stdout
//	<root>/<id>/stderr
//	<root>/<id>/.pid          present while a process is attached
//	<root>/<id>/outputs/<id>  copied artifacts
//	<root>/<id>/.deleted      tombstone
type FS struct {
	dir      string
	root     *os.Root
	specs    specs.Repository
	pageSize int
	guest    string
	now      func() time.Time
	pub      events.Publisher

	locksMx sync.Mutex
	locks   map[string]*jobLock
}

// jobLock is dropped from FS.locks once nobody holds or waits for it.
type jobLock struct {
	mx   sync.Mutex
	refs int
}

// Artifact is a produced file or directory to be kept as output OutputID.
type Artifact struct {
	OutputID string
	Source   string
}

var _ Storage = (*FS)(nil)

type Option func(*FS)

// WithPageSize sets the page size used when List gets pageSize <= 0.
func WithPageSize(n int) Option {
	return func(s *FS) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithGuest sets the owner of jobs submitted without one.
func WithGuest(owner string) Option {
	return func(s *FS) {
		if owner != "" {
			s.guest = owner
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *FS) {
		s.now = now
	}
}

// WithEvents publishes every stored status to pub while the job is still
// locked, so subscribers see statuses in the order they were recorded.
func WithEvents(pub events.Publisher) Option {
	return func(s *FS) {
		if pub != nil {
			s.pub = pub
		}
	}
}

// NewFS opens, creating if needed, the jobs directory dir.
func NewFS(dir string, repo specs.Repository, opts ...Option) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating jobs dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening jobs dir: %w", err)
	}
	s := &FS{
		dir:      dir,
		root:     root,
		specs:    repo,
		pageSize: defaultPageSize,
		guest:    model.GuestOwner,
		now:      time.Now,
		pub:      events.Nop{},
		locks:    make(map[string]*jobLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FS) Close() error {
	return s.root.Close()
}

func (s *FS) lock(id string) func() {
	s.locksMx.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &jobLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMx.Unlock()

	l.mx.Lock()
	return func() {
		l.mx.Unlock()
		s.locksMx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMx.Unlock()
	}
}

// Create resolves the spec, then writes the snapshots and finally the
// metadata record. Nothing is left behind when the spec is not found. The
// error then wraps model.ErrInvalidSpec only, never model.ErrNotFound.
func (s *FS) Create(ctx context.Context, req model.SubmitRequest) (model.Job, error) {
	spec, err := s.specs.Find(ctx, req.Spec)
	if err != nil {
		return model.Job{}, fmt.Errorf("%w: %q: %v", model.ErrInvalidSpec, req.Spec, err)
	}

	job := model.Job{
		ID:    uuid.NewString(),
		Name:  cmp.Or(strings.TrimSpace(req.Name), spec.Name, spec.ID),
		Owner: cmp.Or(req.Owner, s.guest),
		Spec:  spec.ID,
		Timestamps: []model.Timestamp{
			{Status: model.StatusSubmitted, Time: s.now().UTC()},
		},
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = model.Inputs{}
	}

	unlock := s.lock(job.ID)
	defer unlock()
	if err := s.root.Mkdir(job.ID, 0o755); err != nil {
		return model.Job{}, fmt.Errorf("creating job dir: %w", err)
	}
	err = errors.Join(
		s.writeJSON(job.ID, specFile, spec),
		s.writeJSON(job.ID, inputsFile, inputs),
	)
	if err == nil {
		err = s.writeJSON(job.ID, jobFile, job)
	}
	if err != nil {
		_ = s.root.RemoveAll(job.ID)
		return model.Job{}, fmt.Errorf("writing job %s: %w", job.ID, err)
	}
	s.pub.PublishStatus(job.ID, model.StatusSubmitted, job.LatestTime())
	return job, nil
}

// Find returns model.ErrNotFound for unknown and deleted jobs.
func (s *FS) Find(_ context.Context, id string) (model.Job, error) {
	if err := s.visible(id); err != nil {
		return model.Job{}, err
	}
	return s.readJob(id)
}

// List returns jobs ordered by the time of their latest timestamp, newest
// first, ties broken by id. Pages are 1-based.
func (s *FS) List(ctx context.Context, page, pageSize int) (model.Page, error) {
	page = max(page, 1)
	if pageSize <= 0 {
		pageSize = s.pageSize
	}

	entries, err := fs.ReadDir(s.root.FS(), ".")
	if err != nil {
		return model.Page{}, fmt.Errorf("listing jobs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && uuid.Validate(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}

	loaded, err := parallel.Map(ctx, loadLimit, ids, func(_ context.Context, id string) (*model.Job, error) {
		if s.visible(id) != nil {
			return nil, nil
		}
		job, err := s.readJob(id)
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &job, nil
	})
	if err != nil {
		return model.Page{}, err
	}
	jobs := parallel.Filter(loaded, func(j *model.Job) bool { return j != nil })

	slices.SortFunc(jobs, func(a, b *model.Job) int {
		if c := b.LatestTime().Compare(a.LatestTime()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	ret := model.Page{
		Items:    []model.Job{},
		Total:    len(jobs),
		Page:     page,
		PageSize: pageSize,
	}
	start := (page - 1) * pageSize
	if start >= len(jobs) || start < 0 {
		return ret, nil
	}
	end := min(start+pageSize, len(jobs))
	for _, j := range jobs[start:end] {
		ret.Items = append(ret.Items, *j)
	}
	return ret, nil
}

// AppendTimestamp records a status transition. A missing job is ignored;
// a transition the state machine does not allow, most notably anything
// after a terminal status, returns model.ErrConflict.
func (s *FS) AppendTimestamp(_ context.Context, id string, status model.Status, message string) error {
	unlock := s.lock(id)
	defer unlock()

	job, err := s.readJob(id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := checkTransition(job, status); err != nil {
		return err
	}
	return s.record(job, status, message)
}

// Finish copies the artifacts into the outputs area and records FINISHED,
// both under the job lock. When the job is already terminal nothing is
// copied and model.ErrConflict is returned. A failed copy removes whatever
// was copied and leaves the status alone.
func (s *FS) Finish(_ context.Context, id string, artifacts []Artifact) error {
	unlock := s.lock(id)
	defer unlock()

	job, err := s.readJob(id)
	if err != nil {
		return err
	}
	if err := checkTransition(job, model.StatusFinished); err != nil {
		return err
	}
	for _, a := range artifacts {
		if err := s.writeArtifact(id, a.OutputID, a.Source); err != nil {
			_ = s.root.RemoveAll(path.Join(id, outputsDir))
			return err
		}
	}
	return s.record(job, model.StatusFinished, "")
}

func checkTransition(job model.Job, status model.Status) error {
	latest := job.LatestStatus()
	if !latest.CanTransitionTo(status) {
		return fmt.Errorf("job %s: %s -> %s: %w", job.ID, latest, status, model.ErrConflict)
	}
	return nil
}

// record appends a timestamp and publishes it. The caller holds the lock.
func (s *FS) record(job model.Job, status model.Status, message string) error {
	ts := model.Timestamp{
		Status:  status,
		Time:    s.now().UTC(),
		Message: message,
	}
	job.Timestamps = append(job.Timestamps, ts)
	if err := s.writeJSON(job.ID, jobFile, job); err != nil {
		return err
	}
	s.pub.PublishStatus(job.ID, ts.Status, ts.Time)
	return nil
}

// MarkDeleted writes a tombstone. Deleting twice is fine.
func (s *FS) MarkDeleted(_ context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	if _, err := s.readJob(id); err != nil {
		return err
	}
	return s.root.WriteFile(path.Join(id, deletedFile), nil, 0o644)
}

func (s *FS) Spec(_ context.Context, id string) (model.Spec, error) {
	var spec model.Spec
	err := s.readJSON(id, specFile, &spec)
	return spec, err
}

func (s *FS) Inputs(_ context.Context, id string) (model.Inputs, error) {
	inputs := model.Inputs{}
	err := s.readJSON(id, inputsFile, &inputs)
	return inputs, err
}

func (s *FS) Stat(ctx context.Context, id string) (model.Files, error) {
	if err := s.visible(id); err != nil {
		return model.Files{}, err
	}
	var files model.Files
	var err error
	if files.StdoutSize, err = s.size(id, stdoutFile); err != nil {
		return model.Files{}, err
	}
	if files.StderrSize, err = s.size(id, stderrFile); err != nil {
		return model.Files{}, err
	}
	if files.Outputs, err = s.ListOutputs(ctx, id); err != nil {
		return model.Files{}, err
	}
	return files, nil
}

func (s *FS) ReadStdout(_ context.Context, id string) ([]byte, error) {
	return s.readOptional(id, stdoutFile)
}

func (s *FS) ReadStderr(_ context.Context, id string) ([]byte, error) {
	return s.readOptional(id, stderrFile)
}

func (s *FS) AppendStdout(_ context.Context, id string, chunk []byte) error {
	return s.append(id, stdoutFile, chunk)
}

func (s *FS) AppendStderr(_ context.Context, id string, chunk []byte) error {
	return s.append(id, stderrFile, chunk)
}

// WriteOutputArtifact copies the file or directory tree at sourcePath into
// the job's outputs area under outputID.
func (s *FS) WriteOutputArtifact(_ context.Context, id, outputID, sourcePath string) error {
	unlock := s.lock(id)
	defer unlock()

	if _, err := s.readJob(id); err != nil {
		return err
	}
	return s.writeArtifact(id, outputID, sourcePath)
}

func (s *FS) writeArtifact(id, outputID, sourcePath string) error {
	if !validName(outputID) {
		return fmt.Errorf("output %q: invalid id", outputID)
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("output %q: %w", outputID, err)
	}
	if err := s.root.MkdirAll(path.Join(id, outputsDir), 0o755); err != nil {
		return fmt.Errorf("creating outputs dir: %w", err)
	}
	if info.IsDir() {
		dst := filepath.Join(s.dir, id, outputsDir, outputID)
		if err := os.CopyFS(dst, os.DirFS(sourcePath)); err != nil {
			return fmt.Errorf("copying output %q: %w", outputID, err)
		}
		return nil
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("output %q: %w", outputID, err)
	}
	defer func() {
		_ = src.Close()
	}()
	dst, err := s.root.OpenFile(path.Join(id, outputsDir, outputID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating output %q: %w", outputID, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copying output %q: %w", outputID, err)
	}
	return dst.Close()
}

// ListOutputs returns the copied artifacts sorted by id.
func (s *FS) ListOutputs(_ context.Context, id string) ([]model.Output, error) {
	if err := s.visible(id); err != nil {
		return nil, err
	}
	dir := path.Join(id, outputsDir)
	entries, err := fs.ReadDir(s.root.FS(), dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.Output{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}
	ret := make([]model.Output, 0, len(entries))
	for _, e := range entries {
		size, err := treeSize(s.root.FS(), path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", e.Name(), err)
		}
		ret = append(ret, model.Output{ID: e.Name(), Size: size})
	}
	return ret, nil
}

// OpenOutput opens a file artifact. Directory artifacts are listed by
// ListOutputs but can't be opened.
func (s *FS) OpenOutput(_ context.Context, id, outputID string) (io.ReadCloser, error) {
	if err := s.visible(id); err != nil {
		return nil, err
	}
	if !validName(outputID) {
		return nil, fmt.Errorf("output %q: %w", outputID, model.ErrNotFound)
	}
	f, err := s.root.Open(path.Join(id, outputsDir, outputID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("output %q: %w", outputID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("output %q: %w", outputID, model.ErrNotFound)
	}
	return f, nil
}

func (s *FS) WritePID(_ context.Context, id string, pid int) error {
	return s.root.WriteFile(path.Join(id, pidFile), []byte(strconv.Itoa(pid)), 0o644)
}

// ReadPID returns model.ErrNotFound when no process is recorded.
func (s *FS) ReadPID(_ context.Context, id string) (int, error) {
	if !validName(id) {
		return 0, model.ErrNotFound
	}
	b, err := s.root.ReadFile(path.Join(id, pidFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("pid of %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("pid of %s: %w", id, err)
	}
	return pid, nil
}

func (s *FS) RemovePID(_ context.Context, id string) error {
	err := s.root.Remove(path.Join(id, pidFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FS) visible(id string) error {
	if !validName(id) || uuid.Validate(id) != nil {
		return fmt.Errorf("job %q: %w", id, model.ErrNotFound)
	}
	_, err := s.root.Stat(path.Join(id, deletedFile))
	if err == nil {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FS) readJob(id string) (model.Job, error) {
	var job model.Job
	if err := s.readJSON(id, jobFile, &job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

func (s *FS) readJSON(id, name string, v any) error {
	if !validName(id) {
		return fmt.Errorf("job %q: %w", id, model.ErrNotFound)
	}
	b, err := s.root.ReadFile(path.Join(id, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading %s of %s: %w", name, id, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding %s of %s: %w", name, id, err)
	}
	return nil
}

// writeJSON replaces name through a temporary file and rename, so readers
// never see a partial record.
func (s *FS) writeJSON(id, name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	tmp := path.Join(id, "."+name+".tmp")
	if err := s.root.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := s.root.Rename(tmp, path.Join(id, name)); err != nil {
		_ = s.root.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	return nil
}

func (s *FS) readOptional(id, name string) ([]byte, error) {
	if err := s.visible(id); err != nil {
		return nil, err
	}
	b, err := s.root.ReadFile(path.Join(id, name))
	if errors.Is(err, fs.ErrNotExist) {
		if _, err := s.readJob(id); err != nil {
			return nil, err
		}
		return []byte{}, nil
	}
	return b, err
}

func (s *FS) append(id, name string, chunk []byte) error {
	if !validName(id) {
		return fmt.Errorf("job %q: %w", id, model.ErrNotFound)
	}
	unlock := s.lock(id)
	defer unlock()
	f, err := s.root.OpenFile(path.Join(id, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s of %s: %w", name, id, err)
	}
	if _, err := f.Write(chunk); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending %s of %s: %w", name, id, err)
	}
	return f.Close()
}

func (s *FS) size(id, name string) (int64, error) {
	info, err := s.root.Stat(path.Join(id, name))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func treeSize(fsys fs.FS, root string) (int64, error) {
	var total int64
	err := fs.WalkDir(fsys, root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
