// Package specs reads job specs from a directory tree laid out as
// <dir>/<spec id>/spec.yml. Specs are read fresh on every access, so edits
// on disk are visible without a restart.
package specs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jobd-dev/jobd/internal/model"
)

const fileName = "spec.yml"

// Repository is the read side of specs used by the job store and HTTP layer.
type Repository interface {
	Find(ctx context.Context, id string) (model.Spec, error)
	List(ctx context.Context) ([]model.Spec, error)
}

type FS struct {
	dir string
}

func NewFS(dir string) FS {
	return FS{dir: dir}
}

// Find returns model.ErrNotFound when no readable spec.yml exists for id.
func (r FS) Find(_ context.Context, id string) (model.Spec, error) {
	if !validID(id) {
		return model.Spec{}, fmt.Errorf("spec %q: %w", id, model.ErrNotFound)
	}
	f, err := os.Open(filepath.Join(r.dir, id, fileName))
	if errors.Is(err, fs.ErrNotExist) {
		return model.Spec{}, fmt.Errorf("spec %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Spec{}, fmt.Errorf("opening spec %q: %w", id, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var spec model.Spec
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return model.Spec{}, fmt.Errorf("parsing spec %q: %w", id, err)
	}
	spec.ID = id
	if err := validate(spec); err != nil {
		return model.Spec{}, fmt.Errorf("spec %q: %w", id, err)
	}
	return spec, nil
}

// List returns all parseable specs sorted by id. Broken specs are logged and
// skipped.
func (r FS) List(ctx context.Context) ([]model.Spec, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing specs: %w", err)
	}

	var ret []model.Spec
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		spec, err := r.Find(ctx, e.Name())
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.WarnContext(ctx, "ignoring broken spec", "spec_id", e.Name(), "error", err)
			continue
		}
		ret = append(ret, spec)
	}
	slices.SortFunc(ret, func(a, b model.Spec) int {
		return strings.Compare(a.ID, b.ID)
	})
	return ret, nil
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func validate(spec model.Spec) error {
	if spec.Execution.Application == "" {
		return errors.New("execution.application is empty")
	}
	seen := make(map[string]struct{}, len(spec.ExpectedInputs))
	for _, in := range spec.ExpectedInputs {
		if in.ID == "" {
			return errors.New("expected input without id")
		}
		if _, ok := seen[in.ID]; ok {
			return fmt.Errorf("duplicate expected input %q", in.ID)
		}
		seen[in.ID] = struct{}{}
	}
	outs := make(map[string]struct{}, len(spec.ExpectedOutputs))
	for _, out := range spec.ExpectedOutputs {
		if !validID(out.ID) {
			return fmt.Errorf("invalid expected output id %q", out.ID)
		}
		if out.Path == "" {
			return fmt.Errorf("expected output %q has no path", out.ID)
		}
		if _, ok := outs[out.ID]; ok {
			return fmt.Errorf("duplicate expected output %q", out.ID)
		}
		outs[out.ID] = struct{}{}
	}
	return nil
}
