package model

import (
	"context"
	"io"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service   `json:"service" yaml:"service"`
	Workspace Workspace `json:"workspace" yaml:"workspace"`
	Jobs      Jobs      `json:"jobs" yaml:"jobs"`
}

type Service struct {
	Listen  string `json:"listen" yaml:"listen"`
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// Workspace directories. Relative paths are resolved against the config file.
type Workspace struct {
	Specs string `json:"specs" yaml:"specs"`
	Jobs  string `json:"jobs" yaml:"jobs"`
	Wds   string `json:"wds" yaml:"wds"`
}

type Jobs struct {
	PageSize      int    `json:"pageSize" yaml:"pageSize"`
	MaxConcurrent int    `json:"maxConcurrent" yaml:"maxConcurrent"` // 0 is unlimited
	Guest         string `json:"guest" yaml:"guest"`
}

// DefaultConfig is written when no config file is found.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Listen: ":8080",
			Log:    LogStderr,
		},
		Workspace: Workspace{
			Specs: "specs",
			Jobs:  "jobs",
			Wds:   "wds",
		},
		Jobs: Jobs{
			PageSize: 50,
			Guest:    GuestOwner,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// Resolve makes relative workspace paths relative to dir.
func (w Workspace) Resolve(dir string) Workspace {
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	return Workspace{
		Specs: abs(w.Specs),
		Jobs:  abs(w.Jobs),
		Wds:   abs(w.Wds),
	}
}
