// Package buildfile loads task declarations from forge.toml or forge.yaml and
// turns them into a sealed task graph.
//
// A build file has an optional [settings] table and a [tasks] table keyed by
// task id. Ids are path-like (":app:compile"); a leading colon is added when
// missing, so [tasks.test] declares ":test".
package buildfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/flexinfer/forge/internal/action"
	"github.com/flexinfer/forge/internal/graph"
	"github.com/flexinfer/forge/internal/validator"
)

// Supported formats.
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// DefaultNames are the file names Find looks for, in order.
var DefaultNames = []string{"forge.toml", "forge.yaml", "forge.yml"}

// ErrNotFound is returned by Find when no build file exists.
var ErrNotFound = errors.New("no build file found")

// Settings override configuration defaults for one project. Unset fields
// leave the defaults alone.
type Settings struct {
	Parallelism     *int   `json:"parallelism,omitempty"`
	FailFast        *bool  `json:"fail_fast,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	StateStore      string `json:"state_store,omitempty"`
	ResourceTimeout string `json:"resource_timeout,omitempty"`
	ResourceRetries *int   `json:"resource_retries,omitempty"`
	ResourcePolicy  string `json:"resource_policy,omitempty"`
	RetryBackoff    string `json:"retry_backoff,omitempty"`
}

// Copy declares a copy task.
type Copy struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TaskSpec is one declared task. At most one of Command, Run and Copy is
// set; a task with none of them only groups its dependencies.
type TaskSpec struct {
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Run         string            `json:"run,omitempty"`
	Copy        *Copy             `json:"copy,omitempty"`
	Inputs      []string          `json:"inputs,omitempty"`
	Outputs     []string          `json:"outputs,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Resources   []string          `json:"resources,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Dir         string            `json:"dir,omitempty"`
	AlwaysRun   bool              `json:"always_run,omitempty"`
	Retries     int               `json:"retries,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
}

// File is a decoded build file.
type File struct {
	// Path is the file the declarations were read from, if any.
	Path string `json:"-"`

	Settings Settings            `json:"settings"`
	Tasks    map[string]TaskSpec `json:"tasks"`
}

// Find returns the first default build file in dir.
func Find(dir string) (string, error) {
	for _, name := range DefaultNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s (looked for %s)", ErrNotFound, dir, strings.Join(DefaultNames, ", "))
}

// FormatOf infers the format from a file extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported build file extension %q", filepath.Ext(path))
	}
}

// Load reads, validates and decodes the build file at path.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build file: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Normalize decodes build file contents and re-encodes them as JSON, the
// form the schema validates. Values are not validated.
func Normalize(data []byte, format string) ([]byte, error) {
	var doc map[string]interface{}
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported build file format %q", format)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize build file: %w", err)
	}
	return raw, nil
}

// Parse validates and decodes build file contents.
func Parse(data []byte, format string) (*File, error) {
	raw, err := Normalize(data, format)
	if err != nil {
		return nil, err
	}
	v, err := validator.New()
	if err != nil {
		return nil, err
	}
	if err := v.ValidateBuildFileJSON(raw).Err(); err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode build file: %w", err)
	}
	return &f, nil
}

// NormalizeID adds the leading colon of a task path when it is missing.
func NormalizeID(id string) string {
	if id == "" || strings.HasPrefix(id, ":") {
		return id
	}
	return ":" + id
}

// IDs returns the normalized task ids, sorted.
func (f *File) IDs() []string {
	ids := make([]string, 0, len(f.Tasks))
	for key := range f.Tasks {
		ids = append(ids, NormalizeID(key))
	}
	sort.Strings(ids)
	return ids
}

// Graph builds and seals the task graph. A dependency cycle is reported as
// a *graph.CycleError before anything can run.
func (f *File) Graph() (*graph.Graph, error) {
	keys := make([]string, 0, len(f.Tasks))
	for key := range f.Tasks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return NormalizeID(keys[i]) < NormalizeID(keys[j]) })

	g := graph.New()
	for _, key := range keys {
		node, err := f.node(key, f.Tasks[key])
		if err != nil {
			return nil, err
		}
		preds := make([]string, 0, len(f.Tasks[key].DependsOn))
		for _, dep := range f.Tasks[key].DependsOn {
			preds = append(preds, NormalizeID(dep))
		}
		if err := g.AddNode(node, preds...); err != nil {
			return nil, fmt.Errorf("task %s: %w", node.ID, err)
		}
	}
	if err := g.Seal(); err != nil {
		return nil, err
	}
	return g, nil
}

func (f *File) node(key string, spec TaskSpec) (*graph.Node, error) {
	id := NormalizeID(key)
	act, err := spec.action()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	var timeout time.Duration
	if spec.Timeout != "" {
		if timeout, err = time.ParseDuration(spec.Timeout); err != nil {
			return nil, fmt.Errorf("task %s: timeout: %w", id, err)
		}
	}
	return &graph.Node{
		ID:          id,
		Name:        spec.Name,
		Description: spec.Description,
		Action:      act,
		Resources:   spec.Resources,
		AlwaysRun:   spec.AlwaysRun,
		Retries:     spec.Retries,
		Timeout:     timeout,
	}, nil
}

func (spec TaskSpec) action() (action.Action, error) {
	switch {
	case len(spec.Command) > 0:
		return &action.ExecAction{
			Command: spec.Command,
			Env:     spec.Env,
			Dir:     spec.Dir,
			Inputs:  spec.Inputs,
			Outputs: spec.Outputs,
		}, nil
	case spec.Run != "":
		a := action.Shell(spec.Run)
		a.Env = spec.Env
		a.Dir = spec.Dir
		a.Inputs = spec.Inputs
		a.Outputs = spec.Outputs
		return a, nil
	case spec.Copy != nil:
		if len(spec.Inputs) > 0 || len(spec.Outputs) > 0 {
			return nil, errors.New("copy tasks declare their files with from and to")
		}
		return &action.CopyAction{From: spec.Copy.From, To: spec.Copy.To}, nil
	default:
		return &action.NoopAction{Inputs: spec.Inputs, Outputs: spec.Outputs}, nil
	}
}
