// Package manifest loads evaluation job manifests.
//
// A manifest is a YAML or JSON file describing one evaluation run: the
// expression to evaluate and the scheduling, memory, and output knobs that
// would otherwise be flags. Flags given on the command line take precedence
// over manifest values.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Arg is one auto-call argument.
type Arg struct {
	// Name is the formal parameter name.
	Name string `yaml:"name" json:"name"`

	// Expr is an expression argument (--arg).
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`

	// Str is a literal string argument (--argstr).
	Str string `yaml:"str,omitempty" json:"str,omitempty"`
}

// Manifest describes one evaluation run.
type Manifest struct {
	// Expr is the expression reference: a filesystem path, or a flake URI
	// when Flake is set.
	Expr  string `yaml:"expr" json:"expr"`
	Flake bool   `yaml:"flake,omitempty" json:"flake,omitempty"`

	Workers       int    `yaml:"workers,omitempty" json:"workers,omitempty"`
	MaxMemorySize int    `yaml:"maxMemorySize,omitempty" json:"maxMemorySize,omitempty"`
	GCRootsDir    string `yaml:"gcRootsDir,omitempty" json:"gcRootsDir,omitempty"`

	Meta      bool `yaml:"meta,omitempty" json:"meta,omitempty"`
	Impure    bool `yaml:"impure,omitempty" json:"impure,omitempty"`
	ShowTrace bool `yaml:"showTrace,omitempty" json:"showTrace,omitempty"`

	// Select filters emitted leaves by dotted attribute path glob.
	Select []string `yaml:"select,omitempty" json:"select,omitempty"`

	// Args are auto-call arguments applied to the top-level value.
	Args []Arg `yaml:"args,omitempty" json:"args,omitempty"`
}

// Load reads a manifest file. The format is determined by extension:
// .yaml/.yml for YAML, .json for JSON; anything else tries YAML first.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m *Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		m, err = parseJSON(data)
	case ".yaml", ".yml":
		m, err = parseYAML(data)
	default:
		m, err = parseYAML(data)
		if err != nil {
			var jsonErr error
			if m, jsonErr = parseJSON(data); jsonErr != nil {
				return nil, fmt.Errorf("parse manifest (tried YAML and JSON): %w", err)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest yaml: %w", err)
	}
	return &m, nil
}

func parseJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest json: %w", err)
	}
	return &m, nil
}

// Validate checks the manifest for structural problems.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Expr) == "" {
		return fmt.Errorf("manifest: expr is required")
	}
	if m.Workers < 0 {
		return fmt.Errorf("manifest: workers must be >= 1")
	}
	if m.MaxMemorySize < 0 {
		return fmt.Errorf("manifest: maxMemorySize must be positive")
	}
	for _, a := range m.Args {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("manifest: arg name is required")
		}
		if a.Expr != "" && a.Str != "" {
			return fmt.Errorf("manifest: arg %q sets both expr and str", a.Name)
		}
	}
	return nil
}
