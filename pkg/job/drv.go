// Package job classifies evaluated values and turns them into work.
//
// A Job is what one accessor path resolves to: a bundle of leaf
// derivations, an attribute-set node, or a list node. Jobs live inside a
// single worker process; only their paths cross the pipe.
package job

import (
	"encoding/json"
	"path/filepath"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/eval"
)

// Drv is an immutable snapshot of one leaf derivation.
type Drv struct {
	Name    string                     `json:"name"`
	System  string                     `json:"system"`
	DrvPath string                     `json:"drvPath"`
	Outputs map[string]string          `json:"outputs"`
	Meta    map[string]json.RawMessage `json:"meta,omitempty"`
}

// FromDrvInfo extracts a Drv from the evaluator. A derivation whose system
// is "unknown" is rejected; outputs appear only when their store path is
// known; metadata is included when withMeta is set, skipping entries the
// evaluator cannot serialize.
func FromDrvInfo(info eval.DrvInfo, withMeta bool) (*Drv, error) {
	system := info.System()
	if system == "unknown" {
		return nil, apperrors.Typef("derivation must have a 'system' attribute")
	}

	drvPath, err := info.DrvPath()
	if err != nil {
		return nil, err
	}

	outputs, err := info.Outputs()
	if err != nil {
		return nil, err
	}

	d := &Drv{
		Name:    info.Name(),
		System:  system,
		DrvPath: drvPath,
		Outputs: outputs,
	}

	if withMeta {
		d.Meta = map[string]json.RawMessage{}
		for _, name := range info.MetaNames() {
			if raw, ok := info.Meta(name); ok {
				d.Meta[name] = raw
			}
		}
	}

	return d, nil
}

// RootName returns the GC-root entry name for this derivation: the basename
// of its drv path.
func (d *Drv) RootName() string {
	return filepath.Base(d.DrvPath)
}
