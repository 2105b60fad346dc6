// Package statictree is an in-memory eval.Session over a fixture document.
//
// The fixture is a JSON or YAML value describing the forest directly:
//
//   - an object is an attribute set, except when it carries
//     "type": "derivation", which makes it a derivation leaf with the
//     fields name, system, drvPath, outputs, and meta;
//   - an array is a list;
//   - null is a null value;
//   - the object form {"__throw": "msg"} fails with msg when forced;
//   - the object form {"__func": X} is a function that auto-calls to X.
//
// An attribute set with "recurseForDerivations": true is treated the way
// the evaluator treats it: its nested derivations surface as a bundle at
// the set's own path.
//
// statictree backs every package test and the hidden static CLI backend.
package statictree

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/eval"
)

// Session is an in-memory evaluator session.
type Session struct {
	root *node

	// permRoots records the symlinks AddPermRoot created, keyed by root
	// path.
	permRoots map[string]string
}

var _ eval.Session = (*Session)(nil)

type node struct {
	kind eval.Kind

	attrs map[string]*node
	names []string // lexicographic
	list  []*node

	// drv is set when the node is a derivation leaf.
	drv *drvInfo

	// throwMsg makes Force fail.
	throwMsg string

	// fn is the body a function auto-calls to.
	fn *node

	// recurse marks recurseForDerivations = true.
	recurse bool
}

// Load builds a session from a fixture file. The format is chosen by
// extension: .yaml/.yml for YAML, anything else JSON.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAML(data)
	default:
		return FromJSON(data)
	}
}

// FromJSON builds a session from a JSON document.
func FromJSON(data []byte) (*Session, error) {
	var doc any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse fixture json: %w", err)
	}
	root, err := build(doc)
	if err != nil {
		return nil, err
	}
	return &Session{root: root, permRoots: map[string]string{}}, nil
}

// FromYAML builds a session from a YAML document.
func FromYAML(data []byte) (*Session, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fixture yaml: %w", err)
	}
	root, err := build(doc)
	if err != nil {
		return nil, err
	}
	return &Session{root: root, permRoots: map[string]string{}}, nil
}

func build(doc any) (*node, error) {
	switch v := doc.(type) {
	case nil:
		return &node{kind: eval.KindNull}, nil
	case bool:
		return &node{kind: eval.KindBool}, nil
	case string:
		return &node{kind: eval.KindString}, nil
	case json.Number, int, int64, uint64, float64:
		return &node{kind: eval.KindNumber}, nil
	case []any:
		n := &node{kind: eval.KindList}
		for _, item := range v {
			child, err := build(item)
			if err != nil {
				return nil, err
			}
			n.list = append(n.list, child)
		}
		return n, nil
	case map[string]any:
		return buildObject(v)
	case map[any]any:
		// yaml.v3 can produce non-string keys for exotic documents.
		m := make(map[string]any, len(v))
		for k, val := range v {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("fixture attribute name must be a string, got %T", k)
			}
			m[ks] = val
		}
		return buildObject(m)
	default:
		return nil, fmt.Errorf("unsupported fixture value of type %T", doc)
	}
}

func buildObject(obj map[string]any) (*node, error) {
	if msg, ok := obj["__throw"]; ok {
		return &node{kind: eval.KindOther, throwMsg: fmt.Sprint(msg)}, nil
	}
	if body, ok := obj["__func"]; ok {
		inner, err := build(body)
		if err != nil {
			return nil, err
		}
		return &node{kind: eval.KindFunction, fn: inner}, nil
	}
	if t, ok := obj["type"]; ok && t == "derivation" {
		return buildDrv(obj)
	}

	n := &node{kind: eval.KindAttrs, attrs: map[string]*node{}}
	for name, val := range obj {
		if name == "recurseForDerivations" {
			if b, ok := val.(bool); ok && b {
				n.recurse = true
			}
			continue
		}
		child, err := build(val)
		if err != nil {
			return nil, err
		}
		n.attrs[name] = child
		n.names = append(n.names, name)
	}
	sort.Strings(n.names)
	return n, nil
}

func buildDrv(obj map[string]any) (*node, error) {
	d := &drvInfo{
		name:    stringField(obj, "name"),
		system:  stringField(obj, "system"),
		drvPath: stringField(obj, "drvPath"),
		outputs: map[string]string{},
	}
	if outs, ok := obj["outputs"].(map[string]any); ok {
		for name, p := range outs {
			if s, ok := p.(string); ok && s != "" {
				d.outputs[name] = s
			}
		}
	}
	if meta, ok := obj["meta"].(map[string]any); ok {
		d.meta = map[string]json.RawMessage{}
		for name, v := range meta {
			raw, err := json.Marshal(v)
			if err != nil {
				// Non-serializable entries are skipped, matching the
				// evaluator's meta handling.
				continue
			}
			d.meta[name] = raw
			d.metaNames = append(d.metaNames, name)
		}
		sort.Strings(d.metaNames)
	}
	return &node{kind: eval.KindAttrs, drv: d}, nil
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// Root implements eval.Session.
func (s *Session) Root(ctx context.Context) (eval.Value, error) {
	return s.root, nil
}

// Force implements eval.Session. Functions auto-call to their body; throw
// nodes fail with an EvalError.
func (s *Session) Force(ctx context.Context, v eval.Value) (eval.Value, error) {
	n := v.(*node)
	for n.kind == eval.KindFunction && n.fn != nil {
		n = n.fn
	}
	if n.throwMsg != "" {
		return nil, apperrors.Evalf("%s", n.throwMsg)
	}
	return n, nil
}

// Kind implements eval.Session.
func (s *Session) Kind(v eval.Value) eval.Kind {
	return v.(*node).kind
}

// AttrNames implements eval.Session.
func (s *Session) AttrNames(v eval.Value) ([]string, error) {
	n := v.(*node)
	if n.kind != eval.KindAttrs {
		return nil, apperrors.Typef("value is of kind %s, expected attrs", n.kind)
	}
	return append([]string(nil), n.names...), nil
}

// Attr implements eval.Session.
func (s *Session) Attr(v eval.Value, name string) (eval.Value, bool, error) {
	n := v.(*node)
	if n.kind != eval.KindAttrs {
		return nil, false, apperrors.Typef("value is of kind %s, expected attrs", n.kind)
	}
	child, ok := n.attrs[name]
	if !ok {
		return nil, false, nil
	}
	return child, true, nil
}

// ListLen implements eval.Session.
func (s *Session) ListLen(v eval.Value) (int, error) {
	n := v.(*node)
	if n.kind != eval.KindList {
		return 0, apperrors.Typef("value is of kind %s, expected list", n.kind)
	}
	return len(n.list), nil
}

// ListElem implements eval.Session.
func (s *Session) ListElem(v eval.Value, i int) (eval.Value, error) {
	n := v.(*node)
	if n.kind != eval.KindList {
		return nil, apperrors.Typef("value is of kind %s, expected list", n.kind)
	}
	if i < 0 || i >= len(n.list) {
		return nil, apperrors.Evalf("list index %d out of range (length %d)", i, len(n.list))
	}
	return n.list[i], nil
}

// Derivations implements eval.Session. A derivation node yields itself;
// an attrs node marked recurseForDerivations yields its nested derivations;
// everything else yields nothing.
func (s *Session) Derivations(ctx context.Context, v eval.Value) ([]eval.DrvInfo, error) {
	n := v.(*node)
	if n.drv != nil {
		return []eval.DrvInfo{n.drv}, nil
	}
	if n.kind == eval.KindAttrs && n.recurse {
		var out []eval.DrvInfo
		if err := collectRecurse(n, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, nil
}

func collectRecurse(n *node, out *[]eval.DrvInfo) error {
	for _, name := range n.names {
		child := n.attrs[name]
		if child.throwMsg != "" {
			return apperrors.Evalf("%s", child.throwMsg)
		}
		if child.drv != nil {
			*out = append(*out, child.drv)
			continue
		}
		if child.kind == eval.KindAttrs && child.recurse {
			if err := collectRecurse(child, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddPermRoot implements eval.Session. Roots are symlinks; an existing
// entry is left untouched so creation is idempotent.
func (s *Session) AddPermRoot(ctx context.Context, storePath, rootPath string) error {
	if _, err := os.Lstat(rootPath); err == nil {
		return nil
	}
	if err := os.Symlink(storePath, rootPath); err != nil {
		if os.IsExist(err) {
			// Another writer created the entry since the Lstat.
			return nil
		}
		return fmt.Errorf("create gc root: %w", err)
	}
	s.permRoots[rootPath] = storePath
	return nil
}

// PermRoots returns the roots registered through this session, keyed by
// root path.
func (s *Session) PermRoots() map[string]string {
	out := make(map[string]string, len(s.permRoots))
	for k, v := range s.permRoots {
		out[k] = v
	}
	return out
}

// Close implements eval.Session.
func (s *Session) Close() error { return nil }

type drvInfo struct {
	name      string
	system    string
	drvPath   string
	outputs   map[string]string
	meta      map[string]json.RawMessage
	metaNames []string
}

var _ eval.DrvInfo = (*drvInfo)(nil)

func (d *drvInfo) Name() string { return d.name }

func (d *drvInfo) System() string {
	if d.system == "" {
		return "unknown"
	}
	return d.system
}

func (d *drvInfo) DrvPath() (string, error) {
	if d.drvPath == "" {
		return "", apperrors.Evalf("derivation %q has no drv path", d.name)
	}
	return d.drvPath, nil
}

func (d *drvInfo) Outputs() (map[string]string, error) {
	out := make(map[string]string, len(d.outputs))
	for name, p := range d.outputs {
		out[name] = p
	}
	return out, nil
}

func (d *drvInfo) MetaNames() []string {
	return append([]string(nil), d.metaNames...)
}

func (d *drvInfo) Meta(name string) (json.RawMessage, bool) {
	raw, ok := d.meta[name]
	return raw, ok
}
