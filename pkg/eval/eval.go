// Package eval defines the boundary to the expression evaluator.
//
// The scheduler and worker never see evaluator internals; they hold opaque
// Values and operate through a Session. Two backends implement the
// interface: nixexec drives the system `nix` CLI, and statictree evaluates
// an in-memory fixture tree (used by tests and the hidden static backend).
package eval

import (
	"context"
	"encoding/json"
)

// Kind classifies a forced value.
type Kind string

const (
	KindAttrs    Kind = "attrs"
	KindList     Kind = "list"
	KindNull     Kind = "null"
	KindString   Kind = "string"
	KindNumber   Kind = "number"
	KindBool     Kind = "bool"
	KindFunction Kind = "function"
	KindOther    Kind = "other"
)

// Value is an opaque handle to an evaluator value. Values are only
// meaningful to the Session that produced them and never cross a process
// boundary; jobs travel as accessor paths instead.
type Value interface{}

// Arg is one auto-call argument supplied on the command line. Str
// distinguishes --argstr (a literal string) from --arg (an expression).
type Arg struct {
	Name  string
	Value string
	Str   bool
}

// Options select and parameterize the top-level expression.
type Options struct {
	// Expr is a filesystem path, or a flake reference with optional
	// fragment when Flake is set.
	Expr  string
	Flake bool

	// Impure allows access to the ambient environment during evaluation.
	// Flake evaluation defaults to pure.
	Impure bool

	// ShowTrace includes an evaluator backtrace in error messages.
	ShowTrace bool

	// Args are auto-call arguments applied to the top-level value.
	Args []Arg
}

// Session is an open evaluator with a store connection and a top-level
// value. A Session lives inside exactly one worker process.
type Session interface {
	// Root returns the top-level value, already auto-called with the
	// session's arguments.
	Root(ctx context.Context) (Value, error)

	// Force applies default function arguments and reduces v to weak head
	// normal form.
	Force(ctx context.Context, v Value) (Value, error)

	// Kind reports the kind of a forced value.
	Kind(v Value) Kind

	// AttrNames enumerates the attribute names of an attrs value in
	// lexicographic order.
	AttrNames(v Value) ([]string, error)

	// Attr returns the attribute with the exact byte sequence name. The
	// second result is false when no such attribute exists.
	Attr(v Value, name string) (Value, bool, error)

	// ListLen reports the length of a list value.
	ListLen(v Value) (int, error)

	// ListElem returns the i-th element of a list value, zero-based.
	ListElem(v Value, i int) (Value, error)

	// Derivations returns the leaf derivations rooted at v: v itself when
	// it is a derivation, or the nested derivations of an attribute set
	// marked recurseForDerivations. A plain attrs or list value yields an
	// empty slice.
	Derivations(ctx context.Context, v Value) ([]DrvInfo, error)

	// AddPermRoot registers a permanent indirect GC root at rootPath for
	// the given store path.
	AddPermRoot(ctx context.Context, storePath, rootPath string) error

	// Close releases the store connection.
	Close() error
}

// DrvInfo is the evaluator's view of one derivation.
type DrvInfo interface {
	// Name is the derivation name.
	Name() string

	// System is the system tuple, or "unknown" when the derivation does
	// not declare one.
	System() string

	// DrvPath returns the store path of the .drv file. The path is
	// required: an error means the derivation cannot be instantiated.
	DrvPath() (string, error)

	// Outputs maps output names to store paths. Outputs whose store path
	// is not known are absent from the map.
	Outputs() (map[string]string, error)

	// MetaNames enumerates declared metadata attribute names.
	MetaNames() []string

	// Meta returns one metadata entry as JSON. The second result is false
	// for entries that cannot be serialized.
	Meta(name string) (json.RawMessage, bool)
}
