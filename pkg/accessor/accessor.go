// Package accessor addresses nodes in an evaluated expression forest.
//
// An Accessor is one step into a value: an attribute name in an attribute
// set, or an index into a list. An ordered sequence of accessors (a Path)
// names any node of the forest uniquely; the empty path names the root.
//
// Paths are the only job identity that crosses a process boundary. The JSON
// form is deliberately plain: an integer encodes an Index, a string encodes
// a Name, and a path is a JSON array of those.
package accessor

import (
	"encoding/json"
	"strconv"
	"strings"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
)

// Accessor is one step into a value: Index or Name. The type is a closed
// sum; the two variants are the only implementations.
type Accessor interface {
	// ToJSON returns the wire form: a JSON number for Index, a JSON string
	// for Name.
	ToJSON() json.RawMessage

	// Handle dispatches to the per-variant continuation.
	Handle(h Handlers)

	sealed()
}

// Handlers is the per-variant continuation record for Accessor dispatch.
// Nil fields are skipped.
type Handlers struct {
	Index func(Index)
	Name  func(Name)
}

// Index is a zero-based position in a list value.
type Index uint64

func (i Index) ToJSON() json.RawMessage {
	return json.RawMessage(strconv.FormatUint(uint64(i), 10))
}

func (i Index) Handle(h Handlers) {
	if h.Index != nil {
		h.Index(i)
	}
}

func (Index) sealed() {}

// Name is an attribute name in an attribute-set value. The exact byte
// sequence is used for attribute lookup; a Name is never empty.
type Name string

func (n Name) ToJSON() json.RawMessage {
	b, _ := json.Marshal(string(n))
	return b
}

func (n Name) Handle(h Handlers) {
	if h.Name != nil {
		h.Name(n)
	}
}

func (Name) sealed() {}

// Parse decodes a single accessor from its JSON form. A value that parses
// as a non-negative integer is an Index; a non-empty string is a Name.
// Anything else is a TypeError.
func Parse(raw json.RawMessage) (Accessor, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, apperrors.Typef("could not make an accessor out of json: %s", string(raw))
	}

	switch t := v.(type) {
	case json.Number:
		i, err := strconv.ParseUint(t.String(), 10, 64)
		if err != nil {
			return nil, apperrors.Typef("could not make an index out of json: %s", string(raw))
		}
		return Index(i), nil
	case string:
		if t == "" {
			return nil, apperrors.Typef("empty attribute name")
		}
		return Name(t), nil
	default:
		return nil, apperrors.Typef("could not make an accessor out of json: %s", string(raw))
	}
}
