package accessor

import (
	"encoding/json"
	"strings"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
)

// Path is an ordered sequence of accessors. The empty path denotes the
// root. Paths are value-like: Append copies, and Key returns a canonical
// string usable as a map key, so equality is structural.
type Path []Accessor

// ParsePath decodes a path from its JSON form, a JSON array of accessors.
func ParsePath(s []byte) (Path, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(s, &raws); err != nil {
		return nil, apperrors.Typef("could not make an accessor path out of json, expected a list of accessors: %s", string(s))
	}

	p := make(Path, 0, len(raws))
	for _, raw := range raws {
		a, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		p = append(p, a)
	}
	return p, nil
}

// ToJSON returns the wire form: a JSON array of accessor encodings.
func (p Path) ToJSON() json.RawMessage {
	var b strings.Builder
	b.WriteByte('[')
	for i, a := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(a.ToJSON())
	}
	b.WriteByte(']')
	return json.RawMessage(b.String())
}

// MarshalJSON implements json.Marshaler.
func (p Path) MarshalJSON() ([]byte, error) {
	return p.ToJSON(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Path) UnmarshalJSON(b []byte) error {
	parsed, err := ParsePath(b)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Key returns the canonical JSON encoding of the path. Two paths are equal
// exactly when their keys are equal, which makes Key suitable for map and
// set membership.
func (p Path) Key() string {
	return string(p.ToJSON())
}

// Append returns a new path extended by one accessor. The receiver is not
// modified; paths held in the scheduler's sets stay immutable.
func (p Path) Append(a Accessor) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, a)
}

// String renders the path in dotted attribute form with every name quoted,
// e.g. `"packages"."x".0`.
// This form appears in logs and error messages, never on the wire.
func (p Path) String() string {
	var b strings.Builder
	for i, a := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		a.Handle(Handlers{
			Index: func(idx Index) { b.Write(idx.ToJSON()) },
			Name:  func(n Name) { b.WriteString(`"` + string(n) + `"`) },
		})
	}
	return b.String()
}

// Dotted renders the path as a plain dot-joined string without quoting,
// e.g. `packages.x.0`. Select globs match against this form.
func (p Path) Dotted() string {
	var b strings.Builder
	for i, a := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		a.Handle(Handlers{
			Index: func(idx Index) { b.Write(idx.ToJSON()) },
			Name:  func(n Name) { b.WriteString(string(n)) },
		})
	}
	return b.String()
}
