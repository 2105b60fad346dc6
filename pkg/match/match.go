// Package match filters emitted leaves by dotted attribute path.
//
// Patterns use doublestar glob syntax against the dot-joined rendering of a
// path, with `.` as the separator: `packages.*` matches direct children of
// packages, `packages.**` matches any depth below it. An empty pattern set
// matches everything.
package match

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nixhive/evaljobs/pkg/accessor"
)

// Selector holds a compiled set of select patterns.
type Selector struct {
	patterns []string
}

// New validates the patterns and builds a selector. A nil or empty pattern
// list selects every path.
func New(patterns []string) (*Selector, error) {
	for _, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("empty select pattern")
		}
		if !doublestar.ValidatePattern(globForm(p)) {
			return nil, fmt.Errorf("invalid select pattern: %s", p)
		}
	}
	return &Selector{patterns: append([]string(nil), patterns...)}, nil
}

// Empty reports whether the selector passes everything through.
func (s *Selector) Empty() bool {
	return s == nil || len(s.patterns) == 0
}

// Matches reports whether the path's dotted form matches any pattern.
func (s *Selector) Matches(path accessor.Path) bool {
	if s.Empty() {
		return true
	}
	dotted := globForm(path.Dotted())
	for _, p := range s.patterns {
		if ok, _ := doublestar.Match(globForm(p), dotted); ok {
			return true
		}
	}
	return false
}

// globForm maps the dot separator onto the slash separator doublestar
// matches on, so `**` spans path segments the expected way.
func globForm(dotted string) string {
	return strings.ReplaceAll(dotted, ".", "/")
}
