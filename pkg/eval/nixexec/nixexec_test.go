package nixexec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixhive/evaljobs/pkg/eval"
)

func TestQuoteName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"simple", "simple"},
		{"with-dash", "with-dash"},
		{"_under", "_under"},
		{"x86_64-linux", "x86_64-linux"},
		{"0leading", `"0leading"`},
		{"has space", `"has space"`},
		{`quo"te`, `"quo\"te"`},
		{"dollar$ref", `"dollar\$ref"`},
		{"", `""`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, quoteName(tt.in))
		})
	}
}

func TestQuoteString(t *testing.T) {
	assert.Equal(t, `"plain"`, quoteString("plain"))
	assert.Equal(t, `"a\"b"`, quoteString(`a"b`))
	assert.Equal(t, `"a\$b"`, quoteString("a$b"))
	assert.Equal(t, `"a\nb"`, quoteString("a\nb"))
}

func TestArgsAttrset(t *testing.T) {
	assert.Equal(t, "{ }", argsAttrset(nil))

	got := argsAttrset([]eval.Arg{
		{Name: "system", Value: "x86_64-linux", Str: true},
		{Name: "overlays", Value: "[ ]"},
	})
	assert.Contains(t, got, `system = "x86_64-linux";`)
	assert.Contains(t, got, "overlays = ([ ]);")
}

func TestInspectorNavigation(t *testing.T) {
	s := &Session{opts: eval.Options{Expr: "./x.nix"}, argsNix: "{ }"}

	t.Run("root", func(t *testing.T) {
		code := s.inspector(nil)
		assert.Contains(t, code, "v = (call root);")
	})

	t.Run("attr then index", func(t *testing.T) {
		code := s.inspector([]step{{name: "packages"}, {index: 3, isIdx: true}})
		assert.Contains(t, code, "builtins.elemAt")
		assert.Contains(t, code, ".packages")
		assert.Contains(t, code, " 3")
	})

	t.Run("quoted attr", func(t *testing.T) {
		code := s.inspector([]step{{name: "has space"}})
		assert.Contains(t, code, `."has space"`)
	})

	t.Run("classification arms", func(t *testing.T) {
		code := s.inspector(nil)
		for _, arm := range []string{`kind = "drvs"`, `kind = "list"`, `kind = "attrs"`, `kind = "null"`, "recurseForDerivations"} {
			assert.Contains(t, code, arm)
		}
	})
}

func TestRenderSteps(t *testing.T) {
	assert.Equal(t, "", renderSteps(nil))
	assert.Equal(t, "a.0.b", renderSteps([]step{{name: "a"}, {index: 0, isIdx: true}, {name: "b"}}))
}

func TestValueNavigationWithoutIO(t *testing.T) {
	s := &Session{opts: eval.Options{Expr: "./x.nix"}, argsNix: "{ }"}

	root := &value{info: &inspection{Kind: "attrs", Names: []string{"a", "b"}}}

	child, ok, err := s.Attr(root, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []step{{name: "a"}}, child.(*value).steps)

	_, ok, err = s.Attr(root, "zzz")
	require.NoError(t, err)
	assert.False(t, ok, "missing attributes are detected from the cached name list")

	list := &value{info: &inspection{Kind: "list", Length: 2}}
	elem, err := s.ListElem(list, 1)
	require.NoError(t, err)
	assert.Equal(t, []step{{index: 1, isIdx: true}}, elem.(*value).steps)

	_, err = s.ListElem(list, 2)
	assert.Error(t, err)
}

func TestKindMapping(t *testing.T) {
	s := &Session{}

	tests := []struct {
		raw  string
		want eval.Kind
	}{
		{"attrs", eval.KindAttrs},
		{"drvs", eval.KindAttrs},
		{"list", eval.KindList},
		{"null", eval.KindNull},
		{"string", eval.KindString},
		{"int", eval.KindNumber},
		{"lambda", eval.KindFunction},
		{"set-of-weird", eval.KindOther},
	}
	for _, tt := range tests {
		v := &value{info: &inspection{Kind: tt.raw}}
		assert.Equal(t, tt.want, s.Kind(v), tt.raw)
	}
}

func TestEvalEnvPinsEvaluator(t *testing.T) {
	t.Setenv("NIX_PATH", "nixpkgs=/somewhere")

	env := evalEnv()
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "NIX_PATH="), "NIX_PATH must be cleared, got %s", kv)
	}
	assert.Contains(t, env, "GC_DONT_GC=1")
}
