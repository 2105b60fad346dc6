package statictree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/eval"
)

const fixtureJSON = `{
  "a": {
    "b": {
      "type": "derivation",
      "name": "b-1.0",
      "system": "x86_64-linux",
      "drvPath": "/nix/store/bbb-b-1.0.drv",
      "outputs": {"out": "/nix/store/bbb-b-1.0"},
      "meta": {"license": "mit", "priority": 5}
    }
  },
  "list": [null, "str", 42],
  "boom": {"__throw": "boom goes the evaluator"},
  "fn": {"__func": {"c": {"type": "derivation", "name": "c", "system": "x86_64-linux", "drvPath": "/nix/store/ccc-c.drv", "outputs": {}}}},
  "bundle": {
    "recurseForDerivations": true,
    "one": {"type": "derivation", "name": "one", "system": "x86_64-linux", "drvPath": "/nix/store/one.drv", "outputs": {}},
    "nested": {
      "recurseForDerivations": true,
      "two": {"type": "derivation", "name": "two", "system": "x86_64-linux", "drvPath": "/nix/store/two.drv", "outputs": {}}
    },
    "plain": {"ignored": true}
  }
}`

func newSession(t *testing.T) *Session {
	t.Helper()
	s, err := FromJSON([]byte(fixtureJSON))
	require.NoError(t, err)
	return s
}

func TestKindsAndEnumeration(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)

	root, err := s.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, eval.KindAttrs, s.Kind(root))

	names, err := s.AttrNames(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "boom", "bundle", "fn", "list"}, names)

	list, ok, err := s.Attr(root, "list")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, eval.KindList, s.Kind(list))

	n, err := s.ListLen(list)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := s.ListElem(list, 0)
	require.NoError(t, err)
	assert.Equal(t, eval.KindNull, s.Kind(first))

	_, err = s.ListElem(list, 3)
	require.Error(t, err)
	var evalErr *apperrors.EvalError
	assert.ErrorAs(t, err, &evalErr)
}

func TestAttrMissing(t *testing.T) {
	s := newSession(t)
	root, _ := s.Root(context.Background())

	_, ok, err := s.Attr(root, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForceThrow(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	root, _ := s.Root(ctx)

	boom, ok, err := s.Attr(root, "boom")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Force(ctx, boom)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom goes the evaluator")
}

func TestForceAutoCallsFunctions(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	root, _ := s.Root(ctx)

	fn, ok, err := s.Attr(root, "fn")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, eval.KindFunction, s.Kind(fn))

	forced, err := s.Force(ctx, fn)
	require.NoError(t, err)
	assert.Equal(t, eval.KindAttrs, s.Kind(forced))

	names, err := s.AttrNames(forced)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, names)
}

func TestDerivations(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	root, _ := s.Root(ctx)

	t.Run("plain attrs yield nothing", func(t *testing.T) {
		infos, err := s.Derivations(ctx, root)
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run("derivation leaf yields itself", func(t *testing.T) {
		a, _, _ := s.Attr(root, "a")
		b, _, _ := s.Attr(a, "b")

		infos, err := s.Derivations(ctx, b)
		require.NoError(t, err)
		require.Len(t, infos, 1)

		info := infos[0]
		assert.Equal(t, "b-1.0", info.Name())
		assert.Equal(t, "x86_64-linux", info.System())

		drvPath, err := info.DrvPath()
		require.NoError(t, err)
		assert.Equal(t, "/nix/store/bbb-b-1.0.drv", drvPath)

		outs, err := info.Outputs()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"out": "/nix/store/bbb-b-1.0"}, outs)

		assert.Equal(t, []string{"license", "priority"}, info.MetaNames())
		license, ok := info.Meta("license")
		require.True(t, ok)
		assert.JSONEq(t, `"mit"`, string(license))
	})

	t.Run("recurseForDerivations bundles nested drvs", func(t *testing.T) {
		bundle, _, _ := s.Attr(root, "bundle")

		infos, err := s.Derivations(ctx, bundle)
		require.NoError(t, err)
		require.Len(t, infos, 2)

		// Collection follows lexicographic attribute order, descending
		// into nested recurse-marked sets as they are encountered.
		assert.Equal(t, "two", infos[0].Name())
		assert.Equal(t, "one", infos[1].Name())
	})
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
a:
  type: derivation
  name: a
  system: x86_64-linux
  drvPath: /nix/store/aaa-a.drv
  outputs:
    out: /nix/store/aaa-a
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	root, _ := s.Root(ctx)
	a, ok, err := s.Attr(root, "a")
	require.NoError(t, err)
	require.True(t, ok)

	infos, err := s.Derivations(ctx, a)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "a", infos[0].Name())
}

func TestAddPermRootIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	dir := t.TempDir()

	root := filepath.Join(dir, "aaa-a.drv")
	require.NoError(t, s.AddPermRoot(ctx, "/nix/store/aaa-a.drv", root))

	target, err := os.Readlink(root)
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/aaa-a.drv", target)

	// Second registration leaves the filesystem unchanged.
	require.NoError(t, s.AddPermRoot(ctx, "/nix/store/other.drv", root))
	target, err = os.Readlink(root)
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/aaa-a.drv", target)
}

func TestUnknownSystemDefault(t *testing.T) {
	s, err := FromJSON([]byte(`{"bad": {"type": "derivation", "name": "bad", "drvPath": "/nix/store/bad.drv"}}`))
	require.NoError(t, err)

	ctx := context.Background()
	root, _ := s.Root(ctx)
	bad, _, _ := s.Attr(root, "bad")

	infos, err := s.Derivations(ctx, bad)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "unknown", infos[0].System())
}
