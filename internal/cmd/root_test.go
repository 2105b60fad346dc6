package cmd

import (
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/eval"
)

func TestParseArgFlags(t *testing.T) {
	args, err := parseArgFlags(
		[]string{"overlays=[ ]", "config={ allowUnfree = true; }"},
		[]string{"system=x86_64-linux"},
	)
	require.NoError(t, err)
	require.Len(t, args, 3)

	assert.Equal(t, eval.Arg{Name: "overlays", Value: "[ ]"}, args[0])
	assert.Equal(t, eval.Arg{Name: "config", Value: "{ allowUnfree = true; }"}, args[1])
	assert.Equal(t, eval.Arg{Name: "system", Value: "x86_64-linux", Str: true}, args[2])
}

func TestParseArgFlagsErrors(t *testing.T) {
	for _, bad := range []string{"noequals", "=value"} {
		t.Run(bad, func(t *testing.T) {
			_, err := parseArgFlags([]string{bad}, nil)
			require.Error(t, err)

			var usage *apperrors.UsageError
			assert.ErrorAs(t, err, &usage)
		})
	}
}

func TestWorkerArgsMirrorSettings(t *testing.T) {
	s := &runSettings{
		Expr:         "./release.nix",
		Flake:        false,
		Workers:      4,
		MaxMemoryKiB: 8192,
		GCRootsDir:   "/roots",
		Meta:         true,
		Impure:       true,
		ShowTrace:    true,
		Backend:      "nix",
		Args: []eval.Arg{
			{Name: "system", Value: "x86_64-linux", Str: true},
		},
	}

	args := workerArgs(s)
	assert.Equal(t, "worker", args[0])
	assert.Contains(t, args, "--expr")
	assert.Contains(t, args, "./release.nix")
	assert.Contains(t, args, "--max-memory-size")
	assert.Contains(t, args, "8192")
	assert.Contains(t, args, "--impure")
	assert.Contains(t, args, "--show-trace")
	assert.Contains(t, args, "--meta")
	assert.Contains(t, args, "--gc-roots-dir")
	assert.Contains(t, args, "--argstr")
	assert.Contains(t, args, "system=x86_64-linux")
	assert.NotContains(t, args, "--flake")
	assert.NotContains(t, args, "--workers", "workers is a coordinator knob, not a worker knob")
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, foundry.ExitInvalidArgument, exitCodeFor(apperrors.Usagef("bad")))
	assert.Equal(t, 1, exitCodeFor(apperrors.Protocolf("bad frame")))
	assert.Equal(t, 1, exitCodeFor(assert.AnError))
}
