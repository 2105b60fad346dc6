package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/accessor"
	"github.com/nixhive/evaljobs/pkg/job"
)

func TestParseCollectMsg(t *testing.T) {
	t.Run("exit", func(t *testing.T) {
		msg, err := ParseCollectMsg("exit")
		require.NoError(t, err)

		var sawExit bool
		msg.Handle(HandleCollect{Exit: func(CollectExit) { sawExit = true }})
		assert.True(t, sawExit)
	})

	t.Run("do", func(t *testing.T) {
		msg, err := ParseCollectMsg(`do ["a",0]`)
		require.NoError(t, err)

		var got accessor.Path
		msg.Handle(HandleCollect{Do: func(m CollectDo) { got = m.Path }})
		assert.Equal(t, accessor.Path{accessor.Name("a"), accessor.Index(0)}, got)
	})

	t.Run("do empty path", func(t *testing.T) {
		msg, err := ParseCollectMsg(`do []`)
		require.NoError(t, err)

		var got accessor.Path
		msg.Handle(HandleCollect{Do: func(m CollectDo) { got = m.Path }})
		assert.Empty(t, got)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, line := range []string{"", "EXIT", "do", "do {", `do [""]`, "next"} {
			_, err := ParseCollectMsg(line)
			assert.Error(t, err, "line %q", line)
		}
	})
}

func TestCollectMsgFrames(t *testing.T) {
	assert.Equal(t, "exit", CollectExit{}.Frame())

	p := accessor.Path{accessor.Name("a"), accessor.Index(2)}
	assert.Equal(t, `do ["a",2]`, CollectDo{Path: p}.Frame())
}

func TestParseWorkMsg(t *testing.T) {
	t.Run("next", func(t *testing.T) {
		msg, err := ParseWorkMsg("next")
		require.NoError(t, err)

		var ready bool
		msg.Handle(HandleWork{Next: func(WorkNext) { ready = true }})
		assert.True(t, ready)
	})

	t.Run("restart", func(t *testing.T) {
		msg, err := ParseWorkMsg("restart")
		require.NoError(t, err)

		var restarted bool
		msg.Handle(HandleWork{Restart: func(WorkRestart) { restarted = true }})
		assert.True(t, restarted)
	})

	t.Run("error", func(t *testing.T) {
		msg, err := ParseWorkMsg(`{"error":"cannot open store"}`)
		require.NoError(t, err)

		var detail string
		msg.Handle(HandleWork{Error: func(m WorkError) { detail = m.Detail }})
		assert.Equal(t, "cannot open store", detail)
	})

	t.Run("protocol violation", func(t *testing.T) {
		for _, line := range []string{"", "done", "ready", `{"foo":1}`, `{`} {
			_, err := ParseWorkMsg(line)
			require.Error(t, err, "line %q", line)

			var protoErr *apperrors.ProtocolError
			assert.ErrorAs(t, err, &protoErr)
		}
	})
}

func TestParseWorkJob(t *testing.T) {
	t.Run("done", func(t *testing.T) {
		wj, err := ParseWorkJob("done")
		require.NoError(t, err)

		var finished bool
		wj.HandleJob(HandleJob{Done: func(WorkDone) { finished = true }})
		assert.True(t, finished)
	})

	t.Run("children", func(t *testing.T) {
		wj, err := ParseWorkJob(`{"path":["a"],"children":["b",0]}`)
		require.NoError(t, err)

		var got WorkChildren
		wj.HandleJob(HandleJob{Children: func(m WorkChildren) { got = m }})
		assert.Equal(t, accessor.Path{accessor.Name("a")}, got.Path)
		assert.Equal(t, []accessor.Accessor{accessor.Name("b"), accessor.Index(0)}, got.Children)
	})

	t.Run("drv", func(t *testing.T) {
		line := `{"name":"hello","system":"x86_64-linux","drvPath":"/nix/store/abc-hello.drv","outputs":{"out":"/nix/store/abc-hello"},"path":["a"]}`
		wj, err := ParseWorkJob(line)
		require.NoError(t, err)

		var got WorkDrv
		wj.HandleJob(HandleJob{Drv: func(m WorkDrv) { got = m }})
		assert.Equal(t, "hello", got.Drv.Name)
		assert.Equal(t, "x86_64-linux", got.Drv.System)
		assert.Equal(t, "/nix/store/abc-hello.drv", got.Drv.DrvPath)
		assert.Equal(t, map[string]string{"out": "/nix/store/abc-hello"}, got.Drv.Outputs)
		assert.Equal(t, accessor.Path{accessor.Name("a")}, got.Path)
	})

	t.Run("error", func(t *testing.T) {
		wj, err := ParseWorkJob(`{"error":"boom"}`)
		require.NoError(t, err)

		var detail string
		wj.HandleJob(HandleJob{Error: func(m WorkError) { detail = m.Detail }})
		assert.Equal(t, "boom", detail)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, line := range []string{"", "next", "restart", "{", `{"foo":1}`, `[1]`} {
			_, err := ParseWorkJob(line)
			require.Error(t, err, "line %q", line)

			var protoErr *apperrors.ProtocolError
			assert.ErrorAs(t, err, &protoErr)
		}
	})
}

func TestWorkJobFrameRoundTrip(t *testing.T) {
	p := accessor.Path{accessor.Name("pkgs"), accessor.Index(1)}

	t.Run("drv", func(t *testing.T) {
		msg := WorkDrv{
			Drv: job.Drv{
				Name:    "hello-2.12",
				System:  "aarch64-linux",
				DrvPath: "/nix/store/xyz-hello-2.12.drv",
				Outputs: map[string]string{"out": "/nix/store/xyz-hello-2.12"},
				Meta:    map[string]json.RawMessage{"license": json.RawMessage(`"mit"`)},
			},
			Path: p,
		}

		parsed, err := ParseWorkJob(msg.Frame())
		require.NoError(t, err)
		assert.Equal(t, msg, parsed)
	})

	t.Run("children", func(t *testing.T) {
		msg := WorkChildren{
			Path:     p,
			Children: []accessor.Accessor{accessor.Name("a"), accessor.Index(0)},
		}
		parsed, err := ParseWorkJob(msg.Frame())
		require.NoError(t, err)
		assert.Equal(t, msg, parsed)
	})

	t.Run("error", func(t *testing.T) {
		msg := WorkError{Detail: `evaluation aborted with "boom"`}
		parsed, err := ParseWorkJob(msg.Frame())
		require.NoError(t, err)
		assert.Equal(t, msg, parsed)
	})
}

func TestDrvFrameShape(t *testing.T) {
	// The drv frame is printed verbatim to stdout; its field set is part
	// of the output contract.
	msg := WorkDrv{
		Drv: job.Drv{
			Name:    "a",
			System:  "x86_64-linux",
			DrvPath: "/nix/store/d.drv",
			Outputs: map[string]string{"out": "/nix/store/o"},
		},
		Path: accessor.Path{accessor.Name("a")},
	}

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(msg.Frame()), &decoded))

	for _, key := range []string{"name", "system", "drvPath", "outputs", "path"} {
		assert.Contains(t, decoded, key)
	}
	assert.NotContains(t, decoded, "meta")
}
