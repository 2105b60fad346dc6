// Package proto is the framed wire protocol between a coordinator and its
// worker process.
//
// Frames are UTF-8 lines, one frame per line, no embedded newlines. A frame
// is either a fixed literal ("exit", "next", "restart", "done", "do <path>")
// or a single JSON object. Parsing is a disjoint union: each frame matches
// exactly one variant, chosen by literal value or JSON shape (presence of
// "children", of "drvPath", of "error") in the documented order.
//
// The message types are closed sums consumed through Handle* continuation
// records rather than type switches at call sites.
package proto

import (
	"encoding/json"
	"strings"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/accessor"
	"github.com/nixhive/evaljobs/pkg/job"
)

// CollectMsg is a coordinator→worker request: CollectExit | CollectDo.
type CollectMsg interface {
	// Frame returns the wire line, without the trailing newline.
	Frame() string

	// Handle dispatches to the per-variant continuation.
	Handle(h HandleCollect)

	collectSealed()
}

// HandleCollect is the continuation record for CollectMsg dispatch.
type HandleCollect struct {
	Exit func(CollectExit)
	Do   func(CollectDo)
}

// CollectExit asks the worker to shut down cleanly.
type CollectExit struct{}

func (CollectExit) Frame() string { return "exit" }

func (m CollectExit) Handle(h HandleCollect) {
	if h.Exit != nil {
		h.Exit(m)
	}
}

func (CollectExit) collectSealed() {}

// CollectDo asks the worker to evaluate the node at Path.
type CollectDo struct {
	Path accessor.Path
}

func (m CollectDo) Frame() string { return "do " + string(m.Path.ToJSON()) }

func (m CollectDo) Handle(h HandleCollect) {
	if h.Do != nil {
		h.Do(m)
	}
}

func (CollectDo) collectSealed() {}

// ParseCollectMsg parses a coordinator→worker frame.
func ParseCollectMsg(line string) (CollectMsg, error) {
	if line == "exit" {
		return CollectExit{}, nil
	}
	if rest, ok := strings.CutPrefix(line, "do "); ok {
		path, err := accessor.ParsePath([]byte(rest))
		if err != nil {
			return nil, err
		}
		return CollectDo{Path: path}, nil
	}
	return nil, apperrors.Protocolf("expecting \"exit\" or \"do\" followed by a path, got: %s", line)
}

// WorkMsg is a worker→coordinator control frame: WorkNext | WorkRestart |
// WorkError.
type WorkMsg interface {
	Frame() string
	Handle(h HandleWork)
	workSealed()
}

// HandleWork is the continuation record for WorkMsg dispatch.
type HandleWork struct {
	Next    func(WorkNext)
	Restart func(WorkRestart)
	Error   func(WorkError)
}

// WorkNext signals the worker is ready for another path.
type WorkNext struct{}

func (WorkNext) Frame() string { return "next" }

func (m WorkNext) Handle(h HandleWork) {
	if h.Next != nil {
		h.Next(m)
	}
}

func (WorkNext) workSealed() {}

// WorkRestart signals the worker crossed its memory threshold and is
// exiting; a fresh worker continues the work.
type WorkRestart struct{}

func (WorkRestart) Frame() string { return "restart" }

func (m WorkRestart) Handle(h HandleWork) {
	if h.Restart != nil {
		h.Restart(m)
	}
}

func (WorkRestart) workSealed() {}

// ParseWorkMsg parses a worker→coordinator control frame.
func ParseWorkMsg(line string) (WorkMsg, error) {
	switch line {
	case "restart":
		return WorkRestart{}, nil
	case "next":
		return WorkNext{}, nil
	}
	if e, ok := parseErrorFrame(line); ok {
		return e, nil
	}
	return nil, apperrors.Protocolf("expecting \"next\", \"restart\" or an error frame, got: %s", line)
}

// WorkJob is a worker→coordinator response frame for one `do` request:
// WorkDrv | WorkChildren | WorkDone | WorkError.
type WorkJob interface {
	Frame() string
	HandleJob(h HandleJob)
	jobSealed()
}

// HandleJob is the continuation record for WorkJob dispatch.
type HandleJob struct {
	Drv      func(WorkDrv)
	Children func(WorkChildren)
	Done     func(WorkDone)
	Error    func(WorkError)
}

// WorkDrv carries one leaf derivation and the path it was found at. Its
// frame is exactly the line printed to standard output.
type WorkDrv struct {
	Drv  job.Drv
	Path accessor.Path
}

// drvWire is the wire shape of a WorkDrv frame.
type drvWire struct {
	Name    string                     `json:"name"`
	System  string                     `json:"system"`
	DrvPath string                     `json:"drvPath"`
	Outputs map[string]string          `json:"outputs"`
	Meta    map[string]json.RawMessage `json:"meta,omitempty"`
	Path    accessor.Path              `json:"path"`
}

func (m WorkDrv) Frame() string {
	b, _ := json.Marshal(drvWire{
		Name:    m.Drv.Name,
		System:  m.Drv.System,
		DrvPath: m.Drv.DrvPath,
		Outputs: m.Drv.Outputs,
		Meta:    m.Drv.Meta,
		Path:    m.Path,
	})
	return string(b)
}

func (m WorkDrv) HandleJob(h HandleJob) {
	if h.Drv != nil {
		h.Drv(m)
	}
}

func (WorkDrv) jobSealed() {}

// WorkChildren carries the immediate children of an inner node.
type WorkChildren struct {
	Path     accessor.Path
	Children []accessor.Accessor
}

type childrenWire struct {
	Path     accessor.Path `json:"path"`
	Children accessor.Path `json:"children"`
}

func (m WorkChildren) Frame() string {
	b, _ := json.Marshal(childrenWire{
		Path:     m.Path,
		Children: accessor.Path(m.Children),
	})
	return string(b)
}

func (m WorkChildren) HandleJob(h HandleJob) {
	if h.Children != nil {
		h.Children(m)
	}
}

func (WorkChildren) jobSealed() {}

// WorkDone terminates the responses for the current `do`.
type WorkDone struct{}

func (WorkDone) Frame() string { return "done" }

func (m WorkDone) HandleJob(h HandleJob) {
	if h.Done != nil {
		h.Done(m)
	}
}

func (WorkDone) jobSealed() {}

// WorkError reports a failure: per-path when it answers a `do`, fatal when
// it arrives in place of a control frame.
type WorkError struct {
	Detail string
}

type errorWire struct {
	Error string `json:"error"`
}

func (m WorkError) Frame() string {
	b, _ := json.Marshal(errorWire{Error: m.Detail})
	return string(b)
}

func (m WorkError) Handle(h HandleWork) {
	if h.Error != nil {
		h.Error(m)
	}
}

func (m WorkError) HandleJob(h HandleJob) {
	if h.Error != nil {
		h.Error(m)
	}
}

func (WorkError) workSealed() {}
func (WorkError) jobSealed()  {}

// ParseWorkJob parses a worker→coordinator response frame.
func ParseWorkJob(line string) (WorkJob, error) {
	if line == "done" {
		return WorkDone{}, nil
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return nil, apperrors.Protocolf("expecting a response frame, got: %s", line)
	}

	var probe struct {
		Children *json.RawMessage `json:"children"`
		DrvPath  *string          `json:"drvPath"`
		Error    *string          `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return nil, apperrors.Protocolf("malformed response frame: %s", line)
	}

	switch {
	case probe.Children != nil:
		var w childrenWire
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			return nil, &apperrors.ProtocolError{Msg: "malformed children frame", Err: err}
		}
		return WorkChildren{Path: w.Path, Children: []accessor.Accessor(w.Children)}, nil

	case probe.DrvPath != nil:
		var w drvWire
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			return nil, &apperrors.ProtocolError{Msg: "malformed derivation frame", Err: err}
		}
		return WorkDrv{
			Drv: job.Drv{
				Name:    w.Name,
				System:  w.System,
				DrvPath: w.DrvPath,
				Outputs: w.Outputs,
				Meta:    w.Meta,
			},
			Path: w.Path,
		}, nil

	case probe.Error != nil:
		return WorkError{Detail: *probe.Error}, nil

	default:
		return nil, apperrors.Protocolf("unrecognized response frame: %s", line)
	}
}

// parseErrorFrame recognizes a {"error": …} object.
func parseErrorFrame(line string) (WorkError, bool) {
	if !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return WorkError{}, false
	}
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil || probe.Error == nil {
		return WorkError{}, false
	}
	return WorkError{Detail: *probe.Error}, true
}
