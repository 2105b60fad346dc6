package sched

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/accessor"
	"github.com/nixhive/evaljobs/pkg/match"
	"github.com/nixhive/evaljobs/pkg/output"
	"github.com/nixhive/evaljobs/pkg/proto"
)

// Coordinator drives one worker process at a time: it leases paths from the
// shared state, ships them over the pipe, ingests the streamed responses,
// and replaces the worker whenever it reports memory pressure.
type Coordinator struct {
	state   *State
	launch  Launcher
	writer  output.Writer
	sel     *match.Selector
	stats   *Stats
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Run loops until the shared state reports completion or a fatal error.
// Fatal errors are recorded in the shared state before returning, so every
// other coordinator winds down too.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			c.state.Fail(err)
		}
	}()

	var w WorkerProc
	defer func() {
		if w != nil {
			_ = w.Close()
		}
	}()

	for {
		if w == nil {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			w, err = c.launch.Launch(ctx)
			if err != nil {
				return fmt.Errorf("spawn worker: %w", err)
			}
			c.stats.WorkersSpawned.Add(1)
			c.logger.Debug("worker attached")
		}

		// await_worker: the next control frame decides.
		line, err := w.Conn().ReadFrame()
		if err != nil {
			if err == io.EOF {
				return apperrors.Protocolf("worker exited without restart")
			}
			return err
		}
		msg, err := proto.ParseWorkMsg(line)
		if err != nil {
			return err
		}

		var ready, restarted bool
		var workerErr string
		msg.Handle(proto.HandleWork{
			Next:    func(proto.WorkNext) { ready = true },
			Restart: func(proto.WorkRestart) { restarted = true },
			Error:   func(m proto.WorkError) { workerErr = m.Detail },
		})

		if restarted {
			_ = w.Close()
			w = nil
			c.stats.Restarts.Add(1)
			c.logger.Debug("worker restarted on memory pressure")
			continue
		}
		if workerErr != "" {
			return &apperrors.FatalWorkerError{Msg: "worker error: " + workerErr}
		}
		if !ready {
			return apperrors.Protocolf("unexpected control frame: %s", line)
		}

		// await_job: lease a path or wind down.
		p, ok := c.state.Lease()
		if !ok {
			_ = w.Conn().WriteFrame(proto.CollectExit{})
			_ = w.Close()
			w = nil
			return nil
		}

		if err := w.Conn().WriteFrame(proto.CollectDo{Path: p}); err != nil {
			return err
		}

		// await_responses: stream until done (or a per-path error, which
		// is terminal for the path but not for the run).
		finished := false
		for !finished {
			line, err := w.Conn().ReadFrame()
			if err != nil {
				return &apperrors.ProtocolError{Msg: fmt.Sprintf("worker EOF while evaluating %s", p), Err: err}
			}

			if line == (proto.WorkRestart{}).Frame() {
				// Restart mid-response: the path goes back to the ready
				// set so a fresh worker re-walks it.
				c.state.Requeue(p)
				_ = w.Close()
				w = nil
				c.stats.Restarts.Add(1)
				finished = true
				continue
			}

			wj, err := proto.ParseWorkJob(line)
			if err != nil {
				return err
			}

			var writeErr error
			wj.HandleJob(proto.HandleJob{
				Drv: func(m proto.WorkDrv) {
					if c.sel.Matches(m.Path) {
						writeErr = c.writer.WriteLeaf(ctx, &m.Drv, m.Path)
						c.stats.Emitted.Add(1)
					} else {
						c.stats.Skipped.Add(1)
					}
				},
				Children: func(m proto.WorkChildren) {
					children := make([]accessor.Path, 0, len(m.Children))
					for _, child := range m.Children {
						children = append(children, m.Path.Append(child))
					}
					c.state.Add(children...)
				},
				Done: func(proto.WorkDone) {
					c.state.Release(p)
					finished = true
				},
				Error: func(m proto.WorkError) {
					writeErr = c.writer.WriteJobError(ctx, m.Detail, p)
					c.stats.Errors.Add(1)
					c.state.Release(p)
					finished = true
				},
			})
			if writeErr != nil {
				return writeErr
			}
		}
	}
}
