package sched

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/accessor"
	"github.com/nixhive/evaljobs/pkg/match"
	"github.com/nixhive/evaljobs/pkg/output"
	"github.com/nixhive/evaljobs/pkg/proto"
)

// Options configure one scheduling run.
type Options struct {
	// Workers is the number of coordinators, each owning one worker
	// process at a time. Minimum 1.
	Workers int

	// Launcher spawns worker processes.
	Launcher Launcher

	// Writer receives result lines.
	Writer output.Writer

	// Selector filters emitted leaves; nil emits everything.
	Selector *match.Selector

	// RespawnPerSecond bounds how fast replacement workers are spawned
	// after memory restarts. Zero means unbounded.
	RespawnPerSecond float64

	// Logger receives scheduling events. Nil disables logging.
	Logger *zap.Logger

	// RunID correlates this run's logs and status payloads. Empty draws a
	// fresh id.
	RunID string
}

// Supervisor owns one run: it bootstraps the top-level children, starts the
// coordinators, and joins them.
type Supervisor struct {
	opts  Options
	state *State
	stats *Stats
}

// NewSupervisor validates options and prepares a run.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Workers < 1 {
		return nil, apperrors.Usagef("workers must be >= 1, got %d", opts.Workers)
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("sched: launcher is required")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("sched: writer is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	return &Supervisor{
		opts:  opts,
		state: NewState(),
		stats: &Stats{},
	}, nil
}

// View exposes the run's state and counters to the status server.
func (s *Supervisor) View() *View {
	return &View{
		RunID:   s.opts.RunID,
		Workers: s.opts.Workers,
		State:   s.state,
		Stats:   s.stats,
	}
}

// Run executes the whole run: bootstrap, coordinators, join. The returned
// error is the first fatal error any coordinator recorded.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := s.opts.Logger.With(zap.String("run_id", s.opts.RunID))

	if err := s.bootstrap(ctx, logger); err != nil {
		return err
	}

	var limiter *rate.Limiter
	if s.opts.RespawnPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RespawnPerSecond), s.opts.Workers)
	}

	logger.Debug("starting coordinators", zap.Int("workers", s.opts.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		c := &Coordinator{
			state:   s.state,
			launch:  s.opts.Launcher,
			writer:  s.opts.Writer,
			sel:     s.opts.Selector,
			stats:   s.stats,
			limiter: limiter,
			logger:  logger.With(zap.Int("coordinator", i)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(ctx)
		}()
	}
	wg.Wait()

	if err := s.state.Err(); err != nil {
		return err
	}

	logger.Debug("run complete",
		zap.Int64("emitted", s.stats.Emitted.Load()),
		zap.Int64("errors", s.stats.Errors.Load()),
		zap.Int64("restarts", s.stats.Restarts.Load()))
	return nil
}

// bootstrap forks a one-shot worker, asks it for the root node, and seeds
// the ready set with the root's children. A root that is itself a leaf is
// printed directly. Evaluating in a separate process keeps the parent from
// initiating downloads that would later deadlock worker threads.
func (s *Supervisor) bootstrap(ctx context.Context, logger *zap.Logger) error {
	w, err := s.opts.Launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("spawn bootstrap worker: %w", err)
	}
	defer func() { _ = w.Close() }()
	s.stats.WorkersSpawned.Add(1)

	conn := w.Conn()

	line, err := conn.ReadFrame()
	if err != nil {
		if err == io.EOF {
			return apperrors.Protocolf("bootstrap worker exited before answering")
		}
		return err
	}
	msg, err := proto.ParseWorkMsg(line)
	if err != nil {
		return err
	}

	var ready bool
	var bootErr string
	msg.Handle(proto.HandleWork{
		Next:    func(proto.WorkNext) { ready = true },
		Restart: func(proto.WorkRestart) {},
		Error:   func(m proto.WorkError) { bootErr = m.Detail },
	})
	if bootErr != "" {
		return &apperrors.FatalWorkerError{Msg: bootErr}
	}
	if !ready {
		return apperrors.Protocolf("unexpected bootstrap frame: %s", line)
	}

	if err := conn.WriteFrame(proto.CollectDo{Path: accessor.Path{}}); err != nil {
		return err
	}

	for {
		line, err := conn.ReadFrame()
		if err != nil {
			return &apperrors.ProtocolError{Msg: "bootstrap worker EOF", Err: err}
		}

		wj, err := proto.ParseWorkJob(line)
		if err != nil {
			return err
		}

		var finished bool
		var fatal error
		var writeErr error
		wj.HandleJob(proto.HandleJob{
			Drv: func(m proto.WorkDrv) {
				if s.opts.Selector.Matches(m.Path) {
					writeErr = s.opts.Writer.WriteLeaf(ctx, &m.Drv, m.Path)
					s.stats.Emitted.Add(1)
				} else {
					s.stats.Skipped.Add(1)
				}
			},
			Children: func(m proto.WorkChildren) {
				seeds := make([]accessor.Path, 0, len(m.Children))
				for _, child := range m.Children {
					seeds = append(seeds, accessor.Path{}.Append(child))
				}
				s.state.Add(seeds...)
				logger.Debug("seeded top-level children", zap.Int("count", len(seeds)))
			},
			Done: func(proto.WorkDone) { finished = true },
			Error: func(m proto.WorkError) {
				fatal = &apperrors.FatalWorkerError{Msg: m.Detail}
			},
		})
		if fatal != nil {
			return fatal
		}
		if writeErr != nil {
			return writeErr
		}
		if finished {
			break
		}
	}

	// The bootstrap worker is one-shot: ask it to exit once ingested.
	_ = conn.WriteFrame(proto.CollectExit{})
	return nil
}
