// Package worker implements the loop run inside each worker process.
//
// A worker owns one evaluator session. It announces readiness with `next`,
// receives a path, walks and evaluates it, streams the results back, and
// terminates itself once its resident set size crosses the configured
// threshold; the coordinator replaces it with a fresh process. Per-path
// evaluation failures become error frames and never kill the worker.
package worker

import (
	"context"
	"os"

	"go.uber.org/zap"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/accessor"
	"github.com/nixhive/evaljobs/pkg/eval"
	"github.com/nixhive/evaljobs/pkg/job"
	"github.com/nixhive/evaljobs/pkg/proto"
)

// Config parameterizes one worker process.
type Config struct {
	// Params carries the meta and GC-root switches for job evaluation.
	Params job.Params

	// MaxMemoryKiB is the RSS ceiling in kibibytes. Zero disables the
	// memory check.
	MaxMemoryKiB uint64
}

// OpenFunc opens the evaluator session for this process.
type OpenFunc func(ctx context.Context) (eval.Session, error)

// Run executes the worker loop over conn until an exit request, pipe close,
// or memory pressure. A session that cannot initialize is reported as an
// error frame followed by restart; the returned error is reserved for
// protocol violations.
func Run(ctx context.Context, conn *proto.Conn, open OpenFunc, cfg Config, logger *zap.Logger) error {
	sess, err := open(ctx)
	if err != nil {
		return fatalInit(conn, logger, err)
	}
	defer func() { _ = sess.Close() }()

	root, err := sess.Root(ctx)
	if err != nil {
		return fatalInit(conn, logger, err)
	}

	for {
		if err := conn.WriteFrame(proto.WorkNext{}); err != nil {
			return err
		}

		line, err := conn.ReadFrame()
		if err != nil {
			// Pipe close is the coordinator's shutdown signal.
			return nil
		}

		msg, err := proto.ParseCollectMsg(line)
		if err != nil {
			return err
		}

		exit := false
		var path accessor.Path
		msg.Handle(proto.HandleCollect{
			Exit: func(proto.CollectExit) { exit = true },
			Do:   func(m proto.CollectDo) { path = m.Path },
		})
		if exit {
			break
		}

		logger.Debug("worker received path",
			zap.Int("pid", os.Getpid()),
			zap.String("path", path.String()))

		serve(ctx, conn, sess, root, path, cfg, logger)

		if cfg.MaxMemoryKiB > 0 {
			rss := maxRSSBytes()
			if rss > cfg.MaxMemoryKiB*1024 {
				logger.Debug("worker memory threshold exceeded",
					zap.Uint64("rss_bytes", rss),
					zap.Uint64("threshold_kib", cfg.MaxMemoryKiB))
				break
			}
		}
	}

	// Best effort: the coordinator may already have closed the pipe.
	_ = conn.WriteFrame(proto.WorkRestart{})
	return nil
}

// serve evaluates one path and streams the responses. Evaluation failures
// become a single error frame; the worker then returns to the ready state.
func serve(ctx context.Context, conn *proto.Conn, sess eval.Session, root eval.Value, path accessor.Path, cfg Config, logger *zap.Logger) {
	j, err := job.Walk(ctx, sess, path, root, cfg.Params)
	if err != nil {
		reportJobError(conn, logger, path, err)
		return
	}

	if j != nil {
		results, err := j.Eval(ctx, sess, cfg.Params)
		if err != nil {
			reportJobError(conn, logger, path, err)
			return
		}
		for _, res := range results {
			switch r := res.(type) {
			case *job.Drv:
				_ = conn.WriteFrame(proto.WorkDrv{Drv: *r, Path: path})
			case job.Children:
				_ = conn.WriteFrame(proto.WorkChildren{Path: path, Children: r})
			}
		}
	}

	_ = conn.WriteFrame(proto.WorkDone{})
}

func reportJobError(conn *proto.Conn, logger *zap.Logger, path accessor.Path, err error) {
	msg := FilterANSI(err.Error())
	logger.Error("evaluation failed",
		zap.String("path", path.String()),
		zap.String("error", msg))
	_ = conn.WriteFrame(proto.WorkError{Detail: msg})
}

// fatalInit reports a startup failure: an error frame immediately followed
// by restart, so the coordinator sees a FatalWorkerError rather than a
// silent pipe close.
func fatalInit(conn *proto.Conn, logger *zap.Logger, err error) error {
	fatal := &apperrors.FatalWorkerError{Msg: FilterANSI(err.Error())}
	logger.Error("worker initialization failed", zap.Error(err))
	_ = conn.WriteFrame(proto.WorkError{Detail: fatal.Msg})
	_ = conn.WriteFrame(proto.WorkRestart{})
	return nil
}
