package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nixhive/evaljobs/internal/observability"
	"github.com/nixhive/evaljobs/internal/server"
	"github.com/nixhive/evaljobs/internal/server/handlers"
	"github.com/nixhive/evaljobs/pkg/match"
	"github.com/nixhive/evaljobs/pkg/output"
	"github.com/nixhive/evaljobs/pkg/sched"
)

func runEval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := mergeSettings(cmd, args)
	if err != nil {
		return err
	}

	if s.GCRootsDir != "" {
		if err := os.MkdirAll(s.GCRootsDir, 0o755); err != nil {
			return fmt.Errorf("create gc-roots dir: %w", err)
		}
	}

	selector, err := match.New(s.Select)
	if err != nil {
		return usageErr("%s", err)
	}

	writer := output.NewJSONLWriter(os.Stdout)
	defer func() { _ = writer.Close() }()

	launcher := &sched.ProcLauncher{Args: workerArgs(s)}

	sup, err := sched.NewSupervisor(sched.Options{
		Workers:          s.Workers,
		Launcher:         launcher,
		Writer:           writer,
		Selector:         selector,
		RespawnPerSecond: s.RespawnPerSec,
		Logger:           observability.CLILogger,
	})
	if err != nil {
		return err
	}

	if s.StatusAddr != "" {
		srv, err := startStatusServer(s.StatusAddr, sup.View())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	observability.CLILogger.Debug("starting evaluation",
		zap.String("expr", s.Expr),
		zap.Bool("flake", s.Flake),
		zap.Int("workers", s.Workers),
		zap.Uint64("max_memory_kib", s.MaxMemoryKiB))

	return sup.Run(ctx)
}

// workerArgs builds the hidden worker subcommand invocation mirroring the
// run settings. Workers re-derive everything from flags; nothing is shared
// in memory.
func workerArgs(s *runSettings) []string {
	args := []string{"worker",
		"--expr", s.Expr,
		"--backend", s.Backend,
		"--max-memory-size", strconv.FormatUint(s.MaxMemoryKiB, 10),
	}
	if s.Flake {
		args = append(args, "--flake")
	}
	if s.Impure {
		args = append(args, "--impure")
	}
	if s.ShowTrace {
		args = append(args, "--show-trace")
	}
	if s.Meta {
		args = append(args, "--meta")
	}
	if s.GCRootsDir != "" {
		args = append(args, "--gc-roots-dir", s.GCRootsDir)
	}
	for _, a := range s.Args {
		if a.Str {
			args = append(args, "--argstr", a.Name+"="+a.Value)
		} else {
			args = append(args, "--arg", a.Name+"="+a.Value)
		}
	}
	if rootLogLevel != "" {
		args = append(args, "--log-level", rootLogLevel)
	}
	return args
}

func startStatusServer(addr string, view *sched.View) (*server.Server, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, usageErr("invalid --status-addr %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, usageErr("invalid --status-addr port %q", portStr)
	}

	health := handlers.NewHealthManager(Version)
	srv := server.New(host, port).
		WithHealth(health).
		WithStats(view).
		WithVersion(Version)

	if err := srv.Start(); err != nil {
		return nil, err
	}
	observability.CLILogger.Info("status server listening", zap.String("addr", srv.Addr()))
	return srv, nil
}
