package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nixhive/evaljobs/internal/observability"
	"github.com/nixhive/evaljobs/pkg/eval"
	"github.com/nixhive/evaljobs/pkg/eval/nixexec"
	"github.com/nixhive/evaljobs/pkg/eval/statictree"
	"github.com/nixhive/evaljobs/pkg/job"
	"github.com/nixhive/evaljobs/pkg/proto"
	"github.com/nixhive/evaljobs/pkg/worker"
)

// workerCmd is the hidden entry point for worker processes. Coordinators
// re-exec the binary with this subcommand; stdin and stdout carry the
// framed protocol, stderr carries logs.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the worker loop over stdin/stdout (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

var (
	workerExpr       string
	workerFlake      bool
	workerImpure     bool
	workerShowTrace  bool
	workerMeta       bool
	workerGCRootsDir string
	workerMaxMemory  uint64
	workerBackend    string
	workerArgFlags   []string
	workerArgStrs    []string
)

func init() {
	rootCmd.AddCommand(workerCmd)

	f := workerCmd.Flags()
	f.StringVar(&workerExpr, "expr", "", "Expression reference")
	f.BoolVar(&workerFlake, "flake", false, "Expression is a flake URI")
	f.BoolVar(&workerImpure, "impure", false, "Impure evaluation")
	f.BoolVar(&workerShowTrace, "show-trace", false, "Include evaluator backtraces")
	f.BoolVar(&workerMeta, "meta", false, "Include derivation meta")
	f.StringVar(&workerGCRootsDir, "gc-roots-dir", "", "GC roots directory")
	f.Uint64Var(&workerMaxMemory, "max-memory-size", 0, "RSS ceiling in KiB")
	f.StringVar(&workerBackend, "backend", "nix", "Evaluator backend")
	f.StringArrayVar(&workerArgFlags, "arg", nil, "Auto-call argument name=expr")
	f.StringArrayVar(&workerArgStrs, "argstr", nil, "Auto-call argument name=string")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	args, err := parseArgFlags(workerArgFlags, workerArgStrs)
	if err != nil {
		return err
	}

	opts := eval.Options{
		Expr:      workerExpr,
		Flake:     workerFlake,
		Impure:    workerImpure,
		ShowTrace: workerShowTrace,
		Args:      args,
	}

	var open worker.OpenFunc
	switch strings.ToLower(workerBackend) {
	case "static":
		open = func(ctx context.Context) (eval.Session, error) {
			return statictree.Load(opts.Expr)
		}
	default:
		open = func(ctx context.Context) (eval.Session, error) {
			return nixexec.Open(ctx, opts)
		}
	}

	cfg := worker.Config{
		Params: job.Params{
			Meta:       workerMeta,
			GCRootsDir: workerGCRootsDir,
		},
		MaxMemoryKiB: workerMaxMemory,
	}

	conn := proto.NewConn(cmd.InOrStdin(), cmd.OutOrStdout())
	return worker.Run(ctx, conn, open, cfg, observability.CLILogger)
}
