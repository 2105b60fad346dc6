// Package cmd wires the evaljobs command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nixhive/evaljobs/internal/config"
	"github.com/nixhive/evaljobs/internal/observability"
	"github.com/nixhive/evaljobs/pkg/eval"
	"github.com/nixhive/evaljobs/pkg/manifest"
)

var rootCmd = &cobra.Command{
	Use:   "evaljobs [flags] <expr>",
	Short: "Evaluate an expression tree and stream its leaf derivations as NDJSON",
	Long: `evaljobs walks an attribute-set / list / derivation forest and prints one
JSON object per leaf derivation on stdout.

Evaluation runs in short-lived worker processes. A worker that crosses the
memory ceiling exits and is replaced, so the operating system reclaims the
evaluator heap wholesale; no in-process garbage collection is needed.

Examples:
  evaljobs ./release.nix
  evaljobs --flake '.#hydraJobs'
  evaljobs --workers 4 --max-memory-size 2097152 ./ci.nix
  evaljobs --job eval.yaml
  evaljobs --select 'packages.**' ./release.nix`,
	Args:              cobra.MaximumNArgs(1),
	PersistentPreRunE: setup,
	RunE:              runEval,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// setup runs after flag parsing for every command: it loads configuration
// and initializes logging.
func setup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	loadedConfig = cfg

	level := cfg.Logging.Level
	if rootLogLevel != "" {
		level = rootLogLevel
	}
	observability.Init(level)
	return nil
}

var (
	rootWorkers       int
	rootMaxMemory     uint64
	rootGCRootsDir    string
	rootFlake         bool
	rootMeta          bool
	rootImpure        bool
	rootShowTrace     bool
	rootSelect        []string
	rootArgs          []string
	rootArgStrs       []string
	rootJobPath       string
	rootStatusAddr    string
	rootBackend       string
	rootLogLevel      string
	rootRespawnPerSec float64
)

func init() {
	f := rootCmd.Flags()
	f.IntVar(&rootWorkers, "workers", 0, "Number of evaluation workers")
	f.Uint64Var(&rootMaxMemory, "max-memory-size", 0, "Worker RSS ceiling in KiB")
	f.StringVar(&rootGCRootsDir, "gc-roots-dir", "", "Write one indirect GC root per emitted derivation")
	f.BoolVar(&rootFlake, "flake", false, "Treat the expression reference as a flake URI")
	f.BoolVar(&rootMeta, "meta", false, "Include derivation meta in output")
	f.BoolVar(&rootImpure, "impure", false, "Allow access to the ambient environment during evaluation")
	f.BoolVar(&rootShowTrace, "show-trace", false, "Include evaluator backtraces in error frames")
	f.StringArrayVar(&rootSelect, "select", nil, "Only emit leaves whose dotted path matches this glob (repeatable)")
	f.StringArrayVar(&rootArgs, "arg", nil, "Auto-call argument as name=expr (repeatable)")
	f.StringArrayVar(&rootArgStrs, "argstr", nil, "Auto-call argument as name=string (repeatable)")
	f.StringVarP(&rootJobPath, "job", "j", "", "Load run settings from a YAML or JSON manifest")
	f.StringVar(&rootStatusAddr, "status-addr", "", "Serve /healthz and /status on this address while running")
	f.StringVar(&rootBackend, "backend", "nix", "Evaluator backend: nix or static")
	f.Float64Var(&rootRespawnPerSec, "respawn-rate", 0, "Bound replacement-worker spawns per second (0 = unbounded)")

	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, error")

	_ = f.MarkHidden("backend")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer observability.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "evaljobs:", err)
		return exitCodeFor(err)
	}
	return 0
}

// loadedConfig is populated by setup before command dispatch.
var loadedConfig *config.Config

// runSettings is the fully merged view of one run: config defaults,
// manifest values, then flags, highest last.
type runSettings struct {
	Expr          string
	Flake         bool
	Workers       int
	MaxMemoryKiB  uint64
	GCRootsDir    string
	Meta          bool
	Impure        bool
	ShowTrace     bool
	Select        []string
	Args          []eval.Arg
	Backend       string
	StatusAddr    string
	RespawnPerSec float64
}

func mergeSettings(cmd *cobra.Command, args []string) (*runSettings, error) {
	cfg := loadedConfig

	s := &runSettings{
		Workers:       cfg.Workers,
		MaxMemoryKiB:  cfg.MaxMemoryKiB,
		GCRootsDir:    cfg.GCRootsDir,
		Backend:       "nix",
		StatusAddr:    cfg.Status.Addr,
		RespawnPerSec: cfg.RespawnPerSecond,
	}

	if rootJobPath != "" {
		m, err := manifest.Load(rootJobPath)
		if err != nil {
			return nil, err
		}
		s.Expr = m.Expr
		s.Flake = m.Flake
		if m.Workers > 0 {
			s.Workers = m.Workers
		}
		if m.MaxMemorySize > 0 {
			s.MaxMemoryKiB = uint64(m.MaxMemorySize)
		}
		if m.GCRootsDir != "" {
			s.GCRootsDir = m.GCRootsDir
		}
		s.Meta = m.Meta
		s.Impure = m.Impure
		s.ShowTrace = m.ShowTrace
		s.Select = append(s.Select, m.Select...)
		for _, a := range m.Args {
			s.Args = append(s.Args, eval.Arg{Name: a.Name, Value: a.Expr + a.Str, Str: a.Str != ""})
		}
	}

	if len(args) == 1 {
		s.Expr = args[0]
	}
	if cmd.Flags().Changed("flake") {
		s.Flake = rootFlake
	}
	if rootWorkers > 0 {
		s.Workers = rootWorkers
	}
	if rootMaxMemory > 0 {
		s.MaxMemoryKiB = rootMaxMemory
	}
	if rootGCRootsDir != "" {
		s.GCRootsDir = rootGCRootsDir
	}
	if cmd.Flags().Changed("meta") {
		s.Meta = rootMeta
	}
	if cmd.Flags().Changed("impure") {
		s.Impure = rootImpure
	}
	if cmd.Flags().Changed("show-trace") {
		s.ShowTrace = rootShowTrace
	}
	s.Select = append(s.Select, rootSelect...)
	if rootStatusAddr != "" {
		s.StatusAddr = rootStatusAddr
	}
	if rootBackend != "" {
		s.Backend = rootBackend
	}
	if rootRespawnPerSec > 0 {
		s.RespawnPerSec = rootRespawnPerSec
	}

	flagArgs, err := parseArgFlags(rootArgs, rootArgStrs)
	if err != nil {
		return nil, err
	}
	s.Args = append(s.Args, flagArgs...)

	if strings.TrimSpace(s.Expr) == "" {
		return nil, usageErr("no expression specified")
	}
	if s.Backend != "nix" && s.Backend != "static" {
		return nil, usageErr("unknown backend %q", s.Backend)
	}
	return s, nil
}

func parseArgFlags(exprArgs, strArgs []string) ([]eval.Arg, error) {
	var out []eval.Arg
	for _, kv := range exprArgs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, usageErr("--arg expects name=expr, got %q", kv)
		}
		out = append(out, eval.Arg{Name: name, Value: value})
	}
	for _, kv := range strArgs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, usageErr("--argstr expects name=string, got %q", kv)
		}
		out = append(out, eval.Arg{Name: name, Value: value, Str: true})
	}
	return out, nil
}
