package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nixhive/evaljobs/internal/observability"
)

// doctorCmd checks the run environment before a long evaluation is started.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the environment can run an evaluation",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

var doctorGCRootsDir string

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorGCRootsDir, "gc-roots-dir", "", "Also verify this GC-roots directory is writable")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ok := true

	if path, err := exec.LookPath("nix"); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "ok    nix binary: %s\n", path)
	} else {
		ok = false
		fmt.Fprintln(cmd.OutOrStdout(), "FAIL  nix binary not found in PATH")
	}

	if exe, err := os.Executable(); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "ok    worker re-exec target: %s\n", exe)
	} else {
		ok = false
		fmt.Fprintf(cmd.OutOrStdout(), "FAIL  cannot resolve own executable: %v\n", err)
	}

	if doctorGCRootsDir != "" {
		probe := filepath.Join(doctorGCRootsDir, ".evaljobs-doctor")
		if err := os.MkdirAll(doctorGCRootsDir, 0o755); err != nil {
			ok = false
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL  gc-roots dir: %v\n", err)
		} else if f, err := os.Create(probe); err != nil {
			ok = false
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL  gc-roots dir not writable: %v\n", err)
		} else {
			_ = f.Close()
			_ = os.Remove(probe)
			fmt.Fprintf(cmd.OutOrStdout(), "ok    gc-roots dir writable: %s\n", doctorGCRootsDir)
		}
	}

	if !ok {
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable,
			"environment checks failed", zap.Bool("gc_roots_checked", doctorGCRootsDir != ""))
	}
	return nil
}
