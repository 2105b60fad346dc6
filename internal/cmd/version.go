package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the binary version, overridden at link time.
var Version = "0.2.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the evaljobs version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "evaljobs", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
