package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/hindsight-dev/hindsight/internal/build"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", build.AppName, build.Version, runtime.Version())
		},
	}
}
