package cli

import (
	"fmt"

	"matchcut/internal/version"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("matchcut %s (commit %s, built %s)\n",
				version.Version, version.GitCommit, version.BuildTime)
		},
	}
}
