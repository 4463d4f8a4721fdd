package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/version"
)

var versionDeps bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Println(info)
		if versionDeps {
			for _, dep := range info.Dependencies {
				fmt.Printf("  %s %s\n", dep.Path, dep.Version)
			}
		}
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionDeps, "deps", false, "list compiled-in module dependencies")
	RootCmd.AddCommand(versionCmd)
}
