package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

// New builds the root command. The run closure owns the whole service
// lifetime and returns only on shutdown or fatal init failure.
func New(run func() error) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tcvalidatord",
		Short: "TripCode validator node: PBFT block agreement over a permissioned validator set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the node version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}

	rootCmd.AddCommand(versionCmd)
	return rootCmd
}
