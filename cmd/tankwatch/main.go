// Command tankwatch polls propane tank portals and serves consumption
// totals over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "tankwatch",
		Short:         "Track propane consumption from Superior Propane portals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./tankwatch.yaml or /etc/tankwatch/tankwatch.yaml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newCheckCmd(&cfgPath),
		newHashTokenCmd(),
	)
	return root
}
