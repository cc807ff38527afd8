// Command turnstiled is a privileged daemon that starts and stops a
// per-user service-manager instance on behalf of PAM login sessions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "turnstiled [config-path]",
	Short:         "turnstiled -- per-user service-manager supervisor",
	Long:          "turnstiled starts and stops a per-user service-manager instance on behalf of PAM login sessions, publishing its runtime directory back to clients over a control socket.",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			configPath = args[0]
		}
		return runDaemon(configPath)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
