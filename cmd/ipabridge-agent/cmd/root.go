package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ipabridge-agent",
	Short: "In-instance enrollment agent for ipabridge",
	Long: `ipabridge-agent runs inside a freshly booted instance. It waits for the
one-time password delivered through the platform's vendordata channel,
enrolls the host with the directory server, and destroys the password.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
