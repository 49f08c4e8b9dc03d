package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "argus",
	Short: "Argus - distributed host and service monitoring",
	Long: `Argus actively checks hosts and services, tracks their hard and soft
states, sends notifications, and replicates results across cluster
endpoints. A single binary runs as master, satellite, or agent; the
role follows from the configured zones and endpoints.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Argus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(verifyCmd)
}
