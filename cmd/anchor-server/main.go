package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "anchor-server",
	Short: "Risk scoring, recommendations and notification scheduling for recovery support",
	Long: `anchor-server ingests behavioral check-ins, scores relapse risk, ranks
coping interventions and schedules notifications around the user's quiet hours.

Running without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "anchor-server version %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Git commit: %s\n", GitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build date: %s\n", BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, assessCmd, rankCmd, catalogCmd, versionCmd)
}
