// Package command provides the ride-dispatch CLI built on cobra.
//
//	./server serve                       # run the API and realtime gateway
//	./server migrate [--dsn postgres://] # apply the Postgres schema
//	./server token --subject rider-1 --role rider
package command

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Ride dispatch API",
	Long: `Ride dispatch API: ride lifecycle, driver matching and realtime
fanout to rider and driver connections over websockets.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		_ = godotenv.Load()
	},
}

// Execute runs the most specific command for the CLI arguments and exits
// non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}
