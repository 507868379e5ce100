/*
Package main is the entry point for reactsql.

reactsql answers natural-language questions about a SQLite database with a
ReAct agent and streams every reasoning step as it happens. The binary has
three commands:

  - serve:  run the HTTP event producer (agent, SQL tools and REST API)
  - ask:    submit a question to a running server and render the steps live
  - tables: list the tables of the configured database

Configuration comes from environment variables (see core.LoadConfig); the
--server flag overrides SERVER_URL for client commands.
*/
package main

import (
	"os"

	"github.com/spf13/cobra"

	"reactsql/core"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:          "reactsql",
	Short:        "Ask questions about a SQL database and watch the agent reason",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "event producer base URL (overrides SERVER_URL)")
}

// loadConfig reads the environment and applies command line overrides.
func loadConfig() *core.Config {
	config := core.LoadConfig()
	if serverURL != "" {
		config.ServerURL = serverURL
	}
	return config
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
