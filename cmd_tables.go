package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"reactsql/core"
	localtools "reactsql/tools"
)

func init() {
	rootCmd.AddCommand(tablesCmd)
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables of the configured database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config := loadConfig()
		core.InitializeLoggerTo(config, cmd.ErrOrStderr())

		db, err := localtools.Open(config.DatabasePath, config.SampleRows, config.QueryRowLimit)
		if err != nil {
			return err
		}
		defer db.Close()

		tables, err := db.Tables(cmd.Context())
		if err != nil {
			return err
		}
		for _, table := range tables {
			fmt.Fprintln(cmd.OutOrStdout(), table)
		}
		return nil
	},
}
