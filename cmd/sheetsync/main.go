package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Keep a spreadsheet and a database table in sync",
	Long: `sheetsync mirrors a Google Sheets tab into a PostgreSQL table and replays
local table changes back to the sheet.

Inbound: the whole sheet is fetched, diffed against the table and applied.
Outbound: a trigger-fed change log is drained against the sheet in order.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config (defaults to $CONFIG_PATH)")
	rootCmd.AddCommand(serveCmd, inboundCmd, drainCmd, schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
