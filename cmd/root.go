// Package cmd defines the CLI commands for the catalog-crawler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog-crawler",
		Short: "Crawls product catalog sites into a searchable price history",
		Long: `catalog-crawler walks a catalog site's category tree, extracts items and
prices into the catalog store, keeps a search index current, and re-checks
known items without rediscovery via table scans. Crawls are resumable: all
queue state lives in a per-store frontier record, so a crashed worker picks
up exactly where the last one stopped.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newTableScanCmd())
	cmd.AddCommand(newReconcileCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
