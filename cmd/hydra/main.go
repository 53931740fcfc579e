// Command hydra is the resolver engine's entry point: serve runs the
// proxy, query sends a one-shot lookup against a running (or any) DNS
// server, and zone-print dumps a zone file's records for inspection.
// Grounded on the teacher's cmd/hydradns, cmd/dnsquery, and cmd/print-zone
// tools, unified behind a cobra root command the way bavix/outway's
// cmd.NewRootCmd wires its run/cleanup/update subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string //nolint:gochecknoglobals // cobra persistent flag

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hydra",
		Short:         "Recursive DNS proxy: caching, rewriting, and multi-protocol listeners",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (YAML)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newZonePrintCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
