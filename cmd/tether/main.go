// Package main is the entry point for Tether.
//
// The serve command wires configuration, persistence, the transport
// adapters, the connection manager, the health monitor, the offline engine,
// the recovery orchestrator, backups and the HTTP API, and shuts them down
// gracefully on SIGINT/SIGTERM. The probe command runs a one-shot
// reachability check against an endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigdegenenergy/open-cloud-ops/tether/api"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "tether",
		Short:   "Tether - Open Cloud Ops connectivity and offline sync service",
		Version: api.Version,
		Long: `Tether keeps a single active backend connection healthy, caches backend
tables for offline use and syncs local changes back when the link returns.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
