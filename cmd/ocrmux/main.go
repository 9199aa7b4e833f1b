// Package main is the entry point for the ocrmux gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blueberrycongee/ocrmux"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "ocrmux",
		Short: "Routing gateway for OCR and document processing backends",
		Long: `ocrmux scores local and remote document processing backends for every
request, fails over between them behind per-backend circuit breakers, and
caches routing decisions and results.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to configuration file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(validateCmd(&configPath))
	root.AddCommand(routeCmd(&configPath))
	root.AddCommand(versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), ocrmux.Version)
		},
	}
}
