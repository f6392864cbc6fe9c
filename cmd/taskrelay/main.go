package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "taskrelay",
		Short:         "Asynchronous task relay: HTTP submission, broker-backed workers, status polling",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default ./taskrelay.yaml if present)")
	root.PersistentFlags().String("log-level", "", "override log.level")

	root.AddCommand(
		buildServeCommand(&configFile),
		buildWorkerCommand(&configFile),
		buildSubmitCommand(&configFile),
		buildStatusCommand(&configFile),
		buildInspectCommand(&configFile),
	)
	return root
}
