package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "prd-orch",
		Short: "PRD Orchestrator - multi-agent work item coordinator",
		Long: `PRD Orchestrator coordinates independent worker processes sharing a
directory of PRD work items. It owns the locks, claims, dependency
resolution and execution history that keep concurrent executors from
stepping on each other.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
