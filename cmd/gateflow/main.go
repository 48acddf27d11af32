package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "gateflow",
		Short: "Workflow trigger and checklist orchestrator",
		Long: `gateflow watches for host events, runs the matching workflow's ordered
steps against external collaborators, tracks checklist gates and only
lets a gated action through when every item passes.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to configuration file")

	root.AddCommand(
		newServeCommand(&cfgPath),
		newTriggerCommand(&cfgPath),
		newStatusCommand(&cfgPath),
		newPruneCommand(&cfgPath),
		newValidateCommand(&cfgPath),
	)
	return root
}
