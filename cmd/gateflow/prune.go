package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gateflow/gateflow/config"
)

func newPruneCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove terminal runs from the store",
		Long: `Remove succeeded, failed, cancelled and exited runs from the store.
Runs still in flight are kept. Use after postmortem inspection with the
status command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			store, cleanup, err := buildStore(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			pruned, err := store.PruneTerminal(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("pruned %d terminal run(s)", pruned)))
			return nil
		},
	}
}
