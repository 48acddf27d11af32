package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gateflow/gateflow/config"
)

func newStatusCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a snapshot of stored runs",
		Long: `Show every stored run with its state and step log. Terminal runs stay
inspectable for postmortem until pruned. Requires the Redis store to see
runs from a separately running serve process.`,
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

			runs, err := store.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println(dimStyle.Render("no runs recorded"))
				return nil
			}

			sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt < runs[j].CreatedAt })
			for _, run := range runs {
				printRun(run)
			}
			return nil
		},
	}
}
