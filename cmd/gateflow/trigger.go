package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gateflow/gateflow/config"
	"github.com/gateflow/gateflow/source"
	"github.com/gateflow/gateflow/types"
)

func newTriggerCommand(cfgPath *string) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "trigger <workflow>",
		Short: "Manually invoke a workflow and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			engine, cleanup, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			defer engine.Stop()

			ev := source.ManualInvoke(args[0], subject)
			runs, err := engine.TriggerSync(ctx, ev)
			if err != nil {
				return err
			}

			for _, run := range runs {
				printRun(run)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject reference, e.g. a PR id")
	return cmd
}

func printRun(run types.WorkflowRun) {
	fmt.Printf("%s %s\n",
		headerStyle.Render(fmt.Sprintf("run %d (%s, attempt %d):", run.ID, run.Workflow, run.Attempt)),
		stateStyle(run.State).Render(run.State))
	if run.Reason != "" {
		fmt.Println(failStyle.Render("  reason: " + run.Reason))
	}
	for _, rec := range run.Log {
		line := fmt.Sprintf("  %-30s %s", rec.Step, stateStyle(string(rec.Status)).Render(string(rec.Status)))
		if rec.Detail != "" {
			line += dimStyle.Render(" (" + rec.Detail + ")")
		}
		fmt.Println(line)
	}
}
