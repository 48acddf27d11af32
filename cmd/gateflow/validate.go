package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gateflow/gateflow/config"
)

func newValidateCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			fmt.Println(okStyle.Render("configuration is valid"))
			fmt.Println(headerStyle.Render("workflows:"))
			for _, wf := range cfg.Workflows {
				gate := ""
				if wf.Checklist != "" {
					gate = dimStyle.Render(" gated by " + wf.Checklist)
				}
				fmt.Printf("  %-22s on %-18s %d step(s)%s\n", wf.Name, wf.Trigger, len(wf.Steps), gate)
			}
			fmt.Println(headerStyle.Render("checklists:"))
			for name, items := range cfg.Checklists {
				fmt.Printf("  %-22s %d item(s)\n", name, len(items))
			}
			return nil
		},
	}
}
