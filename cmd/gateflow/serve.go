package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gateflow/gateflow/config"
	"github.com/gateflow/gateflow/events"
)

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator loop",
		Long: `Run the long-lived orchestrator loop. Raw host events are read as
newline-delimited JSON on stdin, normalized, matched against the
configured workflows and driven to completion. The loop runs until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, cleanup, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			defer engine.Stop()

			subscribeLogging(engine)

			// Feed raw stdin payloads to the adapter.
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					line := scanner.Bytes()
					if len(line) == 0 {
						continue
					}
					if err := engine.HandleRaw(ctx, line); err != nil {
						fmt.Fprintln(os.Stderr, failStyle.Render(err.Error()))
					}
				}
			}()

			fmt.Println(headerStyle.Render("gateflow: orchestrator running, reading events from stdin"))
			if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

// subscribeLogging prints run lifecycle notifications to the terminal.
func subscribeLogging(engine interface {
	SubscribeEvent(eventType string, handler events.Handler)
}) {
	log := events.HandlerFunc(func(_ context.Context, ev events.Event) error {
		line := fmt.Sprintf("%s run=%d %v", ev.Type, ev.RunID, ev.Data)
		switch ev.Type {
		case events.TypeRunFailed, events.TypeEventDropped:
			fmt.Println(failStyle.Render(line))
		case events.TypeRunSucceeded:
			fmt.Println(okStyle.Render(line))
		default:
			fmt.Println(dimStyle.Render(line))
		}
		return nil
	})

	for _, t := range []string{
		events.TypeRunStarted,
		events.TypeStepCompleted,
		events.TypeGateEvaluated,
		events.TypeRunSucceeded,
		events.TypeRunFailed,
		events.TypeRunCancelled,
		events.TypeRunExited,
		events.TypeEventDropped,
	} {
		engine.SubscribeEvent(t, log)
	}
}
