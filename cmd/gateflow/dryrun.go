package main

import (
	"context"
	"fmt"

	"github.com/gateflow/gateflow/collab"
	"github.com/gateflow/gateflow/orchestrator"
	"github.com/gateflow/gateflow/types"
)

// dryRunHost stands in for the external collaborators when gateflow runs
// from the command line. Every host action prints what it would do and
// every predicate passes; real deployments embed the orchestrator
// package and register their own handles.
type dryRunHost struct{}

func (dryRunHost) PostComment(_ context.Context, subject, body string) error {
	fmt.Println(actionStyle.Render(fmt.Sprintf("would post comment on %s: %s", subject, body)))
	return nil
}

func (dryRunHost) CreateCommit(_ context.Context, subject, message string) error {
	fmt.Println(actionStyle.Render(fmt.Sprintf("would commit on %s: %s", subject, message)))
	return nil
}

func (dryRunHost) PushBranch(_ context.Context, subject string) error {
	fmt.Println(actionStyle.Render(fmt.Sprintf("would push branch for %s", subject)))
	return nil
}

func (dryRunHost) SquashMerge(_ context.Context, subject string) error {
	fmt.Println(actionStyle.Render(fmt.Sprintf("would squash-merge %s", subject)))
	return nil
}

func (dryRunHost) ListIssues(_ context.Context, _ string) ([]types.Issue, error) {
	return nil, nil
}

func (dryRunHost) Status(_ context.Context, _ string) (collab.CIState, error) {
	return collab.CIPass, nil
}

// registerDryRun binds the built-in workflow and checklist names to the
// dry-run host.
func registerDryRun(engine *orchestrator.Engine) {
	host := dryRunHost{}
	engine.SetIssueSource(host)

	comment := func(text string) orchestrator.Action {
		return orchestrator.ActionFunc(func(ctx context.Context, env map[string]interface{}) (interface{}, error) {
			subject, _ := env["subject"].(string)
			return nil, host.PostComment(ctx, subject, text)
		})
	}
	commit := func(text string) orchestrator.Action {
		return orchestrator.ActionFunc(func(ctx context.Context, env map[string]interface{}) (interface{}, error) {
			subject, _ := env["subject"].(string)
			return nil, host.CreateCommit(ctx, subject, text)
		})
	}
	noop := orchestrator.ActionFunc(func(ctx context.Context, env map[string]interface{}) (interface{}, error) {
		return nil, nil
	})

	_ = engine.RegisterAction("scan_changes", noop)
	_ = engine.RegisterAction("post_review", comment("review findings"))
	_ = engine.RegisterAction("post_summary", comment("review summary"))
	_ = engine.RegisterAction("post_comment", comment("pre-merge checklist passed"))
	_ = engine.RegisterAction("fix_issue", commit("fix outstanding issue"))
	_ = engine.RegisterAction("push_branch", orchestrator.ActionFunc(func(ctx context.Context, env map[string]interface{}) (interface{}, error) {
		subject, _ := env["subject"].(string)
		return nil, host.PushBranch(ctx, subject)
	}))
	_ = engine.RegisterAction("squash_merge", orchestrator.ActionFunc(func(ctx context.Context, env map[string]interface{}) (interface{}, error) {
		subject, _ := env["subject"].(string)
		return nil, host.SquashMerge(ctx, subject)
	}))
	_ = engine.RegisterAction("scan_complexity", orchestrator.ActionFunc(func(ctx context.Context, env map[string]interface{}) (interface{}, error) {
		env["complex_functions"] = 0
		return 0, nil
	}))
	_ = engine.RegisterAction("simplify_function", commit("simplify complex function"))
	_ = engine.RegisterAction("run_tests", noop)

	_ = engine.RegisterPredicateFunc("ci_status", ciPredicate(host))
	_ = engine.RegisterPredicateFunc("coverage", func(ctx context.Context, subject string) (bool, error) {
		return true, nil
	})
	_ = engine.RegisterPredicateFunc("issues_clear", func(ctx context.Context, subject string) (bool, error) {
		issues, err := host.ListIssues(ctx, subject)
		if err != nil {
			return false, err
		}
		return len(issues) == 0, nil
	})
}

// ciPredicate adapts a CI status source to a checklist predicate. Only
// a completed passing build satisfies the gate; pending stays failing
// until the next evaluation.
func ciPredicate(src collab.CIStatusSource) func(ctx context.Context, subject string) (bool, error) {
	return func(ctx context.Context, subject string) (bool, error) {
		state, err := src.Status(ctx, subject)
		if err != nil {
			return false, err
		}
		return state == collab.CIPass, nil
	}
}
