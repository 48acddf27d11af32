package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gateflow/gateflow/collab"
	"github.com/gateflow/gateflow/events"
	"github.com/gateflow/gateflow/types"
)

// drive executes a run to its terminal state and returns the final run.
// Cancellation and the definition's exit condition are checked at step
// boundaries only; a step already executing always finishes.
func (e *Engine) drive(ctx context.Context, def types.WorkflowDefinition, run types.WorkflowRun) types.WorkflowRun {
	run.State = types.StateRunning
	run.UpdatedAt = time.Now().UnixMilli()
	if err := e.store.SaveRun(ctx, run); err != nil {
		return e.finish(ctx, run, types.StateFailed, ReasonStepFailure, events.TypeRunFailed)
	}
	e.publish(ctx, events.TypeRunStarted, run.ID, map[string]interface{}{
		"workflow": run.Workflow,
		"event_id": run.EventID,
		"attempt":  run.Attempt,
	})

	gateChecked := false

	for run.StepIndex < len(def.Steps) {
		if e.cancelled(run.ID) {
			return e.finish(ctx, run, types.StateCancelled, "", events.TypeRunCancelled)
		}

		if def.ExitCondition != "" {
			done, err := e.evaluator.Evaluate(def.ExitCondition, run.Context)
			if err != nil {
				run.Log = append(run.Log, failureRecord(def.Steps[run.StepIndex].Name, err))
				return e.finish(ctx, run, types.StateFailed, ReasonStepFailure, events.TypeRunFailed)
			}
			if done {
				return e.finish(ctx, run, types.StateExited, "", events.TypeRunExited)
			}
		}

		step := def.Steps[run.StepIndex]

		if step.Guard != "" {
			pass, err := e.evaluator.Evaluate(step.Guard, run.Context)
			if err != nil {
				run.Log = append(run.Log, failureRecord(step.Name, err))
				return e.finish(ctx, run, types.StateFailed, ReasonStepFailure, events.TypeRunFailed)
			}
			if !pass {
				now := time.Now().UnixMilli()
				run.Log = append(run.Log, types.StepRecord{
					Step: step.Name, Status: types.StepSkipped, StartedAt: now, FinishedAt: now,
				})
				run.StepIndex++
				run.UpdatedAt = now
				_ = e.store.SaveRun(ctx, run)
				continue
			}
		}

		// The gated action never executes against a failing checklist.
		if step.Outcome == types.OutcomeMerge && def.Checklist != "" {
			pass, err := e.evaluateGate(ctx, def, &run)
			gateChecked = true
			if err != nil {
				run.Log = append(run.Log, failureRecord(step.Name, err))
				return e.finish(ctx, run, types.StateFailed, ReasonGateFailed, events.TypeRunFailed)
			}
			if !pass {
				return e.finish(ctx, run, types.StateFailed, ReasonGateFailed, events.TypeRunFailed)
			}
		}

		records, result, stepErr := e.executeStep(ctx, step, run.Subject, run.Context)
		run.Log = append(run.Log, records...)
		run.UpdatedAt = time.Now().UnixMilli()
		_ = e.store.SaveRun(ctx, run)

		status := types.StepSuccess
		if len(records) > 0 {
			status = records[len(records)-1].Status
		}
		e.publish(ctx, events.TypeStepCompleted, run.ID, map[string]interface{}{
			"step":   step.Name,
			"status": string(status),
		})

		if stepErr != nil {
			reason := ReasonStepFailure
			if errors.Is(stepErr, ErrRemediationExhausted) {
				reason = ReasonRemediationExhausted
			}
			return e.finish(ctx, run, types.StateFailed, reason, events.TypeRunFailed)
		}

		if result != nil {
			run.Context["result"] = result
		}
		run.StepIndex++
		run.UpdatedAt = time.Now().UnixMilli()
		_ = e.store.SaveRun(ctx, run)
	}

	if def.Checklist != "" && !gateChecked {
		pass, err := e.evaluateGate(ctx, def, &run)
		if err != nil || !pass {
			if err != nil {
				run.Log = append(run.Log, failureRecord(def.Checklist, err))
			}
			return e.finish(ctx, run, types.StateFailed, ReasonGateFailed, events.TypeRunFailed)
		}
	}

	final := e.finish(ctx, run, types.StateSucceeded, "", events.TypeRunSucceeded)
	e.maybeRepeat(ctx, def, final)
	return final
}

// finish moves a run to a terminal state, persists it and notifies the bus.
func (e *Engine) finish(ctx context.Context, run types.WorkflowRun, state, reason, eventType string) types.WorkflowRun {
	run.State = state
	run.Reason = reason
	run.UpdatedAt = time.Now().UnixMilli()
	_ = e.store.SaveRun(ctx, run)

	data := map[string]interface{}{"workflow": run.Workflow, "state": state}
	if reason != "" {
		data["reason"] = reason
	}
	e.publish(ctx, eventType, run.ID, data)
	return run
}

// evaluateGate runs the definition's checklist for the run's subject and
// reports the aggregate. The result is also published on the bus.
func (e *Engine) evaluateGate(ctx context.Context, def types.WorkflowDefinition, run *types.WorkflowRun) (bool, error) {
	e.mu.RLock()
	items, ok := e.checklists[def.Checklist]
	e.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrChecklistNotConfigured, def.Checklist)
	}

	result, err := e.gate.Evaluate(ctx, run.Subject, items)
	if err != nil {
		return false, err
	}

	itemStates := make(map[string]interface{}, len(result.Items))
	for _, item := range result.Items {
		itemStates[item.Name] = string(item.Result)
	}
	e.publish(ctx, events.TypeGateEvaluated, run.ID, map[string]interface{}{
		"checklist": def.Checklist,
		"pass":      result.Pass,
		"items":     itemStates,
	})

	run.Context["gate_pass"] = result.Pass
	return result.Pass, nil
}

// executeStep runs one workflow step, delegating remediation steps to
// the bounded sub-loop. It returns the appended log records, the action
// result for the run context, and a terminal error when the step failed.
func (e *Engine) executeStep(ctx context.Context, step types.Step, subject string, env map[string]interface{}) ([]types.StepRecord, interface{}, error) {
	e.mu.RLock()
	action, ok := e.actions[step.Action]
	e.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrActionNotRegistered, step.Action)
		return []types.StepRecord{failureRecord(step.Name, err)}, nil, err
	}

	if step.Remediation != nil {
		records, err := e.remediate(ctx, step, action, subject, env)
		return records, nil, err
	}

	started := time.Now().UnixMilli()
	result, status, attempts, err := e.invoke(ctx, action, step, env)

	record := types.StepRecord{
		Step:       step.Name,
		Status:     status,
		Attempts:   attempts,
		StartedAt:  started,
		FinishedAt: time.Now().UnixMilli(),
	}
	if err != nil {
		record.Detail = err.Error()
	} else if status == types.StepWarning {
		record.Detail = "timed out; step is best-effort"
	}
	return []types.StepRecord{record}, result, err
}

// invoke calls the action with the step's bounded wait, retrying
// collaborator unavailability with linear backoff. Timeouts on
// best-effort steps degrade to a warning instead of failing the run.
func (e *Engine) invoke(ctx context.Context, action Action, step types.Step, env map[string]interface{}) (interface{}, types.StepStatus, int, error) {
	e.mu.RLock()
	timeout := e.stepTimeout
	maxRetries := e.maxRetries
	retryDelay := e.retryDelay
	e.mu.RUnlock()

	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	if step.MaxRetries > 0 {
		maxRetries = step.MaxRetries
	}
	if step.RetryDelaySec > 0 {
		retryDelay = time.Duration(step.RetryDelaySec) * time.Second
	}

	for attempt := 1; ; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := action.Execute(stepCtx, env)
		cancel()

		if err == nil {
			return result, types.StepSuccess, attempt, nil
		}

		if errors.Is(err, context.DeadlineExceeded) {
			if step.BestEffort {
				return nil, types.StepWarning, attempt, nil
			}
			return nil, types.StepTimeout, attempt, fmt.Errorf("step %s timed out after %s", step.Name, timeout)
		}

		if errors.Is(err, collab.ErrUnavailable) && attempt <= maxRetries {
			select {
			case <-ctx.Done():
				return nil, types.StepFailure, attempt, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
			continue
		}

		return nil, types.StepFailure, attempt, fmt.Errorf("step %s failed after %d attempt(s): %w", step.Name, attempt, err)
	}
}

// remediate runs the bounded fix/verify/commit sub-loop. Each iteration
// re-lists outstanding issues, checks the exit condition and fixes the
// first remaining issue through the step's action. The fix count is
// capped; the final passing check is recorded but not counted.
func (e *Engine) remediate(ctx context.Context, step types.Step, action Action, subject string, env map[string]interface{}) ([]types.StepRecord, error) {
	e.mu.RLock()
	issues := e.issues
	limit := e.remediationCap
	e.mu.RUnlock()

	if issues == nil {
		return []types.StepRecord{failureRecord(step.Name, ErrIssueSourceNotSet)}, ErrIssueSourceNotSet
	}
	if step.Remediation.MaxIterations > 0 {
		limit = step.Remediation.MaxIterations
	}
	exit := step.Remediation.ExitCondition
	if exit == "" {
		exit = "issues == 0"
	}

	var records []types.StepRecord
	for iteration := 0; ; iteration++ {
		outstanding, err := issues.ListIssues(ctx, subject)
		if err != nil {
			err = fmt.Errorf("list issues: %w", err)
			return append(records, failureRecord(step.Name, err)), err
		}
		env["issues"] = len(outstanding)

		done, err := e.evaluator.Evaluate(exit, env)
		if err != nil {
			return append(records, failureRecord(step.Name, err)), err
		}
		if done {
			now := time.Now().UnixMilli()
			records = append(records, types.StepRecord{
				Step:       step.Name + ":check",
				Status:     types.StepSuccess,
				Detail:     fmt.Sprintf("%d issues outstanding", len(outstanding)),
				Attempts:   1,
				StartedAt:  now,
				FinishedAt: now,
			})
			return records, nil
		}

		if iteration >= limit {
			err := fmt.Errorf("%w: %d issues still outstanding after %d iterations",
				ErrRemediationExhausted, len(outstanding), limit)
			return append(records, failureRecord(step.Name, err)), err
		}

		issue := outstanding[0]
		env["issue_id"] = issue.ID
		env["issue_description"] = issue.Description

		started := time.Now().UnixMilli()
		_, status, attempts, err := e.invoke(ctx, action, step, env)
		record := types.StepRecord{
			Step:       fmt.Sprintf("%s[%s]", step.Name, issue.ID),
			Status:     status,
			Attempts:   attempts,
			StartedAt:  started,
			FinishedAt: time.Now().UnixMilli(),
		}
		if err != nil {
			record.Detail = err.Error()
			return append(records, record), err
		}
		records = append(records, record)
	}
}

// maybeRepeat starts a fresh run when the definition's repeat condition
// still holds after a successful run. The chain is bounded; the original
// run is never mutated.
func (e *Engine) maybeRepeat(ctx context.Context, def types.WorkflowDefinition, run types.WorkflowRun) {
	if def.RepeatCondition == "" {
		return
	}

	limit := def.MaxRepeats
	if limit <= 0 {
		e.mu.RLock()
		limit = e.repeatCap
		e.mu.RUnlock()
	}
	if run.Attempt >= limit {
		return
	}

	again, err := e.evaluator.Evaluate(def.RepeatCondition, run.Context)
	if err != nil || !again {
		return
	}

	next, err := e.createRun(ctx, def, types.CanonicalEvent{
		ID:      run.EventID,
		Kind:    def.Trigger,
		Subject: run.Subject,
		Payload: run.Context,
	}, run.Attempt+1)
	if err != nil {
		return
	}
	e.drive(ctx, def, next)
}

func failureRecord(step string, err error) types.StepRecord {
	now := time.Now().UnixMilli()
	return types.StepRecord{
		Step:       step,
		Status:     types.StepFailure,
		Detail:     err.Error(),
		Attempts:   1,
		StartedAt:  now,
		FinishedAt: now,
	}
}
