package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateflow/gateflow/collab"
	"github.com/gateflow/gateflow/events"
	"github.com/gateflow/gateflow/rules"
	"github.com/gateflow/gateflow/source"
	"github.com/gateflow/gateflow/storage"
	"github.com/gateflow/gateflow/types"
)

// mockGenerator hands out sequential run IDs.
type mockGenerator struct {
	id uint64
}

func (g *mockGenerator) NextID() (uint64, error) {
	g.id++
	return g.id, nil
}

// recorder is an action that remembers its invocations.
type recorder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recorder) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return "done", r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeIssueSource serves a mutable issue list.
type fakeIssueSource struct {
	mu     sync.Mutex
	issues []types.Issue
}

func (s *fakeIssueSource) ListIssues(_ context.Context, _ string) ([]types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Issue, len(s.issues))
	copy(out, s.issues)
	return out, nil
}

func (s *fakeIssueSource) fix(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, issue := range s.issues {
		if issue.ID == id {
			s.issues = append(s.issues[:i], s.issues[i+1:]...)
			return
		}
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(&mockGenerator{}, storage.NewMemoryStore(), rules.NewExprEvaluator())
	require.NoError(t, err)
	t.Cleanup(engine.Stop)
	return engine
}

func event(kind types.EventKind, subject string, payload map[string]interface{}) types.CanonicalEvent {
	return types.CanonicalEvent{
		ID:         "evt-1",
		Kind:       kind,
		Subject:    subject,
		Payload:    payload,
		ReceivedAt: time.Now().UnixMilli(),
	}
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(nil, nil, nil)
	assert.EqualError(t, err, "generator is required")

	engine, err := NewEngine(&mockGenerator{}, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, engine)
	engine.Stop()
}

func TestRegisterDefinitionValidation(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	assert.Error(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{Trigger: types.EventPROpened}))
	assert.Error(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{Name: "x"}))
	assert.Error(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name: "x", Trigger: types.EventPROpened,
	}))
	assert.Error(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "x",
		Trigger: types.EventPROpened,
		Steps: []types.Step{
			{Name: "a", Action: "act"},
			{Name: "a", Action: "act"},
		},
	}))

	err := engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:      "x",
		Trigger:   types.EventPROpened,
		Checklist: "missing",
		Steps:     []types.Step{{Name: "a", Action: "act"}},
	})
	assert.ErrorIs(t, err, ErrChecklistNotConfigured)

	def := types.WorkflowDefinition{
		Name:    "once",
		Trigger: types.EventPROpened,
		Steps:   []types.Step{{Name: "a", Action: "act"}},
	}
	require.NoError(t, engine.RegisterDefinition(ctx, def))
	assert.NoError(t, engine.RegisterDefinition(ctx, def), "identical re-registration is idempotent")

	def.Steps[0].Action = "other"
	assert.Error(t, engine.RegisterDefinition(ctx, def), "definitions are immutable once loaded")
}

func TestRunSequentialWorkflow(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	first := &recorder{}
	second := &recorder{}
	require.NoError(t, engine.RegisterAction("first", first))
	require.NoError(t, engine.RegisterAction("second", second))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "pr-review",
		Trigger: types.EventPROpened,
		Steps: []types.Step{
			{Name: "review", Action: "first", Outcome: types.OutcomeComment},
			{Name: "summarize", Action: "second", Outcome: types.OutcomeComment},
		},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventPROpened, "pr-42", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, types.StateSucceeded, run.State)
	assert.Equal(t, 2, run.StepIndex)
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())

	require.Len(t, run.Log, 2)
	assert.Equal(t, "review", run.Log[0].Step)
	assert.Equal(t, "summarize", run.Log[1].Step)
	for _, rec := range run.Log {
		assert.Equal(t, types.StepSuccess, rec.Status)
	}
}

func TestStepFailureHaltsRun(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	broken := &recorder{err: errors.New("host rejected the call")}
	after := &recorder{}
	require.NoError(t, engine.RegisterAction("ok", &recorder{}))
	require.NoError(t, engine.RegisterAction("broken", broken))
	require.NoError(t, engine.RegisterAction("after", after))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "fragile",
		Trigger: types.EventPRUpdated,
		Steps: []types.Step{
			{Name: "prepare", Action: "ok"},
			{Name: "apply", Action: "broken"},
			{Name: "never", Action: "after"},
		},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventPRUpdated, "pr-9", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, types.StateFailed, run.State)
	assert.Equal(t, ReasonStepFailure, run.Reason)
	assert.Equal(t, 0, after.count(), "steps after a failure must not run")
	require.Len(t, run.Log, 2)
	assert.Equal(t, types.StepFailure, run.Log[1].Status)
	assert.Contains(t, run.Log[1].Detail, "host rejected")
}

func TestUnregisteredAction(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "misconfigured",
		Trigger: types.EventPROpened,
		Steps:   []types.Step{{Name: "go", Action: "ghost"}},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventPROpened, "pr-1", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StateFailed, runs[0].State)
	assert.Contains(t, runs[0].Log[0].Detail, "action not registered")
}

func TestStepTimeout(t *testing.T) {
	engine := newTestEngine(t)
	engine.SetTimeouts(50*time.Millisecond, 1, time.Millisecond)
	ctx := context.Background()

	slow := ActionFunc(func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	after := &recorder{}
	require.NoError(t, engine.RegisterAction("slow", slow))
	require.NoError(t, engine.RegisterAction("after", after))

	t.Run("HardTimeoutFails", func(t *testing.T) {
		require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
			Name:    "strict",
			Trigger: types.EventPRUpdated,
			Steps: []types.Step{
				{Name: "wait", Action: "slow"},
				{Name: "after", Action: "after"},
			},
		}))

		runs, err := engine.TriggerSync(ctx, event(types.EventPRUpdated, "pr-1", nil))
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, types.StateFailed, runs[0].State)
		assert.Equal(t, types.StepTimeout, runs[0].Log[0].Status)
		assert.Equal(t, 0, after.count())
	})

	t.Run("BestEffortTimeoutAdvances", func(t *testing.T) {
		require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
			Name:    "lenient",
			Trigger: types.EventPRApproved,
			Steps: []types.Step{
				{Name: "wait", Action: "slow", BestEffort: true},
				{Name: "after", Action: "after"},
			},
		}))

		runs, err := engine.TriggerSync(ctx, event(types.EventPRApproved, "pr-1", nil))
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, types.StateSucceeded, runs[0].State)
		assert.Equal(t, types.StepWarning, runs[0].Log[0].Status)
		assert.Equal(t, 1, after.count())
	})
}

func TestCollaboratorUnavailableRetry(t *testing.T) {
	engine := newTestEngine(t)
	engine.SetTimeouts(time.Second, 3, time.Millisecond)
	ctx := context.Background()

	var attempts int
	flaky := ActionFunc(func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, collab.ErrUnavailable
		}
		return "ok", nil
	})
	require.NoError(t, engine.RegisterAction("flaky", flaky))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "retrying",
		Trigger: types.EventPROpened,
		Steps:   []types.Step{{Name: "call", Action: "flaky"}},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventPROpened, "pr-1", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StateSucceeded, runs[0].State)
	assert.Equal(t, 3, runs[0].Log[0].Attempts)
}

func TestCollaboratorUnavailableExhausted(t *testing.T) {
	engine := newTestEngine(t)
	engine.SetTimeouts(time.Second, 2, time.Millisecond)
	ctx := context.Background()

	down := ActionFunc(func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return nil, collab.ErrUnavailable
	})
	require.NoError(t, engine.RegisterAction("down", down))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "doomed",
		Trigger: types.EventPROpened,
		Steps:   []types.Step{{Name: "call", Action: "down"}},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventPROpened, "pr-1", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StateFailed, runs[0].State)
	assert.Equal(t, ReasonStepFailure, runs[0].Reason)
	assert.Equal(t, 3, runs[0].Log[0].Attempts, "initial attempt plus two retries")
}

func TestRemediationLoopFixesAllIssues(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	src := &fakeIssueSource{issues: []types.Issue{
		{ID: "lint-1", Description: "unused import"},
		{ID: "lint-2", Description: "shadowed variable"},
		{ID: "lint-3", Description: "missing error check"},
	}}
	engine.SetIssueSource(src)

	fix := ActionFunc(func(_ context.Context, env map[string]interface{}) (interface{}, error) {
		id, _ := env["issue_id"].(string)
		src.fix(id)
		return id, nil
	})
	push := &recorder{}
	require.NoError(t, engine.RegisterAction("fix_issue", fix))
	require.NoError(t, engine.RegisterAction("push_branch", push))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "issue-remediation",
		Trigger: types.EventIssuesReported,
		Steps: []types.Step{
			{
				Name:        "remediate",
				Action:      "fix_issue",
				Outcome:     types.OutcomeCommit,
				Remediation: &types.Remediation{MaxIterations: 10},
			},
			{Name: "push", Action: "push_branch", Outcome: types.OutcomePush},
		},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventIssuesReported, "pr-5", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, types.StateSucceeded, run.State)
	assert.Equal(t, 1, push.count())

	// Three fix cycles, the final zero-issue check, then the push step.
	require.Len(t, run.Log, 5)
	assert.Equal(t, "remediate[lint-1]", run.Log[0].Step)
	assert.Equal(t, "remediate[lint-2]", run.Log[1].Step)
	assert.Equal(t, "remediate[lint-3]", run.Log[2].Step)
	assert.Equal(t, "remediate:check", run.Log[3].Step)
	assert.Equal(t, "0 issues outstanding", run.Log[3].Detail)
	assert.Equal(t, "push", run.Log[4].Step)
}

func TestRemediationLoopExhausted(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	src := &fakeIssueSource{issues: []types.Issue{{ID: "stuck-1", Description: "never clears"}}}
	engine.SetIssueSource(src)

	// The fix never removes the issue, so the loop hits its cap.
	require.NoError(t, engine.RegisterAction("fix_issue", &recorder{}))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "stuck-remediation",
		Trigger: types.EventIssuesReported,
		Steps: []types.Step{
			{
				Name:        "remediate",
				Action:      "fix_issue",
				Remediation: &types.Remediation{MaxIterations: 3},
			},
		},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventIssuesReported, "pr-5", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, types.StateFailed, run.State)
	assert.Equal(t, ReasonRemediationExhausted, run.Reason)
	// Three capped fix cycles plus the exhaustion record.
	require.Len(t, run.Log, 4)
	assert.Contains(t, run.Log[3].Detail, "remediation loop exhausted")
}

func TestManualInvokeWithNothingToDo(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	scan := ActionFunc(func(_ context.Context, env map[string]interface{}) (interface{}, error) {
		env["complex_functions"] = 0
		return 0, nil
	})
	refactor := &recorder{}
	require.NoError(t, engine.RegisterAction("scan_complexity", scan))
	require.NoError(t, engine.RegisterAction("simplify_function", refactor))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "code-simplification",
		Trigger: types.EventManualInvoke,
		Steps: []types.Step{
			{Name: "scan", Action: "scan_complexity"},
			{Name: "refactor", Action: "simplify_function", Guard: "complex_functions > 0"},
		},
	}))

	runs, err := engine.TriggerSync(ctx, source.ManualInvoke("code-simplification", "repo-main"))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, types.StateSucceeded, run.State)
	assert.Equal(t, 0, refactor.count(), "no refactor step applies when nothing is complex")
	require.Len(t, run.Log, 2)
	assert.Equal(t, types.StepSkipped, run.Log[1].Status)
}

func TestManualInvokeUnknownWorkflow(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.TriggerSync(context.Background(), source.ManualInvoke("ghost", "repo-main"))
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func registerGatedMerge(t *testing.T, engine *Engine, merge Action, coveragePasses bool) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, engine.RegisterPredicateFunc("ci_status", func(context.Context, string) (bool, error) {
		return true, nil
	}))
	require.NoError(t, engine.RegisterPredicateFunc("coverage", func(context.Context, string) (bool, error) {
		return coveragePasses, nil
	}))
	require.NoError(t, engine.RegisterChecklist("merge-gate", []types.ChecklistItem{
		{Name: "ci-passes", Predicate: "ci_status"},
		{Name: "coverage-threshold", Predicate: "coverage"},
	}))

	require.NoError(t, engine.RegisterAction("squash_merge", merge))
	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:      "pre-merge",
		Trigger:   types.EventPRApproved,
		Checklist: "merge-gate",
		Steps: []types.Step{
			{Name: "merge", Action: "squash_merge", Outcome: types.OutcomeMerge},
		},
	}))
}

func TestGateBlocksMerge(t *testing.T) {
	engine := newTestEngine(t)
	merge := &recorder{}
	registerGatedMerge(t, engine, merge, false)

	runs, err := engine.TriggerSync(context.Background(), event(types.EventPRApproved, "pr-12", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	assert.Equal(t, types.StateFailed, runs[0].State)
	assert.Equal(t, ReasonGateFailed, runs[0].Reason)
	assert.Equal(t, 0, merge.count(), "merge must never be invoked on a failing gate")
}

func TestGatePassesAndMerges(t *testing.T) {
	engine := newTestEngine(t)
	merge := &recorder{}
	registerGatedMerge(t, engine, merge, true)

	runs, err := engine.TriggerSync(context.Background(), event(types.EventPRApproved, "pr-12", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	assert.Equal(t, types.StateSucceeded, runs[0].State)
	assert.Equal(t, 1, merge.count())
}

func TestGateCheckedAtCompletionWithoutMergeStep(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterPredicateFunc("ci_status", func(context.Context, string) (bool, error) {
		return false, nil
	}))
	require.NoError(t, engine.RegisterChecklist("ci-gate", []types.ChecklistItem{
		{Name: "ci-passes", Predicate: "ci_status"},
	}))
	require.NoError(t, engine.RegisterAction("noop", &recorder{}))
	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:      "gated",
		Trigger:   types.EventPRUpdated,
		Checklist: "ci-gate",
		Steps:     []types.Step{{Name: "work", Action: "noop"}},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventPRUpdated, "pr-12", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StateFailed, runs[0].State)
	assert.Equal(t, ReasonGateFailed, runs[0].Reason)
}

func TestCancelAtStepBoundary(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	// The first run gets ID 1 from the sequential generator.
	cancelSelf := ActionFunc(func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		engine.CancelRun(1)
		return nil, nil
	})
	after := &recorder{}
	require.NoError(t, engine.RegisterAction("cancel_self", cancelSelf))
	require.NoError(t, engine.RegisterAction("after", after))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "cancellable",
		Trigger: types.EventPROpened,
		Steps: []types.Step{
			{Name: "first", Action: "cancel_self"},
			{Name: "second", Action: "after"},
		},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventPROpened, "pr-2", nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, types.StateCancelled, run.State)
	assert.Equal(t, 0, after.count(), "cancellation is honored at the next step boundary")
	require.Len(t, run.Log, 1)
	assert.Equal(t, types.StepSuccess, run.Log[0].Status, "the in-flight step still finishes")
}

func TestRepeatConditionStartsFreshRuns(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	drain := ActionFunc(func(_ context.Context, env map[string]interface{}) (interface{}, error) {
		pending, _ := env["pending"].(int)
		env["pending"] = pending - 1
		return nil, nil
	})
	require.NoError(t, engine.RegisterAction("drain", drain))

	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:            "drain-queue",
		Trigger:         types.EventIssuesReported,
		RepeatCondition: "pending > 0",
		Steps:           []types.Step{{Name: "drain", Action: "drain"}},
	}))

	runs, err := engine.TriggerSync(ctx, event(types.EventIssuesReported, "q-1", map[string]interface{}{"pending": 3}))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	all, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3, "each repeat creates a fresh run")

	sort.Slice(all, func(i, j int) bool { return all[i].Attempt < all[j].Attempt })
	for i, run := range all {
		assert.Equal(t, i+1, run.Attempt)
		assert.Equal(t, types.StateSucceeded, run.State)
	}
}

func TestRepeatChainIsCapped(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterAction("spin", &recorder{}))
	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:            "spinner",
		Trigger:         types.EventIssuesReported,
		RepeatCondition: "pending > 0",
		MaxRepeats:      2,
		Steps:           []types.Step{{Name: "spin", Action: "spin"}},
	}))

	_, err := engine.TriggerSync(ctx, event(types.EventIssuesReported, "q-1", map[string]interface{}{"pending": 100}))
	require.NoError(t, err)

	all, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "the repeat chain stops at the cap")
}

func TestHandleRawDropsUnrecognized(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	dropped := 0
	engine.SubscribeEvent(events.TypeEventDropped, events.HandlerFunc(func(_ context.Context, _ events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		dropped++
		return nil
	}))

	require.NoError(t, engine.HandleRaw(ctx, []byte(`{"kind":"tag_pushed"}`)))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := dropped
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dropped event was not reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotIsolatedFromLiveRun(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	issues := make([]types.Issue, 10)
	for i := range issues {
		issues[i] = types.Issue{ID: fmt.Sprintf("lint-%d", i), Description: "finding"}
	}
	src := &fakeIssueSource{issues: issues}
	engine.SetIssueSource(src)

	fix := ActionFunc(func(_ context.Context, env map[string]interface{}) (interface{}, error) {
		id, _ := env["issue_id"].(string)
		time.Sleep(time.Millisecond)
		src.fix(id)
		return nil, nil
	})
	require.NoError(t, engine.RegisterAction("fix_issue", fix))
	require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
		Name:    "issue-remediation",
		Trigger: types.EventIssuesReported,
		Steps: []types.Step{
			{
				Name:        "remediate",
				Action:      "fix_issue",
				Remediation: &types.Remediation{MaxIterations: 20},
			},
		},
	}))

	ids, err := engine.Dispatch(ctx, event(types.EventIssuesReported, "pr-7", nil))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Wait()
	}()

	// Snapshots are read-only copies, so ranging over their contexts
	// while the run mutates its own must stay safe under the race
	// detector.
	for {
		runs, err := engine.Snapshot(ctx)
		require.NoError(t, err)
		for _, run := range runs {
			for range run.Context {
			}
			for range run.Log {
			}
		}
		select {
		case <-done:
			run, err := engine.GetRun(ctx, ids[0])
			require.NoError(t, err)
			assert.Equal(t, types.StateSucceeded, run.State)
			return
		default:
		}
	}
}

func TestRegisterDefinitionsBatch(t *testing.T) {
	store := storage.NewMemoryStore()
	engine, err := NewEngine(&mockGenerator{}, store, rules.NewExprEvaluator())
	require.NoError(t, err)
	t.Cleanup(engine.Stop)
	ctx := context.Background()

	defs := []types.WorkflowDefinition{
		{Name: "alpha", Trigger: types.EventPROpened, Steps: []types.Step{{Name: "a", Action: "act"}}},
		{Name: "beta", Trigger: types.EventPRUpdated, Steps: []types.Step{{Name: "b", Action: "act"}}},
	}
	require.NoError(t, engine.RegisterDefinitions(ctx, defs))

	for _, def := range defs {
		got, err := store.GetDefinition(ctx, def.Name)
		require.NoError(t, err)
		assert.Equal(t, def, got)
	}

	// Identical re-registration is a no-op, a changed definition is not.
	require.NoError(t, engine.RegisterDefinitions(ctx, defs))
	defs[1].Steps[0].Action = "other"
	assert.Error(t, engine.RegisterDefinitions(ctx, defs))

	// One invalid member rejects the whole batch.
	assert.Error(t, engine.RegisterDefinitions(ctx, []types.WorkflowDefinition{
		{Name: "gamma", Trigger: types.EventPROpened},
	}))
	_, err = store.GetDefinition(ctx, "gamma")
	assert.ErrorIs(t, err, storage.ErrDefinitionNotFound)
}

func TestDispatchRunsConcurrently(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterAction("work", &recorder{}))
	for _, name := range []string{"alpha", "beta"} {
		require.NoError(t, engine.RegisterDefinition(ctx, types.WorkflowDefinition{
			Name:    name,
			Trigger: types.EventPROpened,
			Steps:   []types.Step{{Name: "work", Action: "work"}},
		}))
	}

	ids, err := engine.Dispatch(ctx, event(types.EventPROpened, "pr-1", nil))
	require.NoError(t, err)
	require.Len(t, ids, 2, "every matching definition starts an independent run")
	engine.Wait()

	for _, id := range ids {
		run, err := engine.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StateSucceeded, run.State)
	}
}
