package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/gateflow/gateflow/checklist"
	"github.com/gateflow/gateflow/collab"
	"github.com/gateflow/gateflow/events"
	"github.com/gateflow/gateflow/rules"
	"github.com/gateflow/gateflow/source"
	"github.com/gateflow/gateflow/storage"
	"github.com/gateflow/gateflow/types"
)

// Standard error definitions
var (
	ErrDefinitionNotFound     = errors.New("workflow definition not found")
	ErrRunNotFound            = errors.New("workflow run not found")
	ErrActionNotRegistered    = errors.New("action not registered")
	ErrIssueSourceNotSet      = errors.New("issue source not configured")
	ErrRemediationExhausted   = errors.New("remediation loop exhausted")
	ErrChecklistNotConfigured = errors.New("checklist not configured")
)

// Failure reasons carried on failed runs. Run states live in types.
const (
	ReasonStepFailure          = "step_failure"
	ReasonRemediationExhausted = "remediation_loop_exhausted"
	ReasonGateFailed           = "gate_failed"
)

// Defaults, all tunable per deployment through the setters below.
const (
	DefaultStepTimeout    = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	DefaultRemediationCap = 10
	DefaultRepeatCap      = 10
)

// Engine matches canonical events to workflow definitions and drives the
// resulting runs. Runs for different events execute concurrently and
// share no mutable state; within one run, steps execute strictly in
// sequence.
type Engine struct {
	mu         sync.RWMutex
	actions    map[string]Action
	checklists map[string][]types.ChecklistItem
	cancels    map[uint64]bool

	store     storage.Store
	evaluator rules.Evaluator
	gate      *checklist.Evaluator
	issues    collab.IssueSource
	bus       *events.Bus
	adapter   *source.Adapter
	generate  generator.Generator

	eventCh chan types.CanonicalEvent
	wg      sync.WaitGroup

	stepTimeout    time.Duration
	maxRetries     int
	retryDelay     time.Duration
	remediationCap int
	repeatCap      int
}

// NewEngine creates an Engine with the given ID generator, store and
// condition evaluator. A nil store falls back to the in-memory store.
func NewEngine(generate generator.Generator, store storage.Store, evaluator rules.Evaluator) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	return &Engine{
		actions:        make(map[string]Action),
		checklists:     make(map[string][]types.ChecklistItem),
		cancels:        make(map[uint64]bool),
		store:          store,
		evaluator:      evaluator,
		gate:           checklist.NewEvaluator(),
		bus:            events.NewBus(),
		adapter:        source.NewAdapter(),
		generate:       generate,
		eventCh:        make(chan types.CanonicalEvent, 64),
		stepTimeout:    DefaultStepTimeout,
		maxRetries:     DefaultMaxRetries,
		retryDelay:     DefaultRetryDelay,
		remediationCap: DefaultRemediationCap,
		repeatCap:      DefaultRepeatCap,
	}, nil
}

// SubscribeEvent subscribes a handler to a bus notification type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.bus.Subscribe(eventType, handler)
}

// SetIssueSource binds the static-analysis issue source consumed by
// remediation steps.
func (e *Engine) SetIssueSource(src collab.IssueSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.issues = src
}

// SetTimeouts overrides the per-step timeout and the unavailability
// retry policy. Zero values keep the current setting.
func (e *Engine) SetTimeouts(stepTimeout time.Duration, maxRetries int, retryDelay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stepTimeout > 0 {
		e.stepTimeout = stepTimeout
	}
	if maxRetries > 0 {
		e.maxRetries = maxRetries
	}
	if retryDelay > 0 {
		e.retryDelay = retryDelay
	}
}

// SetCaps overrides the remediation iteration cap and the repeat-chain cap.
func (e *Engine) SetCaps(remediationCap, repeatCap int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if remediationCap > 0 {
		e.remediationCap = remediationCap
	}
	if repeatCap > 0 {
		e.repeatCap = repeatCap
	}
}

// RegisterAction registers an external action handle under a name.
func (e *Engine) RegisterAction(name string, action Action) error {
	if name == "" || action == nil {
		return errors.New("name and action are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = action
	return nil
}

// RegisterPredicate registers a checklist predicate under a name.
func (e *Engine) RegisterPredicate(name string, p checklist.Predicate) error {
	return e.gate.Register(name, p)
}

// RegisterPredicateFunc registers a function as a checklist predicate.
func (e *Engine) RegisterPredicateFunc(name string, fn func(ctx context.Context, subject string) (bool, error)) error {
	return e.gate.RegisterFunc(name, fn)
}

// RegisterChecklist registers a named gate. An empty item list is a
// configuration error.
func (e *Engine) RegisterChecklist(name string, items []types.ChecklistItem) error {
	if name == "" {
		return errors.New("checklist name is required")
	}
	if len(items) == 0 {
		return checklist.ErrEmptyChecklist
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checklists[name] = items
	return nil
}

// RegisterDefinition validates and persists a workflow definition.
// Definitions are immutable once loaded.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	keep, err := e.admitDefinition(ctx, def)
	if err != nil || !keep {
		return err
	}
	return e.store.SaveDefinition(ctx, def)
}

// RegisterDefinitions validates a batch of definitions and persists
// them in a single store write.
func (e *Engine) RegisterDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	fresh := make([]types.WorkflowDefinition, 0, len(defs))
	for _, def := range defs {
		keep, err := e.admitDefinition(ctx, def)
		if err != nil {
			return err
		}
		if keep {
			fresh = append(fresh, def)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	return e.store.SaveDefinitions(ctx, fresh)
}

// admitDefinition validates a definition and applies the immutability
// rule, reporting whether the definition still needs persisting.
func (e *Engine) admitDefinition(ctx context.Context, def types.WorkflowDefinition) (bool, error) {
	if def.Name == "" {
		return false, errors.New("definition name is required")
	}
	if def.Trigger == "" {
		return false, errors.New("definition trigger is required")
	}
	if len(def.Steps) == 0 {
		return false, fmt.Errorf("definition %s must have at least one step", def.Name)
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.Name == "" || step.Action == "" {
			return false, fmt.Errorf("definition %s has a step without name or action", def.Name)
		}
		if seen[step.Name] {
			return false, fmt.Errorf("definition %s has duplicate step %s", def.Name, step.Name)
		}
		seen[step.Name] = true
	}

	if def.Checklist != "" {
		e.mu.RLock()
		_, ok := e.checklists[def.Checklist]
		e.mu.RUnlock()
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrChecklistNotConfigured, def.Checklist)
		}
	}

	// Definitions are immutable once loaded. Re-registering the exact
	// same definition is a no-op so startup against a persistent store
	// stays idempotent.
	if existing, err := e.store.GetDefinition(ctx, def.Name); err == nil {
		if reflect.DeepEqual(existing, def) {
			return false, nil
		}
		return false, fmt.Errorf("definition %s is already registered", def.Name)
	}

	return true, nil
}

// HandleRaw normalizes an opaque host payload and enqueues the resulting
// canonical event. Unrecognized payloads are reported on the bus and
// dropped; they are never fatal.
func (e *Engine) HandleRaw(ctx context.Context, raw []byte) error {
	ev, err := e.adapter.Normalize(raw)
	if err != nil {
		if errors.Is(err, source.ErrUnrecognizedEventKind) {
			e.publish(ctx, events.TypeEventDropped, 0, map[string]interface{}{
				"error": err.Error(),
			})
			return nil
		}
		return err
	}
	return e.Enqueue(ctx, ev)
}

// Enqueue hands a canonical event to the orchestrator loop.
func (e *Engine) Enqueue(ctx context.Context, ev types.CanonicalEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.eventCh <- ev:
		return nil
	}
}

// Run is the long-lived orchestrator loop. It consumes canonical events,
// starts one run per matched definition and drives each run in its own
// goroutine. Run only returns when the context is cancelled, after all
// in-flight runs finish.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case ev := <-e.eventCh:
			if _, err := e.Dispatch(ctx, ev); err != nil {
				e.publish(ctx, events.TypeEventDropped, 0, map[string]interface{}{
					"event_id": ev.ID,
					"error":    err.Error(),
				})
			}
		}
	}
}

// Dispatch matches an event to definitions and starts one asynchronous
// run per match, returning the started run IDs.
func (e *Engine) Dispatch(ctx context.Context, ev types.CanonicalEvent) ([]uint64, error) {
	defs, err := e.match(ctx, ev)
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(defs))
	for _, def := range defs {
		run, err := e.createRun(ctx, def, ev, 1)
		if err != nil {
			return ids, err
		}
		ids = append(ids, run.ID)

		e.wg.Add(1)
		go func(def types.WorkflowDefinition, run types.WorkflowRun) {
			defer e.wg.Done()
			e.drive(ctx, def, run)
		}(def, run)
	}
	return ids, nil
}

// TriggerSync matches an event and drives every resulting run to
// completion before returning the terminal runs. The manual trigger
// surface and tests use this path.
func (e *Engine) TriggerSync(ctx context.Context, ev types.CanonicalEvent) ([]types.WorkflowRun, error) {
	defs, err := e.match(ctx, ev)
	if err != nil {
		return nil, err
	}

	runs := make([]types.WorkflowRun, 0, len(defs))
	for _, def := range defs {
		run, err := e.createRun(ctx, def, ev, 1)
		if err != nil {
			return runs, err
		}
		final := e.drive(ctx, def, run)
		runs = append(runs, final)
	}
	return runs, nil
}

// Wait blocks until every in-flight run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CancelRun requests cancellation of a run. The request takes effect at
// the next step boundary; a step already executing is never interrupted.
func (e *Engine) CancelRun(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[id] = true
}

// GetRun retrieves a run by ID.
func (e *Engine) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("%w: id=%d", ErrRunNotFound, id)
	}
	return run, nil
}

// Snapshot returns a read-only copy of every stored run, terminal runs
// included, with their full step logs.
func (e *Engine) Snapshot(ctx context.Context) ([]types.WorkflowRun, error) {
	return e.store.ListRuns(ctx)
}

// Stop shuts the notification bus down after in-flight runs finish.
func (e *Engine) Stop() {
	e.wg.Wait()
	e.bus.Stop()
}

// match resolves the definitions an event triggers. Manual events naming
// a workflow match exactly that definition regardless of its trigger;
// every other event matches all definitions with that trigger kind.
func (e *Engine) match(ctx context.Context, ev types.CanonicalEvent) ([]types.WorkflowDefinition, error) {
	if ev.Kind == types.EventManualInvoke {
		if name, ok := ev.Payload["workflow"].(string); ok && name != "" {
			def, err := e.store.GetDefinition(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
			}
			return []types.WorkflowDefinition{def}, nil
		}
	}
	return e.store.ListByTrigger(ctx, ev.Kind)
}

// createRun persists a fresh pending run bound to the event.
func (e *Engine) createRun(ctx context.Context, def types.WorkflowDefinition, ev types.CanonicalEvent, attempt int) (types.WorkflowRun, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("generate run ID: %w", err)
	}

	env := make(map[string]interface{}, len(ev.Payload)+2)
	for k, v := range ev.Payload {
		env[k] = v
	}
	env["subject"] = ev.Subject
	env["event_kind"] = string(ev.Kind)

	now := time.Now().UnixMilli()
	run := types.WorkflowRun{
		ID:        id,
		Workflow:  def.Name,
		EventID:   ev.ID,
		Subject:   ev.Subject,
		State:     types.StatePending,
		Context:   env,
		Attempt:   attempt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return types.WorkflowRun{}, err
	}
	return run, nil
}

// cancelled reports and clears a pending cancellation request for a run.
func (e *Engine) cancelled(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancels[id] {
		delete(e.cancels, id)
		return true
	}
	return false
}

func (e *Engine) publish(ctx context.Context, eventType string, runID uint64, data map[string]interface{}) {
	if !e.bus.HasSubscribers(eventType) {
		return
	}
	_ = e.bus.Publish(ctx, events.Event{Type: eventType, RunID: runID, Data: data})
}
