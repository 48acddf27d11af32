package storage

import (
	"context"
	"errors"

	"github.com/gateflow/gateflow/types"
)

// Errors shared by the store implementations.
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrRunNotFound        = errors.New("workflow run not found")
)

// Store persists workflow definitions and runs. Definitions are written
// once at startup and only read afterwards; runs are written by their
// owning orchestrator loop.
type Store interface {
	// SaveDefinition persists a workflow definition.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// SaveDefinitions persists a batch of definitions in one round trip.
	SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error

	// GetDefinition retrieves a definition by name.
	GetDefinition(ctx context.Context, name string) (types.WorkflowDefinition, error)

	// ListByTrigger returns every definition matching the trigger kind.
	ListByTrigger(ctx context.Context, kind types.EventKind) ([]types.WorkflowDefinition, error)

	// SaveRun persists a workflow run.
	SaveRun(ctx context.Context, run types.WorkflowRun) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error)

	// ListRuns returns every stored run.
	ListRuns(ctx context.Context) ([]types.WorkflowRun, error)

	// PruneTerminal removes terminal runs and reports how many.
	PruneTerminal(ctx context.Context) (int, error)
}

// withContext runs fn unless the context is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError is the error-only variant of withContext.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
