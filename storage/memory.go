package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/gateflow/gateflow/types"
)

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]types.WorkflowDefinition
	runs        map[uint64]types.WorkflowRun
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]types.WorkflowDefinition),
		runs:        make(map[uint64]types.WorkflowRun),
	}
}

// SaveDefinition stores a definition keyed by name.
func (s *MemoryStore) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.Name] = def
		return nil
	})
}

// GetDefinition retrieves a definition by name.
func (s *MemoryStore) GetDefinition(ctx context.Context, name string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		def, ok := s.definitions[name]
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
		}
		return def, nil
	})
}

// ListByTrigger returns definitions whose trigger matches kind.
func (s *MemoryStore) ListByTrigger(ctx context.Context, kind types.EventKind) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var defs []types.WorkflowDefinition
		for _, def := range s.definitions {
			if def.Trigger == kind {
				defs = append(defs, def)
			}
		}
		return defs, nil
	})
}

// SaveRun stores a run keyed by ID. The run is detached on the way in
// so later context or log mutations by the driving goroutine never
// reach stored state.
func (s *MemoryStore) SaveRun(ctx context.Context, run types.WorkflowRun) error {
	return withContextError(ctx, func() error {
		detached := detachRun(run)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[run.ID] = detached
		return nil
	})
}

// GetRun retrieves a detached copy of a run by ID.
func (s *MemoryStore) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		run, ok := s.runs[id]
		if !ok {
			return types.WorkflowRun{}, fmt.Errorf("%w: id=%d", ErrRunNotFound, id)
		}
		return detachRun(run), nil
	})
}

// ListRuns returns detached copies of every stored run.
func (s *MemoryStore) ListRuns(ctx context.Context) ([]types.WorkflowRun, error) {
	return withContext(ctx, func() ([]types.WorkflowRun, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		runs := make([]types.WorkflowRun, 0, len(s.runs))
		for _, run := range s.runs {
			runs = append(runs, detachRun(run))
		}
		return runs, nil
	})
}

// detachRun copies a run's context map and log slice so stored and
// returned runs never alias a live run's mutable state.
func detachRun(run types.WorkflowRun) types.WorkflowRun {
	if run.Context != nil {
		cp := make(map[string]interface{}, len(run.Context))
		for k, v := range run.Context {
			cp[k] = v
		}
		run.Context = cp
	}
	if run.Log != nil {
		run.Log = append([]types.StepRecord(nil), run.Log...)
	}
	return run
}

// SaveDefinitions stores multiple definitions under a single lock.
func (s *MemoryStore) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, def := range defs {
			s.definitions[def.Name] = def
		}
		return nil
	})
}

// PruneTerminal removes runs that reached a terminal state and reports
// how many were removed.
func (s *MemoryStore) PruneTerminal(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		pruned := 0
		for id, run := range s.runs {
			if types.IsTerminalState(run.State) {
				delete(s.runs, id)
				pruned++
			}
		}
		return pruned, nil
	})
}
