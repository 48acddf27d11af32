// Package checklist evaluates merge-gate checklists. Each item delegates
// to an external predicate; the evaluator only aggregates results with
// logical AND and never computes CI status, coverage or issue counts
// itself.
package checklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gateflow/gateflow/types"
)

var (
	// ErrEmptyChecklist indicates a gate with no items, which is a
	// configuration error rather than a vacuous pass.
	ErrEmptyChecklist = errors.New("checklist has no items")
	// ErrPredicateNotRegistered indicates an item references an unknown predicate.
	ErrPredicateNotRegistered = errors.New("predicate not registered")
)

// Predicate is an external boolean query bound to a checklist item.
// A query error yields ResultUnknown, which fails the gate.
type Predicate interface {
	Check(ctx context.Context, subject string) (bool, error)
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(ctx context.Context, subject string) (bool, error)

// Check implements Predicate.
func (f PredicateFunc) Check(ctx context.Context, subject string) (bool, error) {
	return f(ctx, subject)
}

// Evaluator aggregates checklist items into a gate result.
type Evaluator struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
	now        func() time.Time
}

// NewEvaluator creates an Evaluator with an empty predicate registry.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		predicates: make(map[string]Predicate),
		now:        time.Now,
	}
}

// Register binds a predicate name to its implementation.
func (e *Evaluator) Register(name string, p Predicate) error {
	if name == "" || p == nil {
		return errors.New("name and predicate are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = p
	return nil
}

// RegisterFunc binds a function as a predicate.
func (e *Evaluator) RegisterFunc(name string, fn func(ctx context.Context, subject string) (bool, error)) error {
	return e.Register(name, PredicateFunc(fn))
}

// Evaluate queries every item's predicate for subject and ANDs the
// results. Pass is true only when every item resolved to pass; unknown
// counts as fail. Evaluation has no side effects, so re-evaluating
// against unchanged external state yields an identical result.
func (e *Evaluator) Evaluate(ctx context.Context, subject string, items []types.ChecklistItem) (types.GateResult, error) {
	if len(items) == 0 {
		return types.GateResult{}, ErrEmptyChecklist
	}

	result := types.GateResult{
		Pass:        true,
		Items:       make([]types.ChecklistItem, 0, len(items)),
		EvaluatedAt: e.now().UnixMilli(),
	}

	for _, item := range items {
		e.mu.RLock()
		p, ok := e.predicates[item.Predicate]
		e.mu.RUnlock()
		if !ok {
			return types.GateResult{}, fmt.Errorf("%w: %s", ErrPredicateNotRegistered, item.Predicate)
		}

		item.Result = types.ResultUnknown
		if pass, err := p.Check(ctx, subject); err == nil {
			if pass {
				item.Result = types.ResultPass
			} else {
				item.Result = types.ResultFail
			}
		}

		if item.Result != types.ResultPass {
			result.Pass = false
		}
		result.Items = append(result.Items, item)
	}

	return result, nil
}
