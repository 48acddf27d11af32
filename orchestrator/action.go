package orchestrator

import "context"

// Action is an opaque handle to an external operation bound to a workflow
// step. The orchestrator never looks inside the result; it only records
// success or failure and passes the value along in the run context.
type Action interface {
	Execute(ctx context.Context, env map[string]interface{}) (interface{}, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, env map[string]interface{}) (interface{}, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, env map[string]interface{}) (interface{}, error) {
	return f(ctx, env)
}
