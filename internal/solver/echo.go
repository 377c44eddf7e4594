package solver

import "context"

// Echo is a trivial solver that answers with the payload's "value" field.
// It ships with the server as a smoke-test target for deployments: submit an
// echo task and the whole pipeline (queue, worker, cache, result store) is
// exercised without touching a real solving backend.
type Echo struct {
	Base
}

func NewEcho() Solver {
	return &Echo{Base: Base{
		Name:        "echo",
		TaskType:    "echo",
		Description: "Returns the payload value unchanged; used for pipeline smoke tests.",
	}}
}

func (e *Echo) Initialize(ctx context.Context) error {
	return e.InitOnce(ctx, nil)
}

func (e *Echo) Cleanup(ctx context.Context) error {
	return e.CleanupOnce(ctx, nil)
}

func (e *Echo) ValidateInput(payload map[string]any) bool {
	_, ok := payload["value"]
	return ok
}

func (e *Echo) Solve(ctx context.Context, payload map[string]any) (any, error) {
	v, ok := payload["value"]
	if !ok {
		return nil, nil
	}
	return v, nil
}
