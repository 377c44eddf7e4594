// Package solver defines the capability contract every pluggable CAPTCHA
// solver must satisfy, and the registry that owns solver instances.
//
// The orchestration core has no knowledge of how a solver works; it only
// relies on this contract: Initialize before first use, Solve returning a
// solution (or nil for "no result, eligible for retry"), Cleanup at shutdown.
package solver

import (
	"context"
	"sync"
)

// Solver is implemented by every pluggable solving backend. Implementations
// must treat Initialize and Cleanup as idempotent, and must return (nil, nil)
// from Solve for recoverable "no result" outcomes rather than an error.
type Solver interface {
	Initialize(ctx context.Context) error
	Solve(ctx context.Context, payload map[string]any) (any, error)
	Cleanup(ctx context.Context) error

	// ValidateInput is a cheap synchronous precondition check, run before
	// any expensive work is attempted.
	ValidateInput(payload map[string]any) bool

	Info() Info
}

type Info struct {
	Name        string `json:"name"`
	TaskType    string `json:"task_type"`
	Initialized bool   `json:"initialized"`
	Description string `json:"description"`
}

// Base carries the bookkeeping shared by all solvers: name/type metadata and
// the idempotent initialize/cleanup state machine. Concrete solvers embed it
// and route their setup/teardown through InitOnce and CleanupOnce.
type Base struct {
	Name        string
	TaskType    string
	Description string

	mu          sync.Mutex
	initialized bool
}

// InitOnce runs setup exactly once. Further calls are no-ops while the solver
// stays initialized. A failed setup leaves the solver uninitialized so a later
// call can retry it.
func (b *Base) InitOnce(ctx context.Context, setup func(context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	if setup != nil {
		if err := setup(ctx); err != nil {
			return err
		}
	}
	b.initialized = true
	return nil
}

// CleanupOnce releases resources. Safe to call on a solver that was never
// initialized, and idempotent once it ran.
func (b *Base) CleanupOnce(ctx context.Context, teardown func(context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	if teardown != nil {
		if err := teardown(ctx); err != nil {
			return err
		}
	}
	b.initialized = false
	return nil
}

func (b *Base) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// ValidateInput accepts everything; concrete solvers override to reject
// malformed payloads.
func (b *Base) ValidateInput(map[string]any) bool { return true }

func (b *Base) Info() Info {
	return Info{
		Name:        b.Name,
		TaskType:    b.TaskType,
		Initialized: b.Initialized(),
		Description: b.Description,
	}
}

// SelfTest is the standard solver self-check: initialize if needed, and if a
// sample payload is given, require Solve to produce a non-nil result for it.
func SelfTest(ctx context.Context, s Solver, sample map[string]any) bool {
	if err := s.Initialize(ctx); err != nil {
		return false
	}
	if sample == nil {
		return true
	}
	result, err := s.Solve(ctx, sample)
	return err == nil && result != nil
}
