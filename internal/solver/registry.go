package solver

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Constructor builds a fresh solver instance for a task type.
type Constructor func() Solver

// Registry maps task-type keys to live solver instances and owns their
// lifecycle. Register everything before InitializeAll; after that pass the
// instance table is only read until CleanupAll.
type Registry struct {
	logger *zap.Logger

	mu           sync.RWMutex
	constructors map[string]Constructor
	instances    map[string]Solver
	initialized  bool
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:       logger,
		constructors: map[string]Constructor{},
		instances:    map[string]Solver{},
	}
}

// Register associates a task type with a solver constructor. Registering the
// same type twice replaces the earlier mapping: last registration wins. That
// matches how deployments override a stock solver with a tuned one, but it
// also swallows accidental collisions, so a replacement is logged loudly.
func (r *Registry) Register(taskType string, newSolver Constructor) {
	key := strings.ToLower(taskType)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[key]; exists {
		r.logger.Warn("solver registration replaced", zap.String("task_type", key))
	}
	r.constructors[key] = newSolver
	r.logger.Info("solver registered", zap.String("task_type", key))
}

// InitializeAll constructs and initializes one instance per registered type.
// A solver whose Initialize fails is logged and skipped; the type simply stays
// unavailable. Idempotent: the second call is a no-op.
func (r *Registry) InitializeAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return
	}

	r.logger.Info("initializing solvers", zap.Int("registered", len(r.constructors)))

	for taskType, build := range r.constructors {
		inst := build()
		if err := inst.Initialize(ctx); err != nil {
			r.logger.Error("solver init failed",
				zap.String("task_type", taskType),
				zap.Error(err),
			)
			continue
		}
		r.instances[taskType] = inst
		r.logger.Info("solver initialized", zap.String("task_type", taskType))
	}

	r.initialized = true
	r.logger.Info("solver registry ready", zap.Int("available", len(r.instances)))
}

// Get returns the live instance for a task type, or nil when the type is
// unknown or its solver failed to initialize. Unknown type strings never panic.
func (r *Registry) Get(taskType string) Solver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[strings.ToLower(taskType)]
}

func (r *Registry) Available(taskType string) bool {
	return r.Get(taskType) != nil
}

func (r *Registry) AvailableTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.instances))
	for t := range r.instances {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) Info(taskType string) (Info, bool) {
	s := r.Get(taskType)
	if s == nil {
		return Info{}, false
	}
	return s.Info(), true
}

func (r *Registry) AllInfo() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Info, len(r.instances))
	for t, s := range r.instances {
		out[t] = s.Info()
	}
	return out
}

// Test runs the self-check for one solver type. Unknown types report false.
func (r *Registry) Test(ctx context.Context, taskType string, sample map[string]any) bool {
	s := r.Get(taskType)
	if s == nil {
		return false
	}
	return SelfTest(ctx, s, sample)
}

func (r *Registry) TestAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	instances := make(map[string]Solver, len(r.instances))
	for t, s := range r.instances {
		instances[t] = s
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(instances))
	for t, s := range instances {
		results[t] = SelfTest(ctx, s, nil)
	}
	return results
}

// CleanupAll tears down every live instance, tolerating individual failures,
// then clears the instance table. The registry can be re-initialized after.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("cleaning up solvers", zap.Int("count", len(r.instances)))

	for taskType, s := range r.instances {
		if err := s.Cleanup(ctx); err != nil {
			r.logger.Error("solver cleanup failed",
				zap.String("task_type", taskType),
				zap.Error(err),
			)
		}
	}

	r.instances = map[string]Solver{}
	r.initialized = false
}

// Stats summarizes registry state for the stats endpoint.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.instances))
	for t := range r.instances {
		types = append(types, t)
	}
	sort.Strings(types)

	return map[string]any{
		"registered":  len(r.constructors),
		"available":   len(r.instances),
		"types":       types,
		"initialized": r.initialized,
	}
}
