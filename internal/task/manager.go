// Package task implements the orchestration core: an in-memory task store, a
// FIFO work queue, and a fixed pool of workers that resolve a solver per task
// type, invoke it with a per-attempt timeout, and retry failures up to a
// bound.
package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xorthonl/solverq/internal/observability"
	"github.com/xorthonl/solverq/internal/solver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrEmptyTaskType = errors.New("task type is required")
	ErrQueueFull     = errors.New("task queue is full")
)

const (
	defaultQueueSize = 1024

	// Per-attempt timeout bounds enforced at the creation boundary.
	defaultMinTimeout = 10 * time.Second
	defaultMaxTimeout = 300 * time.Second

	defaultRetention = time.Hour
)

type Config struct {
	Workers            int
	DefaultTimeout     time.Duration
	DefaultMaxAttempts int
	CleanupInterval    time.Duration

	// Optional overrides, zero means the package default. Tests tighten these
	// to keep wall-clock time down.
	QueueSize  int
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Retention  time.Duration
}

// Manager owns the active and completed task tables. All table and counter
// access goes through mu, held only for bookkeeping, never across a solver
// call or cache I/O.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	solvers SolverSource
	cache   Cache // may be nil

	mu        sync.Mutex
	active    map[string]*Task
	completed map[string]*Task

	totalTasks     int64
	completedTotal int64
	failedTotal    int64
	processing     int64

	queue chan string

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
}

func NewManager(cfg Config, solvers SolverSource, cache Cache, logger *zap.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = defaultMinTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = defaultMaxTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 300 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		solvers:   solvers,
		cache:     cache,
		active:    map[string]*Task{},
		completed: map[string]*Task{},
		queue:     make(chan string, cfg.QueueSize),
	}
}

// Create registers a new task in state pending and enqueues it. It returns as
// soon as the task is stored: the task is visible to Result before Create
// returns, and solving happens asynchronously.
func (m *Manager) Create(ctx context.Context, taskType string, payload map[string]any, opts CreateOptions) (string, error) {
	if taskType == "" {
		return "", ErrEmptyTaskType
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if timeout < m.cfg.MinTimeout {
		timeout = m.cfg.MinTimeout
	}
	if timeout > m.cfg.MaxTimeout {
		timeout = m.cfg.MaxTimeout
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.DefaultMaxAttempts
	}

	now := time.Now()
	t := &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ClientIP:    opts.ClientIP,
		UserAgent:   opts.UserAgent,
		Timeout:     timeout,
		MaxAttempts: maxAttempts,
	}

	m.mu.Lock()
	m.active[t.ID] = t
	m.totalTasks++
	m.mu.Unlock()

	select {
	case m.queue <- t.ID:
	default:
		m.mu.Lock()
		delete(m.active, t.ID)
		m.totalTasks--
		m.mu.Unlock()
		return "", ErrQueueFull
	}
	observability.QueueDepth.Set(float64(len(m.queue)))
	observability.TasksCreatedTotal.WithLabelValues(taskType).Inc()

	m.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("type", taskType),
	)
	return t.ID, nil
}

// Result returns the caller-facing view of a task: active table first, then
// the completed table, then the external result cache. Nil means the id is
// unknown everywhere.
func (m *Manager) Result(ctx context.Context, taskID string) *ResultView {
	m.mu.Lock()
	if t, ok := m.active[taskID]; ok {
		v := t.view()
		m.mu.Unlock()
		return v
	}
	if t, ok := m.completed[taskID]; ok {
		v := t.view()
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()

	if m.cache != nil {
		if v, ok := m.cache.GetResult(ctx, taskID); ok {
			return v
		}
	}
	return nil
}

// Cancel transitions a pending or processing task straight to failed with a
// fixed error message. It reports false for terminal or unknown tasks.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()

	t, ok := m.active[taskID]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return false
	}

	wasProcessing := t.Status == StatusProcessing

	now := time.Now()
	t.Status = StatusFailed
	t.Error = "Task cancelled by user"
	t.CompletedAt = &now
	t.UpdatedAt = now

	m.completed[taskID] = t
	delete(m.active, taskID)
	m.failedTotal++
	if wasProcessing {
		m.processing--
	}
	view := t.view()
	m.mu.Unlock()

	if m.cache != nil {
		m.cache.SetResult(context.Background(), taskID, view)
	}
	observability.TasksFailedTotal.WithLabelValues(t.Type, "cancelled").Inc()

	m.logger.Info("task cancelled", zap.String("task_id", taskID))
	return true
}

// ActiveTasks snapshots all non-terminal tasks.
func (m *Manager) ActiveTasks() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t.summary())
	}
	return out
}

// Stats reports aggregate counters plus whatever the cache collaborator
// reports about itself.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.Lock()
	totalFinished := m.completedTotal + m.failedTotal
	successRate := 0.0
	if totalFinished > 0 {
		successRate = math.Round(float64(m.completedTotal)/float64(totalFinished)*10000) / 100
	}
	st := Stats{
		TotalTasks:      m.totalTasks,
		ActiveTasks:     len(m.active),
		CompletedTasks:  len(m.completed),
		ProcessingTasks: m.processing,
		SuccessRate:     successRate,
		QueueDepth:      len(m.queue),
		Workers:         m.workers,
	}
	m.mu.Unlock()

	if m.cache != nil {
		st.Cache = m.cache.Stats(ctx)
	}
	return st
}

// StartWorkers launches n worker loops plus the periodic cleanup loop.
// Idempotent while running. n <= 0 uses the configured pool size.
func (m *Manager) StartWorkers(ctx context.Context, n int) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return
	}
	if n <= 0 {
		n = m.cfg.Workers
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go m.worker(runCtx, fmt.Sprintf("worker-%d", i))
	}

	m.wg.Add(1)
	go m.cleanupLoop(runCtx)

	m.mu.Lock()
	m.workers = n
	m.mu.Unlock()

	m.logger.Info("task manager started", zap.Int("workers", n))
}

// StopWorkers signals every loop to stop and waits for them to exit. A worker
// mid-solve finishes (or times out) first, so stopping can take up to one
// solve timeout to quiesce. Idempotent.
func (m *Manager) StopWorkers() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return
	}

	m.logger.Info("stopping task workers")
	m.cancel()
	m.wg.Wait()
	m.cancel = nil

	m.mu.Lock()
	m.workers = 0
	m.mu.Unlock()

	m.logger.Info("task workers stopped")
}

func (m *Manager) worker(ctx context.Context, name string) {
	defer m.wg.Done()

	m.logger.Debug("worker started", zap.String("worker", name))

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("worker stopped", zap.String("worker", name))
			return
		case taskID := <-m.queue:
			observability.QueueDepth.Set(float64(len(m.queue)))
			m.runTask(ctx, name, taskID)
		}
	}
}

// runTask executes one worker pass for a task id. Its body is fully isolated:
// no failure in solver, cache, or registry code escapes to kill the loop.
func (m *Manager) runTask(ctx context.Context, worker, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker pass panicked",
				zap.String("worker", worker),
				zap.String("task_id", taskID),
				zap.Any("panic", r),
			)
			m.failTask(taskID, fmt.Sprintf("Processing error: %v", r), "panic")
		}
	}()

	tr := otel.Tracer("solverq/worker")
	ctx, span := tr.Start(ctx, "solverq.process_task")
	defer span.End()

	// Claim the task. An id whose task is gone (cancelled, evicted) is
	// silently discarded.
	m.mu.Lock()
	t, ok := m.active[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.Status = StatusProcessing
	t.UpdatedAt = time.Now()
	t.Attempts++
	m.processing++

	taskType := t.Type
	payload := t.Payload
	timeout := t.Timeout
	attempt := t.Attempts
	m.mu.Unlock()

	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.type", taskType),
		attribute.Int("task.attempt", attempt),
	)

	m.logger.Debug("processing task",
		zap.String("worker", worker),
		zap.String("task_id", taskID),
		zap.Int("attempt", attempt),
	)

	s := m.solvers.Get(taskType)
	if s == nil {
		// Permanent: a missing solver type will never appear mid-retry.
		m.failTask(taskID, fmt.Sprintf("No solver available for %s", taskType), "no_solver")
		return
	}

	if m.cache != nil {
		if solution, ok := m.cache.GetSolution(ctx, payload); ok {
			observability.CacheHitsTotal.WithLabelValues("solution").Inc()
			m.logger.Info("using cached solution", zap.String("task_id", taskID))
			m.completeTask(taskID, solution)
			return
		}
		observability.CacheMissesTotal.WithLabelValues("solution").Inc()
	}

	if !s.ValidateInput(payload) {
		m.retryTask(taskID, "Solver rejected input")
		return
	}

	result, err := m.solveBounded(s, taskType, payload, timeout)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		m.retryTask(taskID, fmt.Sprintf("Task timeout after %d seconds", int(timeout.Seconds())))
	case err != nil:
		m.retryTask(taskID, fmt.Sprintf("Solver error: %v", err))
	case result == nil:
		m.retryTask(taskID, "Solver returned no result")
	default:
		if m.cache != nil {
			m.cache.SetSolution(ctx, payload, result)
		}
		m.completeTask(taskID, result)
	}
}

type solveOutcome struct {
	result any
	err    error
}

// solveBounded invokes the solver with a hard per-attempt deadline. The
// deadline is deliberately not tied to worker shutdown: an in-flight solve
// runs to completion or timeout, which is what makes StopWorkers graceful. A
// solver that ignores its context can overrun; its late result is discarded.
func (m *Manager) solveBounded(s solver.Solver, taskType string, payload map[string]any, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := make(chan solveOutcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- solveOutcome{nil, fmt.Errorf("solver panic: %v", r)}
			}
		}()
		result, err := s.Solve(ctx, payload)
		out <- solveOutcome{result, err}
	}()

	select {
	case o := <-out:
		observability.SolveDuration.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
		return o.result, o.err
	case <-ctx.Done():
		return nil, context.DeadlineExceeded
	}
}

// retryTask re-queues a retryable failure, or fails the task once the attempt
// budget is spent. Retries join the back of the queue, competing fairly with
// new submissions.
func (m *Manager) retryTask(taskID, reason string) {
	m.mu.Lock()
	t, ok := m.active[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if t.Attempts >= t.MaxAttempts {
		m.mu.Unlock()
		m.failTask(taskID, fmt.Sprintf("Max attempts reached. Last error: %s", reason), "max_attempts")
		return
	}

	t.Status = StatusPending
	t.Error = fmt.Sprintf("Attempt %d: %s", t.Attempts, reason)
	t.UpdatedAt = time.Now()
	m.processing--
	attempts := t.Attempts
	maxAttempts := t.MaxAttempts
	taskType := t.Type
	m.mu.Unlock()

	select {
	case m.queue <- taskID:
		observability.QueueDepth.Set(float64(len(m.queue)))
		observability.TaskRetriesTotal.WithLabelValues(taskType).Inc()
		m.logger.Info("retrying task",
			zap.String("task_id", taskID),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", maxAttempts),
			zap.String("reason", reason),
		)
	default:
		m.failTask(taskID, fmt.Sprintf("Queue full, dropping retry. Last error: %s", reason), "queue_full")
	}
}

// completeTask moves a task to the completed table with its result, then
// best-effort persists the result view to the external cache.
func (m *Manager) completeTask(taskID string, result any) {
	m.mu.Lock()
	t, ok := m.active[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = &now
	t.UpdatedAt = now

	m.completed[taskID] = t
	delete(m.active, taskID)
	m.completedTotal++
	m.processing--
	view := t.view()
	taskType := t.Type
	m.mu.Unlock()

	if m.cache != nil {
		m.cache.SetResult(context.Background(), taskID, view)
	}
	observability.TasksCompletedTotal.WithLabelValues(taskType).Inc()

	m.logger.Info("task completed", zap.String("task_id", taskID))
}

func (m *Manager) failTask(taskID, errMsg, reason string) {
	m.mu.Lock()
	t, ok := m.active[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}

	wasProcessing := t.Status == StatusProcessing

	now := time.Now()
	t.Status = StatusFailed
	t.Error = errMsg
	t.CompletedAt = &now
	t.UpdatedAt = now

	m.completed[taskID] = t
	delete(m.active, taskID)
	m.failedTotal++
	if wasProcessing {
		m.processing--
	}
	view := t.view()
	taskType := t.Type
	m.mu.Unlock()

	if m.cache != nil {
		m.cache.SetResult(context.Background(), taskID, view)
	}
	observability.TasksFailedTotal.WithLabelValues(taskType, reason).Inc()

	m.logger.Warn("task failed",
		zap.String("task_id", taskID),
		zap.String("error", errMsg),
	)
}

// cleanupLoop evicts completed entries older than the retention window. This
// bounds memory growth independent of the external cache's own TTLs.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.Retention)

			m.mu.Lock()
			removed := 0
			for id, t := range m.completed {
				if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
					delete(m.completed, id)
					removed++
				}
			}
			m.mu.Unlock()

			if removed > 0 {
				m.logger.Debug("evicted old completed tasks", zap.Int("count", removed))
			}
		}
	}
}
