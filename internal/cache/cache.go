// Package cache is the Redis-backed cache collaborator. Every operation
// fails soft: with Redis unavailable a get degrades to a miss and a set to a
// no-op, so the orchestration core stays correct, just slower.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xorthonl/solverq/internal/task"
	"go.uber.org/zap"
)

const (
	keyPrefix = "solverq"

	solutionTTL = time.Hour
	resultTTL   = time.Hour
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Manager struct {
	rdb    *redis.Client
	logger *zap.Logger

	connected atomic.Bool
	hits      atomic.Int64
	misses    atomic.Int64
	errors    atomic.Int64
}

func New(cfg Config, logger *zap.Logger) *Manager {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &Manager{rdb: rdb, logger: logger}
}

// Connect pings Redis. An unreachable server is logged, the cache stays
// disabled, and no error is returned: the service runs uncached.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		m.logger.Warn("redis unavailable, cache disabled", zap.Error(err))
		return nil
	}
	m.connected.Store(true)
	m.logger.Info("connected to redis cache")
	return nil
}

func (m *Manager) Close() error {
	m.connected.Store(false)
	return m.rdb.Close()
}

// GetSolution looks up a previously cached solution for a payload.
func (m *Manager) GetSolution(ctx context.Context, payload map[string]any) (any, bool) {
	if !m.connected.Load() {
		return nil, false
	}

	raw, err := m.rdb.Get(ctx, m.solutionKey(payload)).Bytes()
	if err == redis.Nil {
		m.misses.Add(1)
		return nil, false
	}
	if err != nil {
		m.errors.Add(1)
		m.logger.Debug("cache get failed", zap.Error(err))
		return nil, false
	}

	var solution any
	if err := json.Unmarshal(raw, &solution); err != nil {
		m.errors.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return solution, true
}

// SetSolution stores a solution keyed by payload hash, best effort.
func (m *Manager) SetSolution(ctx context.Context, payload map[string]any, solution any) {
	if !m.connected.Load() {
		return
	}

	raw, err := json.Marshal(solution)
	if err != nil {
		m.errors.Add(1)
		return
	}
	if err := m.rdb.Set(ctx, m.solutionKey(payload), raw, solutionTTL).Err(); err != nil {
		m.errors.Add(1)
		m.logger.Debug("cache set failed", zap.Error(err))
	}
}

// GetResult looks up the outcome of a specific task by id.
func (m *Manager) GetResult(ctx context.Context, taskID string) (*task.ResultView, bool) {
	if !m.connected.Load() {
		return nil, false
	}

	raw, err := m.rdb.Get(ctx, m.resultKey(taskID)).Bytes()
	if err == redis.Nil {
		m.misses.Add(1)
		return nil, false
	}
	if err != nil {
		m.errors.Add(1)
		m.logger.Debug("cache get failed", zap.Error(err))
		return nil, false
	}

	var view task.ResultView
	if err := json.Unmarshal(raw, &view); err != nil {
		m.errors.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return &view, true
}

// SetResult stores a task's result view keyed by task id, best effort.
func (m *Manager) SetResult(ctx context.Context, taskID string, view *task.ResultView) {
	if !m.connected.Load() {
		return
	}

	raw, err := json.Marshal(view)
	if err != nil {
		m.errors.Add(1)
		return
	}
	if err := m.rdb.Set(ctx, m.resultKey(taskID), raw, resultTTL).Err(); err != nil {
		m.errors.Add(1)
		m.logger.Debug("cache set failed", zap.Error(err))
	}
}

func (m *Manager) Stats(ctx context.Context) map[string]any {
	return map[string]any{
		"connected": m.connected.Load(),
		"hits":      m.hits.Load(),
		"misses":    m.misses.Load(),
		"errors":    m.errors.Load(),
	}
}

func (m *Manager) solutionKey(payload map[string]any) string {
	return fmt.Sprintf("%s:solution:%s", keyPrefix, hashPayload(payload))
}

func (m *Manager) resultKey(taskID string) string {
	return fmt.Sprintf("%s:result:%s", keyPrefix, taskID)
}

// hashPayload derives a stable key from a payload. encoding/json emits map
// keys in sorted order, so two payloads with equal contents hash identically
// regardless of construction order.
func hashPayload(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}
