// Package ratelimit implements sliding-window request admission control.
//
// The policy is a dual window: a per-minute limit bounds bursts and a
// per-hour limit caps sustained abuse. Violating either window puts the
// client on a temporary block (60s for the minute window, 300s for the hour
// window), so repeated violation gets more expensive without any per-client
// configuration beyond a single expiry timestamp.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/xorthonl/solverq/internal/observability"
	"go.uber.org/zap"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	minuteBlockDuration = 60 * time.Second
	hourBlockDuration   = 300 * time.Second

	sweepInterval    = 5 * time.Minute
	historyRetention = 24 * time.Hour
)

type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int // 0 = RequestsPerMinute * 60
}

type ClientStats struct {
	ClientID           string     `json:"client_id"`
	RequestsLastMinute int        `json:"requests_last_minute"`
	RequestsLastHour   int        `json:"requests_last_hour"`
	RequestsLastDay    int        `json:"requests_last_day"`
	TotalRequests      int        `json:"total_requests"`
	Blocked            bool       `json:"blocked"`
	BlockedUntil       *time.Time `json:"blocked_until,omitempty"`
}

type GlobalStats struct {
	TotalClients       int `json:"total_clients"`
	BlockedClients     int `json:"blocked_clients"`
	ActiveBlocks       int `json:"active_blocks"`
	RequestsLastMinute int `json:"requests_last_minute"`
	RequestsLastHour   int `json:"requests_last_hour"`
	RequestsLastDay    int `json:"requests_last_day"`
	PerMinuteLimit     int `json:"rate_limit_per_minute"`
}

// Limiter tracks per-client request history. All mutation funnels through one
// mutex; nothing blocking happens while it is held.
type Limiter struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time // swapped in tests

	mu      sync.Mutex
	history map[string][]time.Time // oldest first
	blocked map[string]time.Time   // client -> block expiry

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.RequestsPerHour == 0 {
		cfg.RequestsPerHour = cfg.RequestsPerMinute * 60
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		history: map[string][]time.Time{},
		blocked: map[string]time.Time{},
	}
}

// Start launches the background sweep. Idempotent.
func (l *Limiter) Start() {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.sweepLoop(ctx)
	l.logger.Info("rate limiter started",
		zap.Int("per_minute", l.cfg.RequestsPerMinute),
		zap.Int("per_hour", l.cfg.RequestsPerHour),
	)
}

// Stop cancels the sweep and waits for it to exit. Idempotent.
func (l *Limiter) Stop() {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	l.logger.Info("rate limiter stopped")
}

// Allow admits or rejects a request using the configured limits.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowWithLimits(clientID, 0, 0)
}

// AllowWithLimits admits or rejects a request, overriding the configured
// window limits where the overrides are > 0. A blocked client is rejected
// without consuming quota.
func (l *Limiter) AllowWithLimits(clientID string, perMinute, perHour int) bool {
	now := l.now()

	if perMinute <= 0 {
		perMinute = l.cfg.RequestsPerMinute
	}
	if perHour <= 0 {
		perHour = l.cfg.RequestsPerHour
		if perHour <= 0 {
			perHour = perMinute * 60
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.blocked[clientID]; ok {
		if now.Before(until) {
			observability.RateLimitRejectionsTotal.WithLabelValues("blocked").Inc()
			return false
		}
		delete(l.blocked, clientID)
	}

	hist := pruneBefore(l.history[clientID], now.Add(-hourWindow))

	minuteCutoff := now.Add(-minuteWindow)
	lastMinute := 0
	for _, ts := range hist {
		if ts.After(minuteCutoff) {
			lastMinute++
		}
	}
	lastHour := len(hist)

	if lastMinute >= perMinute {
		l.blocked[clientID] = now.Add(minuteBlockDuration)
		l.history[clientID] = hist
		l.logger.Warn("rate limit exceeded, client blocked",
			zap.String("client_id", clientID),
			zap.Int("last_minute", lastMinute),
			zap.Int("limit", perMinute),
			zap.Duration("block", minuteBlockDuration),
		)
		observability.RateLimitRejectionsTotal.WithLabelValues("minute").Inc()
		return false
	}

	if lastHour >= perHour {
		l.blocked[clientID] = now.Add(hourBlockDuration)
		l.history[clientID] = hist
		l.logger.Warn("hourly rate limit exceeded, client blocked",
			zap.String("client_id", clientID),
			zap.Int("last_hour", lastHour),
			zap.Int("limit", perHour),
			zap.Duration("block", hourBlockDuration),
		)
		observability.RateLimitRejectionsTotal.WithLabelValues("hour").Inc()
		return false
	}

	l.history[clientID] = append(hist, now)
	return true
}

// UnblockClient removes an active block. Reports whether one existed.
func (l *Limiter) UnblockClient(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.blocked[clientID]; !ok {
		return false
	}
	delete(l.blocked, clientID)
	l.logger.Info("client unblocked", zap.String("client_id", clientID))
	return true
}

// ResetClient drops a client's request history. Reports whether any existed.
func (l *Limiter) ResetClient(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.history[clientID]; !ok {
		return false
	}
	delete(l.history, clientID)
	l.logger.Info("client history reset", zap.String("client_id", clientID))
	return true
}

// Blacklist blocks a client for the given duration regardless of its history.
func (l *Limiter) Blacklist(clientID string, d time.Duration) {
	now := l.now()

	l.mu.Lock()
	l.blocked[clientID] = now.Add(d)
	l.mu.Unlock()

	l.logger.Info("client blacklisted",
		zap.String("client_id", clientID),
		zap.Duration("duration", d),
	)
}

// ClientStats reports read-only counts for one client. It never mutates state,
// so repeated stat reads cannot change admission decisions.
func (l *Limiter) ClientStats(clientID string) ClientStats {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hist := l.history[clientID]
	st := ClientStats{
		ClientID:           clientID,
		RequestsLastMinute: countAfter(hist, now.Add(-minuteWindow)),
		RequestsLastHour:   countAfter(hist, now.Add(-hourWindow)),
		RequestsLastDay:    countAfter(hist, now.Add(-historyRetention)),
		TotalRequests:      len(hist),
	}

	if until, ok := l.blocked[clientID]; ok && now.Before(until) {
		st.Blocked = true
		u := until
		st.BlockedUntil = &u
	}
	return st
}

// GlobalStats aggregates counts across all tracked clients.
func (l *Limiter) GlobalStats() GlobalStats {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st := GlobalStats{
		TotalClients:   len(l.history),
		BlockedClients: len(l.blocked),
		PerMinuteLimit: l.cfg.RequestsPerMinute,
	}
	for _, hist := range l.history {
		st.RequestsLastMinute += countAfter(hist, now.Add(-minuteWindow))
		st.RequestsLastHour += countAfter(hist, now.Add(-hourWindow))
		st.RequestsLastDay += countAfter(hist, now.Add(-historyRetention))
	}
	for _, until := range l.blocked {
		if until.After(now) {
			st.ActiveBlocks++
		}
	}
	return st
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep prunes history older than 24h, drops clients with no history and no
// block, and clears expired blocks. A failed iteration only costs one tick.
func (l *Limiter) sweep() {
	now := l.now()
	cutoff := now.Add(-historyRetention)

	l.mu.Lock()
	defer l.mu.Unlock()

	removedClients := 0
	for clientID, hist := range l.history {
		hist = pruneBefore(hist, cutoff)
		if len(hist) == 0 {
			if _, stillBlocked := l.blocked[clientID]; !stillBlocked {
				delete(l.history, clientID)
				removedClients++
				continue
			}
		}
		l.history[clientID] = hist
	}

	expiredBlocks := 0
	for clientID, until := range l.blocked {
		if !until.After(now) {
			delete(l.blocked, clientID)
			expiredBlocks++
		}
	}

	if removedClients > 0 || expiredBlocks > 0 {
		l.logger.Debug("rate limiter sweep",
			zap.Int("clients_removed", removedClients),
			zap.Int("blocks_expired", expiredBlocks),
		)
	}
}

func pruneBefore(hist []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hist) && hist[i].Before(cutoff) {
		i++
	}
	return hist[i:]
}

func countAfter(hist []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range hist {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
