package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/logger"
)

const (
	DefaultRequestsPerSecond = 2.0
	DefaultBurst             = 5
	DefaultIdleTTL           = 10 * time.Minute
)

// Config holds the per-client token bucket settings
type Config struct {
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration // Limiters unused for this long are evicted
}

// Limiter hands out one token bucket per client key
type Limiter interface {
	// Allow reports whether the client may make a request now
	Allow(key string) bool
	// Close stops the eviction loop
	Close()
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiter struct {
	config    Config
	clock     adapter.Clock
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	stopChan  chan struct{}
	closeOnce sync.Once
}

// New creates a limiter and starts evicting idle clients
func New(cfg Config, clock adapter.Clock) Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}

	l := &limiter{
		config:   cfg,
		clock:    clock,
		clients:  make(map[string]*clientLimiter),
		stopChan: make(chan struct{}),
	}
	go l.evictLoop()

	logger.Info("Rate limiter initialized",
		zap.Float64("requests_per_second", cfg.RequestsPerSecond),
		zap.Int("burst", cfg.Burst),
		zap.Duration("idle_ttl", cfg.IdleTTL),
	)
	return l
}

func (l *limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

func (l *limiter) evictLoop() {
	for {
		select {
		case <-l.clock.After(l.config.IdleTTL):
			l.evictIdle()
		case <-l.stopChan:
			return
		}
	}
}

// evictIdle drops the limiters of clients not seen for IdleTTL
func (l *limiter) evictIdle() {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) >= l.config.IdleTTL {
			delete(l.clients, key)
			evicted++
		}
	}
	if evicted > 0 {
		logger.Debug("Evicted idle rate limiters", zap.Int("evicted", evicted), zap.Int("remaining", len(l.clients)))
	}
}

func (l *limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopChan)
	})
}
