package api

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BackpressurePolicy defines per-agent admission limits.
type BackpressurePolicy struct {
	RPM   int
	Burst int
}

// LimiterStore abstracts the storage for backpressure buckets.
type LimiterStore interface {
	// Allow checks if the source agent may submit a message costing 'cost'.
	// Returns true if allowed, false if rate limited.
	Allow(ctx context.Context, agentID string, policy BackpressurePolicy, cost int) (bool, error)
}

// TokenBucket implements a thread-safe token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = tb.tokens + elapsed*tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// EvaluateBackpressure checks whether the source agent may proceed.
// A nil store denies by default: submissions fail closed rather than
// bypassing an operator-configured limit.
func EvaluateBackpressure(ctx context.Context, store LimiterStore, agentID string, policy BackpressurePolicy) error {
	if store == nil {
		return fmt.Errorf("backpressure: no limiter store configured")
	}

	allowed, err := store.Allow(ctx, agentID, policy, 1)
	if err != nil {
		return fmt.Errorf("backpressure check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("backpressure: rate limit exceeded for %s", agentID)
	}
	return nil
}

// InMemoryLimiterStore for single-instance deployments.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		buckets: make(map[string]*TokenBucket),
	}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, agentID string, policy BackpressurePolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, exists := s.buckets[agentID]
	if !exists {
		rate := float64(policy.RPM) / 60.0
		if rate <= 0 {
			rate = 1
		}
		tb = NewTokenBucket(rate, policy.Burst)
		s.buckets[agentID] = tb
	}

	return tb.Allow(cost), nil
}
