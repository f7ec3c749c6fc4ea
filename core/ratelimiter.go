package core

import (
	"context"
	"sync"
)

// RateLimiter is a pre-flight admission check ahead of dispatch, entirely
// independent of worker selection: it protects the pool from a caller who
// has exhausted their budget, not from bursts.
type RateLimiter interface {
	Allow(ctx context.Context, apiKey string) (bool, error)
	Consume(ctx context.Context, apiKey string, actualTokens int) error
}

// InMemoryRateLimiter implements RateLimiter with thread-safe in-memory
// per-key token balances.
type InMemoryRateLimiter struct {
	mu       sync.RWMutex
	balances map[string]int
}

// NewInMemoryRateLimiter creates a new InMemoryRateLimiter seeded with a
// development test key.
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		balances: make(map[string]int),
	}
	rl.balances["test-key-123"] = 100
	return rl
}

// Seed grants apiKey an initial token budget, creating it if absent.
func (r *InMemoryRateLimiter) Seed(apiKey string, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[apiKey] = tokens
}

// Allow reports whether apiKey exists and has a positive balance.
func (r *InMemoryRateLimiter) Allow(ctx context.Context, apiKey string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	balance, exists := r.balances[apiKey]
	if !exists {
		return false, nil
	}
	return balance > 0, nil
}

// Consume deducts actualTokens from apiKey's balance. Balance is allowed to
// go negative (overdraft on the current request rather than mid-dispatch
// rejection).
func (r *InMemoryRateLimiter) Consume(ctx context.Context, apiKey string, actualTokens int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.balances[apiKey] -= actualTokens
	return nil
}
