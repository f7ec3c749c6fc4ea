package core

import (
	"context"
	"testing"
)

func TestInMemoryRateLimiter_UnknownKeyDenied(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	allowed, err := rl.Allow(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if allowed {
		t.Fatal("expected unknown key to be denied")
	}
}

func TestInMemoryRateLimiter_ConsumeAndOverdraft(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	rl.Seed("acct", 10)

	if err := rl.Consume(context.Background(), "acct", 7); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	allowed, _ := rl.Allow(context.Background(), "acct")
	if !allowed {
		t.Fatal("expected key with positive balance to be allowed")
	}

	if err := rl.Consume(context.Background(), "acct", 5); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	allowed, _ = rl.Allow(context.Background(), "acct")
	if allowed {
		t.Fatal("expected key with negative balance to be denied")
	}
}
