package provider

import (
	"context"
	"testing"
	"time"
)

func TestNewTextLimiter_Defaults(t *testing.T) {
	l := NewTextLimiter(0, 0)
	if l.Burst() != defaultEmbedBurst {
		t.Fatalf("expected burst %d, got %d", defaultEmbedBurst, l.Burst())
	}
	if l.Limit() != 10 {
		t.Fatalf("expected 10 texts/s, got %v", l.Limit())
	}
}

func TestRateLimitedEmbedder_BurstPassesImmediately(t *testing.T) {
	inner := &mockEmbedder{name: "m", model: "m1", healthy: true}
	e := NewRateLimitedEmbedder(inner, NewTextLimiter(60, 5))

	start := time.Now()
	if _, err := e.Embed(context.Background(), []string{"a", "b", "c", "d", "e"}); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected burst to pass without waiting, took %v", elapsed)
	}
}

func TestRateLimitedEmbedder_ChargesPerText(t *testing.T) {
	inner := &mockEmbedder{name: "m", model: "m1", healthy: true}
	// 2 burst, 10 texts/s: the third text waits about 100ms
	e := NewRateLimitedEmbedder(inner, NewTextLimiter(600, 2))

	start := time.Now()
	if _, err := e.Embed(context.Background(), []string{"a", "b", "c"}); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected a wait for the text beyond the burst, got %v", elapsed)
	}
	if inner.calls != 1 {
		t.Fatalf("expected one provider call for the batch, got %d", inner.calls)
	}
}

func TestRateLimitedEmbedder_HonoursContext(t *testing.T) {
	inner := &mockEmbedder{name: "m", model: "m1", healthy: true}
	e := NewRateLimitedEmbedder(inner, NewTextLimiter(1, 1))

	if _, err := e.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("first embed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Embed(ctx, []string{"b"}); err == nil {
		t.Fatal("expected deadline error while waiting for a token")
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 call to reach the provider, got %d", inner.calls)
	}
	if e.Model() != "m1" {
		t.Fatalf("expected wrapped model, got %q", e.Model())
	}
}
